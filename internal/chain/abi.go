package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments trimmed to the calls and events the engine actually uses.
// Topic IDs for log parsing come from these parsed ABIs, never from
// hardcoded hashes.

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// slot0 matches the PancakeSwap V3 pool layout (feeProtocol is uint32
// there, uint8 on Uniswap; both decode identically since every static
// output occupies a full word).
const poolABIJSON = `[
  {"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"sqrtPriceX96","type":"uint160"},
    {"name":"tick","type":"int24"},
    {"name":"observationIndex","type":"uint16"},
    {"name":"observationCardinality","type":"uint16"},
    {"name":"observationCardinalityNext","type":"uint16"},
    {"name":"feeProtocol","type":"uint32"},
    {"name":"unlocked","type":"bool"}]},
  {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
  {"name":"liquidity","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]}
]`

const npmABIJSON = `[
  {"name":"mint","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
    {"name":"token0","type":"address"},
    {"name":"token1","type":"address"},
    {"name":"fee","type":"uint24"},
    {"name":"tickLower","type":"int24"},
    {"name":"tickUpper","type":"int24"},
    {"name":"amount0Desired","type":"uint256"},
    {"name":"amount1Desired","type":"uint256"},
    {"name":"amount0Min","type":"uint256"},
    {"name":"amount1Min","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"deadline","type":"uint256"}]}],
   "outputs":[
    {"name":"tokenId","type":"uint256"},
    {"name":"liquidity","type":"uint128"},
    {"name":"amount0","type":"uint256"},
    {"name":"amount1","type":"uint256"}]},
  {"name":"positions","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"nonce","type":"uint96"},
    {"name":"operator","type":"address"},
    {"name":"token0","type":"address"},
    {"name":"token1","type":"address"},
    {"name":"fee","type":"uint24"},
    {"name":"tickLower","type":"int24"},
    {"name":"tickUpper","type":"int24"},
    {"name":"liquidity","type":"uint128"},
    {"name":"feeGrowthInside0LastX128","type":"uint256"},
    {"name":"feeGrowthInside1LastX128","type":"uint256"},
    {"name":"tokensOwed0","type":"uint128"},
    {"name":"tokensOwed1","type":"uint128"}]},
  {"name":"decreaseLiquidity","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
    {"name":"tokenId","type":"uint256"},
    {"name":"liquidity","type":"uint128"},
    {"name":"amount0Min","type":"uint256"},
    {"name":"amount1Min","type":"uint256"},
    {"name":"deadline","type":"uint256"}]}],
   "outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]},
  {"name":"collect","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
    {"name":"tokenId","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"amount0Max","type":"uint128"},
    {"name":"amount1Max","type":"uint128"}]}],
   "outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]},
  {"name":"burn","type":"function","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"name":"multicall","type":"function","stateMutability":"payable","inputs":[{"name":"data","type":"bytes[]"}],"outputs":[{"name":"results","type":"bytes[]"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"IncreaseLiquidity","type":"event","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"liquidity","type":"uint128","indexed":false},
    {"name":"amount0","type":"uint256","indexed":false},
    {"name":"amount1","type":"uint256","indexed":false}]},
  {"name":"DecreaseLiquidity","type":"event","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"liquidity","type":"uint128","indexed":false},
    {"name":"amount0","type":"uint256","indexed":false},
    {"name":"amount1","type":"uint256","indexed":false}]},
  {"name":"Collect","type":"event","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"recipient","type":"address","indexed":false},
    {"name":"amount0","type":"uint256","indexed":false},
    {"name":"amount1","type":"uint256","indexed":false}]},
  {"name":"Transfer","type":"event","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

const factoryABIJSON = `[
  {"name":"getPool","type":"function","stateMutability":"view","inputs":[
    {"name":"tokenA","type":"address"},
    {"name":"tokenB","type":"address"},
    {"name":"fee","type":"uint24"}],
   "outputs":[{"name":"pool","type":"address"}]}
]`

var (
	erc20ABI   = mustABI("erc20", erc20ABIJSON)
	poolABI    = mustABI("pool", poolABIJSON)
	npmABI     = mustABI("npm", npmABIJSON)
	factoryABI = mustABI("factory", factoryABIJSON)
)

func mustABI(name, body string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
