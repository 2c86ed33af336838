package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Slot0Result is the pool's current price point.
type Slot0Result struct {
	SqrtPriceX96 *big.Int
	Tick         int
}

// PoolMeta identifies a pool's token pair and fee tier.
type PoolMeta struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	Fee     int
}

// PositionState mirrors the on-chain positions(tokenId) view, trimmed to
// the fields the engine consumes.
type PositionState struct {
	TokenID     *big.Int
	Token0      common.Address
	Token1      common.Address
	Fee         int
	TickLower   int
	TickUpper   int
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// Empty reports whether the position holds no liquidity and no uncollected
// amounts. Empty positions can only be burned.
func (p *PositionState) Empty() bool {
	return p.Liquidity.Sign() == 0 && p.TokensOwed0.Sign() == 0 && p.TokensOwed1.Sign() == 0
}

// Slot0 reads the pool's current sqrt price and tick.
func (c *Client) Slot0(ctx context.Context, pool common.Address) (*Slot0Result, error) {
	data, err := poolABI.Pack("slot0")
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack slot0")
	}
	out, err := c.call(ctx, "slot0", pool, data)
	if err != nil {
		return nil, err
	}
	vals, err := poolABI.Unpack("slot0", out)
	if err != nil {
		return nil, types.WrapFault(types.KindRpcFatal, err, "decode slot0")
	}
	sqrt, ok0 := vals[0].(*big.Int)
	tick, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, types.NewFault(types.KindRpcFatal, "slot0: unexpected types %T %T", vals[0], vals[1])
	}
	return &Slot0Result{SqrtPriceX96: sqrt, Tick: int(tick.Int64())}, nil
}

// PoolImmutables reads the pool's token pair and fee tier.
func (c *Client) PoolImmutables(ctx context.Context, pool common.Address) (*PoolMeta, error) {
	token0, err := c.callAddress(ctx, poolABI, "token0", pool)
	if err != nil {
		return nil, err
	}
	token1, err := c.callAddress(ctx, poolABI, "token1", pool)
	if err != nil {
		return nil, err
	}
	data, err := poolABI.Pack("fee")
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack fee")
	}
	out, err := c.call(ctx, "fee", pool, data)
	if err != nil {
		return nil, err
	}
	fee, err := unpackBig(poolABI, "fee", out)
	if err != nil {
		return nil, err
	}
	return &PoolMeta{Address: pool, Token0: token0, Token1: token1, Fee: int(fee.Int64())}, nil
}

// VerifyPool confirms the configured pool binds exactly the configured pair
// and fee. A mismatch is a configuration error, not a chain fault.
func (c *Client) VerifyPool(ctx context.Context, meta PoolMeta) error {
	onchain, err := c.PoolImmutables(ctx, meta.Address)
	if err != nil {
		return err
	}
	if onchain.Token0 != meta.Token0 || onchain.Token1 != meta.Token1 || onchain.Fee != meta.Fee {
		return types.NewFault(types.KindInvalidConfig,
			"pool %s holds %s/%s fee %d, config says %s/%s fee %d",
			meta.Address.Hex(), onchain.Token0.Hex(), onchain.Token1.Hex(), onchain.Fee,
			meta.Token0.Hex(), meta.Token1.Hex(), meta.Fee)
	}
	return nil
}

// PoolForTokens resolves a pool address from the factory.
func (c *Client) PoolForTokens(ctx context.Context, tokenA, tokenB common.Address, fee int) (common.Address, error) {
	data, err := factoryABI.Pack("getPool", tokenA, tokenB, big.NewInt(int64(fee)))
	if err != nil {
		return common.Address{}, types.WrapFault(types.KindInternal, err, "pack getPool")
	}
	out, err := c.call(ctx, "getPool", c.factory, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := factoryABI.Unpack("getPool", out)
	if err != nil {
		return common.Address{}, types.WrapFault(types.KindRpcFatal, err, "decode getPool")
	}
	pool, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, types.NewFault(types.KindRpcFatal, "getPool: unexpected type %T", vals[0])
	}
	if pool == (common.Address{}) {
		return common.Address{}, types.NewFault(types.KindNotFound,
			"no pool for %s/%s at fee %d", tokenA.Hex(), tokenB.Hex(), fee)
	}
	return pool, nil
}

// PositionAt reads the live state of a minted position.
func (c *Client) PositionAt(ctx context.Context, tokenID *big.Int) (*PositionState, error) {
	data, err := npmABI.Pack("positions", tokenID)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack positions")
	}
	out, err := c.call(ctx, "positions", c.positionManager, data)
	if err != nil {
		if strings.Contains(err.Error(), "Invalid token ID") {
			return nil, types.WrapFault(types.KindNotFound, err, "position %s", tokenID)
		}
		return nil, err
	}
	vals, err := npmABI.Unpack("positions", out)
	if err != nil {
		return nil, types.WrapFault(types.KindRpcFatal, err, "decode positions")
	}
	return &PositionState{
		TokenID:     new(big.Int).Set(tokenID),
		Token0:      vals[2].(common.Address),
		Token1:      vals[3].(common.Address),
		Fee:         int(vals[4].(*big.Int).Int64()),
		TickLower:   int(vals[5].(*big.Int).Int64()),
		TickUpper:   int(vals[6].(*big.Int).Int64()),
		Liquidity:   vals[7].(*big.Int),
		TokensOwed0: vals[10].(*big.Int),
		TokensOwed1: vals[11].(*big.Int),
	}, nil
}

// OwnedPositions enumerates the wallet's positions newest first, up to
// limit. Recovery uses this to find a mint whose receipt was lost.
func (c *Client) OwnedPositions(ctx context.Context, owner common.Address, limit int) ([]*PositionState, error) {
	data, err := npmABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack balanceOf")
	}
	out, err := c.call(ctx, "position count", c.positionManager, data)
	if err != nil {
		return nil, err
	}
	count, err := unpackBig(npmABI, "balanceOf", out)
	if err != nil {
		return nil, err
	}

	var states []*PositionState
	for i := count.Int64() - 1; i >= 0 && len(states) < limit; i-- {
		idxData, err := npmABI.Pack("tokenOfOwnerByIndex", owner, big.NewInt(i))
		if err != nil {
			return nil, types.WrapFault(types.KindInternal, err, "pack tokenOfOwnerByIndex")
		}
		out, err := c.call(ctx, "tokenOfOwnerByIndex", c.positionManager, idxData)
		if err != nil {
			return nil, err
		}
		id, err := unpackBig(npmABI, "tokenOfOwnerByIndex", out)
		if err != nil {
			return nil, err
		}
		st, err := c.PositionAt(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// ————————————————————————————————————————————————————————————————————————
// Mint

// MintParams carries the mint call plus the gas policy the stage decided.
type MintParams struct {
	Pool           PoolMeta
	TickLower      int
	TickUpper      int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Deadline       time.Time
	GasPrice       *big.Int
	GasFactor      float64
}

// MintResult is the authoritative outcome parsed from receipt logs. When
// only the ERC-721 Transfer was found the amounts are unknown and
// NeedsManualCheck is set; the caller re-reads the position instead.
type MintResult struct {
	TokenID          *big.Int
	Liquidity        *big.Int
	Amount0          *big.Int
	Amount1          *big.Int
	Receipt          *ethtypes.Receipt
	NeedsManualCheck bool
}

type mintCall struct {
	Token0         common.Address
	Token1         common.Address
	Fee            *big.Int
	TickLower      *big.Int
	TickUpper      *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       *big.Int
}

// MintPosition estimates, submits and confirms a mint, then parses the
// position out of the receipt.
func (c *Client) MintPosition(ctx context.Context, p MintParams) (*MintResult, error) {
	data, err := npmABI.Pack("mint", mintCall{
		Token0:         p.Pool.Token0,
		Token1:         p.Pool.Token1,
		Fee:            big.NewInt(int64(p.Pool.Fee)),
		TickLower:      big.NewInt(int64(p.TickLower)),
		TickUpper:      big.NewInt(int64(p.TickUpper)),
		Amount0Desired: p.Amount0Desired,
		Amount1Desired: p.Amount1Desired,
		Amount0Min:     p.Amount0Min,
		Amount1Min:     p.Amount1Min,
		Recipient:      c.address,
		Deadline:       big.NewInt(p.Deadline.Unix()),
	})
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack mint")
	}

	estimate, err := c.EstimateGas(ctx, c.positionManager, data, nil)
	if err != nil {
		return nil, err
	}
	req := TxRequest{
		To:       c.positionManager,
		Data:     data,
		GasLimit: ScaleGas(estimate, p.GasFactor),
		GasPrice: p.GasPrice,
	}
	rcpt, err := c.SendAndWait(ctx, req)
	if err != nil {
		return nil, err
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		reason := c.replayRevert(ctx, req, rcpt.BlockNumber)
		if IsSlippageRevert(reason) {
			return nil, types.NewFault(types.KindSlippageViolation,
				"mint reverted: %s (tx %s)", reason, rcpt.TxHash.Hex())
		}
		if reason == "" {
			reason = "no reason available"
		}
		return nil, types.NewFault(types.KindMintFailed, "mint reverted: %s (tx %s)", reason, rcpt.TxHash.Hex())
	}
	return ParseMintReceipt(rcpt, c.positionManager, c.address)
}

// ParseMintReceipt extracts the minted position from receipt logs. The
// IncreaseLiquidity event is authoritative; the ERC-721 Transfer from the
// zero address is the fallback for the token id alone.
func ParseMintReceipt(rcpt *ethtypes.Receipt, manager, owner common.Address) (*MintResult, error) {
	incID := npmABI.Events["IncreaseLiquidity"].ID
	for _, lg := range rcpt.Logs {
		if lg.Address != manager || len(lg.Topics) < 2 || lg.Topics[0] != incID {
			continue
		}
		vals, err := npmABI.Unpack("IncreaseLiquidity", lg.Data)
		if err != nil {
			return nil, types.WrapFault(types.KindRpcFatal, err, "decode IncreaseLiquidity")
		}
		return &MintResult{
			TokenID:   new(big.Int).SetBytes(lg.Topics[1].Bytes()),
			Liquidity: vals[0].(*big.Int),
			Amount0:   vals[1].(*big.Int),
			Amount1:   vals[2].(*big.Int),
			Receipt:   rcpt,
		}, nil
	}

	transferID := npmABI.Events["Transfer"].ID
	for _, lg := range rcpt.Logs {
		if lg.Address != manager || len(lg.Topics) != 4 || lg.Topics[0] != transferID {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if from != (common.Address{}) || to != owner {
			continue
		}
		return &MintResult{
			TokenID:          new(big.Int).SetBytes(lg.Topics[3].Bytes()),
			Receipt:          rcpt,
			NeedsManualCheck: true,
		}, nil
	}

	return nil, types.NewFault(types.KindMintFailed,
		"mint confirmed but no position event in tx %s", rcpt.TxHash.Hex())
}

// ————————————————————————————————————————————————————————————————————————
// Exit

// ExitParams composes the close-out multicall. Liquidity > 0 adds the
// decrease step, Collect adds the sweep, Burn finishes the sequence.
type ExitParams struct {
	TokenID    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Collect    bool
	Burn       bool
	Deadline   time.Time
	GasPrice   *big.Int
	GasFactor  float64
}

// ExitResult is parsed from the close-out receipt. Amounts are zero, never
// nil, when the corresponding step did not run.
type ExitResult struct {
	Decreased0 *big.Int
	Decreased1 *big.Int
	Collected0 *big.Int
	Collected1 *big.Int
	Burned     bool
	Receipt    *ethtypes.Receipt
}

type decreaseCall struct {
	TokenId    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   *big.Int
}

type collectCall struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

// ExitPosition submits the decrease + collect + burn multicall and parses
// the withdrawn and collected amounts from the receipt.
func (c *Client) ExitPosition(ctx context.Context, p ExitParams) (*ExitResult, error) {
	var calls [][]byte

	if p.Liquidity != nil && p.Liquidity.Sign() > 0 {
		data, err := npmABI.Pack("decreaseLiquidity", decreaseCall{
			TokenId:    p.TokenID,
			Liquidity:  p.Liquidity,
			Amount0Min: orZero(p.Amount0Min),
			Amount1Min: orZero(p.Amount1Min),
			Deadline:   big.NewInt(p.Deadline.Unix()),
		})
		if err != nil {
			return nil, types.WrapFault(types.KindInternal, err, "pack decreaseLiquidity")
		}
		calls = append(calls, data)
	}
	if p.Collect {
		data, err := npmABI.Pack("collect", collectCall{
			TokenId:    p.TokenID,
			Recipient:  c.address,
			Amount0Max: maxUint128,
			Amount1Max: maxUint128,
		})
		if err != nil {
			return nil, types.WrapFault(types.KindInternal, err, "pack collect")
		}
		calls = append(calls, data)
	}
	if p.Burn {
		data, err := npmABI.Pack("burn", p.TokenID)
		if err != nil {
			return nil, types.WrapFault(types.KindInternal, err, "pack burn")
		}
		calls = append(calls, data)
	}
	if len(calls) == 0 {
		return nil, types.NewFault(types.KindInternal, "exit with no steps for position %s", p.TokenID)
	}

	data, err := npmABI.Pack("multicall", calls)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack multicall")
	}
	estimate, err := c.EstimateGas(ctx, c.positionManager, data, nil)
	if err != nil {
		return nil, err
	}
	req := TxRequest{
		To:       c.positionManager,
		Data:     data,
		GasLimit: ScaleGas(estimate, p.GasFactor),
		GasPrice: p.GasPrice,
	}
	rcpt, err := c.SendAndWait(ctx, req)
	if err != nil {
		return nil, err
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		reason := c.replayRevert(ctx, req, rcpt.BlockNumber)
		if reason == "" {
			reason = "no reason available"
		}
		return nil, types.NewFault(types.KindRpcFatal,
			"exit multicall reverted: %s (tx %s)", reason, rcpt.TxHash.Hex())
	}
	return ParseExitReceipt(rcpt, c.positionManager), nil
}

// ParseExitReceipt reads withdrawn and collected amounts from a close-out
// receipt. Absent events leave zero amounts.
func ParseExitReceipt(rcpt *ethtypes.Receipt, manager common.Address) *ExitResult {
	res := &ExitResult{
		Decreased0: new(big.Int),
		Decreased1: new(big.Int),
		Collected0: new(big.Int),
		Collected1: new(big.Int),
		Receipt:    rcpt,
	}
	decID := npmABI.Events["DecreaseLiquidity"].ID
	colID := npmABI.Events["Collect"].ID
	transferID := npmABI.Events["Transfer"].ID

	for _, lg := range rcpt.Logs {
		if lg.Address != manager || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case decID:
			if vals, err := npmABI.Unpack("DecreaseLiquidity", lg.Data); err == nil {
				res.Decreased0 = vals[1].(*big.Int)
				res.Decreased1 = vals[2].(*big.Int)
			}
		case colID:
			if vals, err := npmABI.Unpack("Collect", lg.Data); err == nil {
				res.Collected0 = vals[1].(*big.Int)
				res.Collected1 = vals[2].(*big.Int)
			}
		case transferID:
			if len(lg.Topics) == 4 && common.BytesToAddress(lg.Topics[2].Bytes()) == (common.Address{}) {
				res.Burned = true
			}
		}
	}
	return res
}

func (c *Client) callAddress(ctx context.Context, parsed abi.ABI, name string, to common.Address) (common.Address, error) {
	data, err := parsed.Pack(name)
	if err != nil {
		return common.Address{}, types.WrapFault(types.KindInternal, err, "pack %s", name)
	}
	out, err := c.call(ctx, name, to, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := parsed.Unpack(name, out)
	if err != nil {
		return common.Address{}, types.WrapFault(types.KindRpcFatal, err, "decode %s", name)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, types.NewFault(types.KindRpcFatal, "%s: unexpected type %T", name, vals[0])
	}
	return addr, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
