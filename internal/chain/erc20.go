package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// approveGasFactor is the headroom on approve gas estimates. Approvals are
// cheap and uncontended, a small margin is enough.
const approveGasFactor = 1.2

var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// BalanceOf reads an ERC-20 balance for the signer wallet.
func (c *Client) BalanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.BalanceOfOwner(ctx, token, c.address)
}

// BalanceOfOwner reads an ERC-20 balance for an arbitrary owner.
func (c *Client) BalanceOfOwner(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack balanceOf")
	}
	out, err := c.call(ctx, "balanceOf", token, data)
	if err != nil {
		return nil, err
	}
	return unpackBig(erc20ABI, "balanceOf", out)
}

// Allowance reads the signer's allowance toward a spender.
func (c *Client) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", c.address, spender)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack allowance")
	}
	out, err := c.call(ctx, "allowance", token, data)
	if err != nil {
		return nil, err
	}
	return unpackBig(erc20ABI, "allowance", out)
}

// Decimals reads a token's decimal count.
func (c *Client) Decimals(ctx context.Context, token common.Address) (int, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, types.WrapFault(types.KindInternal, err, "pack decimals")
	}
	out, err := c.call(ctx, "decimals", token, data)
	if err != nil {
		return 0, err
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, types.WrapFault(types.KindRpcFatal, err, "decode decimals")
	}
	dec, ok := vals[0].(uint8)
	if !ok {
		return 0, types.NewFault(types.KindRpcFatal, "decimals: unexpected type %T", vals[0])
	}
	return int(dec), nil
}

// Symbol reads a token's symbol.
func (c *Client) Symbol(ctx context.Context, token common.Address) (string, error) {
	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return "", types.WrapFault(types.KindInternal, err, "pack symbol")
	}
	out, err := c.call(ctx, "symbol", token, data)
	if err != nil {
		return "", err
	}
	vals, err := erc20ABI.Unpack("symbol", out)
	if err != nil {
		return "", types.WrapFault(types.KindRpcFatal, err, "decode symbol")
	}
	sym, ok := vals[0].(string)
	if !ok {
		return "", types.NewFault(types.KindRpcFatal, "symbol: unexpected type %T", vals[0])
	}
	return sym, nil
}

// ApproveMax grants the spender an unbounded allowance on the token. One
// approval per token-spender pair outlives every later mint.
func (c *Client) ApproveMax(ctx context.Context, token, spender common.Address, gasPrice *big.Int) (*ethtypes.Receipt, error) {
	data, err := erc20ABI.Pack("approve", spender, maxApproval)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "pack approve")
	}
	estimate, err := c.EstimateGas(ctx, token, data, nil)
	if err != nil {
		return nil, err
	}
	rcpt, err := c.SendAndWait(ctx, TxRequest{
		To:       token,
		Data:     data,
		GasLimit: ScaleGas(estimate, approveGasFactor),
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, err
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		return rcpt, types.NewFault(types.KindRpcFatal,
			"approve %s for %s reverted in tx %s", token.Hex(), spender.Hex(), rcpt.TxHash.Hex())
	}
	c.logger.Info("allowance granted", "token", token.Hex(), "spender", spender.Hex(), "tx", rcpt.TxHash.Hex())
	return rcpt, nil
}

func unpackBig(parsed abi.ABI, name string, out []byte) (*big.Int, error) {
	vals, err := parsed.Unpack(name, out)
	if err != nil {
		return nil, types.WrapFault(types.KindRpcFatal, err, "decode %s", name)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, types.NewFault(types.KindRpcFatal, "%s: unexpected type %T", name, vals[0])
	}
	return v, nil
}
