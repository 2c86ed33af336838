// Package chain is the on-chain access layer: pool and token reads, position
// manager writes, receipt waits, and log parsing.
//
// Reads walk a fixed ladder of RPC endpoints and fail over on transient
// errors. Writes are different: they sign with the configured key, go to the
// primary endpoint only, and are never retried automatically. A retried read
// is free; a retried write can double-submit.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// Client holds the endpoint ladder, the signing key, and the addresses of
// the position manager and factory contracts.
type Client struct {
	logger  *slog.Logger
	clients []*ethclient.Client
	urls    []string

	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	positionManager common.Address
	factory         common.Address

	requestTimeout time.Duration
	receiptTimeout time.Duration
	receiptPoll    time.Duration

	// nonceMu serializes nonce fetch + sign + send so concurrent writes
	// never race on a pending nonce. Receipt waits happen outside the lock.
	nonceMu sync.Mutex
}

// Dial connects the endpoint ladder and loads the signing key. The first
// configured endpoint becomes the primary; its reported chain id must match
// the configured one when reachable.
func Dial(ctx context.Context, cfg config.ChainConfig, wallet config.WalletConfig, logger *slog.Logger) (*Client, error) {
	keyHex := strings.TrimPrefix(wallet.PrivateKey, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, types.WrapFault(types.KindInvalidConfig, err, "parse private key")
	}

	clients := make([]*ethclient.Client, 0, len(cfg.RPCEndpoints))
	urls := make([]string, 0, len(cfg.RPCEndpoints))
	for _, url := range cfg.RPCEndpoints {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		ec, err := ethclient.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			return nil, types.WrapFault(types.KindInvalidConfig, err, "dial %s", url)
		}
		clients = append(clients, ec)
		urls = append(urls, url)
	}

	c := &Client{
		logger:          logger.With("component", "chain"),
		clients:         clients,
		urls:            urls,
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:         big.NewInt(cfg.ChainID),
		positionManager: common.HexToAddress(cfg.PositionManager),
		factory:         common.HexToAddress(cfg.Factory),
		requestTimeout:  cfg.RequestTimeout,
		receiptTimeout:  cfg.ReceiptTimeout,
		receiptPoll:     cfg.ReceiptPollInterval,
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if got, err := c.primary().ChainID(checkCtx); err != nil {
		c.logger.Warn("chain id check skipped, primary unreachable", "endpoint", urls[0], "error", err)
	} else if got.Int64() != cfg.ChainID {
		return nil, types.NewFault(types.KindInvalidConfig,
			"endpoint %s reports chain id %d, config says %d", urls[0], got.Int64(), cfg.ChainID)
	}

	c.logger.Info("chain client ready",
		"address", c.address.Hex(), "chain_id", cfg.ChainID, "endpoints", len(clients))
	return c, nil
}

// Close releases every endpoint connection.
func (c *Client) Close() {
	for _, ec := range c.clients {
		ec.Close()
	}
}

// Address returns the signer's wallet address.
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// PositionManager returns the position manager contract address. Token
// approvals for minting target this address.
func (c *Client) PositionManager() common.Address {
	return c.positionManager
}

// Endpoints returns the dialed clients and their URLs, primary first. The
// gas oracle prices submissions through the same ladder the reads use.
func (c *Client) Endpoints() ([]*ethclient.Client, []string) {
	return c.clients, c.urls
}

func (c *Client) primary() *ethclient.Client {
	return c.clients[0]
}

// call performs a read-only contract call, walking the endpoint ladder on
// transient failure.
func (c *Client) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: c.address, To: &to, Data: data}
	var lastErr error
	for i, ec := range c.clients {
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		out, err := ec.CallContract(attemptCtx, msg, nil)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryableRPC(err) {
			break
		}
		if i+1 < len(c.clients) {
			c.logger.Debug("read failed, walking ladder", "op", op, "endpoint", c.urls[i], "error", err)
		}
	}
	return nil, wrapRead(op, lastErr)
}

// BlockNumber reads the head block, walking the ladder. Used as the
// liveness probe.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var lastErr error
	for _, ec := range c.clients {
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		n, err := ec.BlockNumber(attemptCtx)
		cancel()
		if err == nil {
			return n, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, wrapRead("block number", lastErr)
}

// EstimateGas estimates a state-changing call, walking the ladder. A revert
// during estimation carries the real failure reason and is classified
// accordingly; the caller sees it before any gas is spent.
func (c *Client) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) (uint64, error) {
	msg := ethereum.CallMsg{From: c.address, To: &to, Data: data, Value: value}
	var lastErr error
	for _, ec := range c.clients {
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		gas, err := ec.EstimateGas(attemptCtx, msg)
		cancel()
		if err == nil {
			return gas, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryableRPC(err) {
			break
		}
	}
	return 0, wrapEstimate(lastErr)
}

// TxRequest is a prepared state-changing call. GasLimit and GasPrice are
// decided by the caller; the stages own the headroom policy.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
}

// Send signs and submits through the primary endpoint only.
func (c *Client) Send(ctx context.Context, req TxRequest) (*ethtypes.Transaction, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.primary().PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, types.WrapFault(types.KindRpcTransient, err, "pending nonce")
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      req.GasLimit,
		GasPrice: req.GasPrice,
		Data:     req.Data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, types.WrapFault(types.KindInternal, err, "sign tx")
	}
	if err := c.primary().SendTransaction(ctx, signed); err != nil {
		return nil, types.WrapFault(types.KindRpcFatal, err, "send tx nonce %d", nonce)
	}
	c.logger.Info("tx submitted",
		"hash", signed.Hash().Hex(), "nonce", nonce, "gas_limit", req.GasLimit, "gas_price", req.GasPrice)
	return signed, nil
}

// WaitReceipt polls the primary endpoint until the transaction is mined or
// the receipt deadline passes. A missing receipt keeps polling; only the
// deadline ends the wait.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		attemptCtx, attemptCancel := context.WithTimeout(waitCtx, c.requestTimeout)
		rcpt, err := c.primary().TransactionReceipt(attemptCtx, hash)
		attemptCancel()
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, types.WrapFault(types.KindRpcTransient, waitCtx.Err(),
				"tx %s unconfirmed after %s", hash.Hex(), c.receiptTimeout)
		case <-ticker.C:
		}
	}
}

// SendAndWait submits a transaction and blocks until its receipt lands.
func (c *Client) SendAndWait(ctx context.Context, req TxRequest) (*ethtypes.Receipt, error) {
	tx, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.WaitReceipt(ctx, tx.Hash())
}

// replayRevert re-runs a failed transaction as a call at its mined block to
// recover the revert reason. Receipts alone carry only the status bit.
func (c *Client) replayRevert(ctx context.Context, req TxRequest, block *big.Int) string {
	msg := ethereum.CallMsg{From: c.address, To: &req.To, Data: req.Data, Value: req.Value}
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	_, err := c.primary().CallContract(attemptCtx, msg, block)
	return RevertReason(err)
}

// ScaleGas applies a headroom factor to a gas estimate.
func ScaleGas(estimate uint64, factor float64) uint64 {
	return uint64(float64(estimate) * factor)
}

// retryableRPC reports whether the next ladder endpoint could plausibly
// answer differently. Reverts are deterministic, every node agrees.
func retryableRPC(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !strings.Contains(err.Error(), "execution reverted")
}

// wrapRead classifies a read failure that exhausted the ladder.
func wrapRead(op string, err error) error {
	if err == nil {
		return types.NewFault(types.KindRpcTransient, "%s: no endpoint configured", op)
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return types.WrapFault(types.KindRpcFatal, err, "%s reverted", op)
	}
	return types.WrapFault(types.KindRpcTransient, err, "%s failed on all endpoints", op)
}

// wrapEstimate surfaces the revert reason when the node provides one. The
// position manager reverts with "STF" when a token transfer would fail,
// which during a mint means the quote went stale past the slippage bounds.
func wrapEstimate(err error) error {
	reason := RevertReason(err)
	switch {
	case reason == "":
		return wrapRead("estimate gas", err)
	case IsSlippageRevert(reason):
		return types.WrapFault(types.KindSlippageViolation, err, "estimate reverted: %s", reason)
	default:
		return types.WrapFault(types.KindRpcFatal, err, "estimate reverted: %s", reason)
	}
}

// RevertReason extracts a revert string from an RPC error. Empty when the
// failure was not a revert or carried no reason.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if hexStr, ok := de.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexStr); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx:], "execution reverted")
		reason = strings.TrimPrefix(reason, ":")
		return strings.TrimSpace(reason)
	}
	return ""
}

// IsSlippageRevert reports whether a revert reason is one of the transfer
// or price-bound failures that mean the mint could not be satisfied at the
// bounded price.
func IsSlippageRevert(reason string) bool {
	switch {
	case strings.Contains(reason, "STF"),
		strings.Contains(reason, "Price slippage check"),
		strings.Contains(reason, "Too little received"),
		strings.Contains(reason, "Too much requested"):
		return true
	}
	return false
}

