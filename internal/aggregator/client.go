// Package aggregator executes token swaps through an off-chain routing API.
//
// The flow mirrors how the router vendors document it: GET /quote prices a
// route, GET /swap returns a ready-to-sign transaction, and the transaction
// goes out through the chain client. The received amount is measured as the
// destination token balance delta around the swap, not trusted from the
// API response.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// quoteTTL bounds how old a quote may be before Swap refreshes it. Stale
// routes execute at prices the pool has already left.
const quoteTTL = 30 * time.Second

// swapGasFactor is the headroom over the estimate for swap submits.
const swapGasFactor = 1.25

// TxSender is the chain surface a swap needs around its send.
type TxSender interface {
	Address() common.Address
	BalanceOfOwner(ctx context.Context, token, owner common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) (uint64, error)
	SendAndWait(ctx context.Context, req chain.TxRequest) (*ethtypes.Receipt, error)
}

// GasPricer supplies the bumped submit gas price.
type GasPricer interface {
	EffectiveWei(ctx context.Context) *big.Int
}

// Router is the aggregator API client plus the execution path.
type Router struct {
	http   *resty.Client
	sender TxSender
	gas    GasPricer
	rl     *TokenBucket
	dryRun bool
	logger *slog.Logger
}

// NewRouter creates a router client with rate limiting and retry on
// idempotent reads.
func NewRouter(cfg config.Config, sender TxSender, gasPricer GasPricer, logger *slog.Logger) *Router {
	httpClient := resty.New().
		SetBaseURL(cfg.Aggregator.BaseURL).
		SetTimeout(cfg.Aggregator.Timeout).
		SetRetryCount(cfg.Aggregator.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")

	return &Router{
		http:   httpClient,
		sender: sender,
		gas:    gasPricer,
		rl:     NewTokenBucket(float64(cfg.Aggregator.RateBurst), cfg.Aggregator.RateLimitRPS),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "aggregator"),
	}
}

// QuoteResult is a priced route, valid for a short window.
type QuoteResult struct {
	FromToken common.Address
	ToToken   common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	TakenAt   time.Time
}

// Expired reports whether the quote is past its freshness window.
func (q *QuoteResult) Expired(now time.Time) bool {
	return now.Sub(q.TakenAt) > quoteTTL
}

// SwapOutcome reports an executed swap. AmountOut is the measured balance
// delta when both reads succeed, the quoted estimate otherwise.
type SwapOutcome struct {
	AmountIn          *big.Int
	AmountOut         *big.Int
	TxHash            string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Requoted          bool
}

type quoteResponse struct {
	ToTokenAmount string `json:"toTokenAmount"`
}

type swapResponse struct {
	ToTokenAmount string `json:"toTokenAmount"`
	Tx            swapTx `json:"tx"`
}

type swapTx struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

type apiError struct {
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

// Quote prices a route for amountIn of the from token.
func (r *Router) Quote(ctx context.Context, from, to common.Address, amountIn *big.Int) (*QuoteResult, error) {
	if err := r.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result quoteResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromTokenAddress": strings.ToLower(from.Hex()),
			"toTokenAddress":   strings.ToLower(to.Hex()),
			"amount":           amountIn.String(),
		}).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, types.WrapFault(types.KindSwapFailed, err, "quote %s -> %s", from.Hex(), to.Hex())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyAPIError("quote", resp)
	}

	out, ok := new(big.Int).SetString(result.ToTokenAmount, 10)
	if !ok {
		return nil, types.NewFault(types.KindSwapFailed, "quote returned invalid amount %q", result.ToTokenAmount)
	}
	if out.Sign() == 0 {
		return nil, types.NewFault(types.KindInsufficientLiquidity,
			"no route for %s -> %s at amount %s", from.Hex(), to.Hex(), amountIn)
	}
	return &QuoteResult{
		FromToken: from,
		ToToken:   to,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: out,
		TakenAt:   time.Now(),
	}, nil
}

// Swap executes a quoted route. An expired quote is refreshed once before
// the build; the refreshed price is whatever the market gives now.
func (r *Router) Swap(ctx context.Context, q *QuoteResult, slippagePct float64) (*SwapOutcome, error) {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would swap",
			"from", q.FromToken.Hex(), "to", q.ToToken.Hex(), "amount_in", q.AmountIn.String())
		return &SwapOutcome{AmountIn: q.AmountIn, AmountOut: q.AmountOut, TxHash: "dry-run"}, nil
	}

	requoted := false
	if q.Expired(time.Now()) {
		fresh, err := r.Quote(ctx, q.FromToken, q.ToToken, q.AmountIn)
		if err != nil {
			return nil, types.WrapFault(types.KindQuoteExpired, err, "re-quote after expiry")
		}
		r.logger.Warn("quote expired, refreshed",
			"stale_out", q.AmountOut.String(), "fresh_out", fresh.AmountOut.String())
		q = fresh
		requoted = true
	}

	if err := r.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var result swapResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fromTokenAddress": strings.ToLower(q.FromToken.Hex()),
			"toTokenAddress":   strings.ToLower(q.ToToken.Hex()),
			"amount":           q.AmountIn.String(),
			"fromAddress":      strings.ToLower(r.sender.Address().Hex()),
			"slippage":         strconv.FormatFloat(slippagePct, 'f', -1, 64),
			"disableEstimate":  "true",
		}).
		SetResult(&result).
		Get("/swap")
	if err != nil {
		return nil, types.WrapFault(types.KindSwapFailed, err, "build swap")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyAPIError("build swap", resp)
	}

	to := common.HexToAddress(result.Tx.To)
	data, err := hexutil.Decode(result.Tx.Data)
	if err != nil {
		return nil, types.WrapFault(types.KindSwapFailed, err, "decode swap calldata")
	}
	value := new(big.Int)
	if result.Tx.Value != "" {
		if _, ok := value.SetString(result.Tx.Value, 10); !ok {
			return nil, types.NewFault(types.KindSwapFailed, "invalid swap value %q", result.Tx.Value)
		}
	}

	before, err := r.sender.BalanceOfOwner(ctx, q.ToToken, r.sender.Address())
	if err != nil {
		return nil, err
	}
	estimate, err := r.sender.EstimateGas(ctx, to, data, value)
	if err != nil {
		return nil, err
	}
	rcpt, err := r.sender.SendAndWait(ctx, chain.TxRequest{
		To:       to,
		Data:     data,
		Value:    value,
		GasLimit: chain.ScaleGas(estimate, swapGasFactor),
		GasPrice: r.gas.EffectiveWei(ctx),
	})
	if err != nil {
		return nil, err
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, types.NewFault(types.KindSwapFailed, "swap reverted in tx %s", rcpt.TxHash.Hex())
	}

	outcome := &SwapOutcome{
		AmountIn:          q.AmountIn,
		AmountOut:         q.AmountOut,
		TxHash:            rcpt.TxHash.Hex(),
		GasUsed:           rcpt.GasUsed,
		EffectiveGasPrice: rcpt.EffectiveGasPrice,
		Requoted:          requoted,
	}
	after, err := r.sender.BalanceOfOwner(ctx, q.ToToken, r.sender.Address())
	if err != nil {
		// The swap landed; a failed read only degrades the reported amount.
		r.logger.Warn("balance read after swap failed, reporting quoted amount", "error", err)
		return outcome, nil
	}
	outcome.AmountOut = new(big.Int).Sub(after, before)
	r.logger.Info("swap executed",
		"from", q.FromToken.Hex(), "to", q.ToToken.Hex(),
		"amount_in", q.AmountIn.String(), "amount_out", outcome.AmountOut.String(),
		"tx", outcome.TxHash)
	return outcome, nil
}

// classifyAPIError maps aggregator error bodies onto the fault taxonomy.
func classifyAPIError(op string, resp *resty.Response) error {
	var body apiError
	_ = json.Unmarshal(resp.Body(), &body)
	desc := body.Description
	if desc == "" {
		desc = body.Error
	}
	if desc == "" {
		desc = resp.String()
	}
	if strings.Contains(strings.ToLower(desc), "insufficient liquidity") {
		return types.NewFault(types.KindInsufficientLiquidity, "%s: %s", op, desc)
	}
	return types.NewFault(types.KindSwapFailed, "%s: status %d: %s", op, resp.StatusCode(), desc)
}
