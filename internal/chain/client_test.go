package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

type fakeDataError struct {
	msg  string
	data any
}

func (e fakeDataError) Error() string  { return e.msg }
func (e fakeDataError) ErrorData() any { return e.data }

func TestRevertReasonFromMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{errors.New("execution reverted: STF"), "STF"},
		{errors.New("rpc error: execution reverted: Price slippage check"), "Price slippage check"},
		{errors.New("execution reverted"), ""},
		{errors.New("connection refused"), ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := RevertReason(tc.err); got != tc.want {
			t.Errorf("RevertReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRevertReasonFromErrorData(t *testing.T) {
	t.Parallel()

	// abi encoding of Error("STF")
	payload := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000003" +
		"5354460000000000000000000000000000000000000000000000000000000000"
	err := fakeDataError{msg: "execution reverted", data: payload}

	if got := RevertReason(err); got != "STF" {
		t.Fatalf("RevertReason = %q, want STF", got)
	}
	if got := RevertReason(fmt.Errorf("mint: %w", err)); got != "STF" {
		t.Fatalf("RevertReason through wrap = %q, want STF", got)
	}
}

func TestIsSlippageRevert(t *testing.T) {
	t.Parallel()

	for _, reason := range []string{"STF", "Price slippage check", "Too little received", "Too much requested"} {
		if !IsSlippageRevert(reason) {
			t.Errorf("IsSlippageRevert(%q) = false, want true", reason)
		}
	}
	for _, reason := range []string{"", "LOK", "Invalid token ID", "paused"} {
		if IsSlippageRevert(reason) {
			t.Errorf("IsSlippageRevert(%q) = true, want false", reason)
		}
	}
}

func TestWrapEstimateClassification(t *testing.T) {
	t.Parallel()

	slippage := wrapEstimate(errors.New("execution reverted: STF"))
	if kind := types.KindOf(slippage); kind != types.KindSlippageViolation {
		t.Fatalf("STF estimate kind = %s, want %s", kind, types.KindSlippageViolation)
	}

	other := wrapEstimate(errors.New("execution reverted: LOK"))
	if kind := types.KindOf(other); kind != types.KindRpcFatal {
		t.Fatalf("LOK estimate kind = %s, want %s", kind, types.KindRpcFatal)
	}

	network := wrapEstimate(errors.New("dial tcp: connection refused"))
	if kind := types.KindOf(network); kind != types.KindRpcTransient {
		t.Fatalf("network estimate kind = %s, want %s", kind, types.KindRpcTransient)
	}
}

func TestRetryableRPC(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{fmt.Errorf("call: %w", context.Canceled), false},
		{errors.New("execution reverted: STF"), false},
		{errors.New("connection refused"), true},
		{context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		if got := retryableRPC(tc.err); got != tc.want {
			t.Errorf("retryableRPC(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrapReadClassification(t *testing.T) {
	t.Parallel()

	transient := wrapRead("slot0", errors.New("i/o timeout"))
	if kind := types.KindOf(transient); kind != types.KindRpcTransient {
		t.Fatalf("timeout read kind = %s, want %s", kind, types.KindRpcTransient)
	}

	fatal := wrapRead("slot0", errors.New("execution reverted"))
	if kind := types.KindOf(fatal); kind != types.KindRpcFatal {
		t.Fatalf("revert read kind = %s, want %s", kind, types.KindRpcFatal)
	}
}

func TestScaleGas(t *testing.T) {
	t.Parallel()

	cases := []struct {
		estimate uint64
		factor   float64
		want     uint64
	}{
		{100_000, 1.5, 150_000},
		{100_000, 1.6, 160_000},
		{48_500, 1.2, 58_200},
		{0, 1.5, 0},
	}
	for _, tc := range cases {
		if got := ScaleGas(tc.estimate, tc.factor); got != tc.want {
			t.Errorf("ScaleGas(%d, %v) = %d, want %d", tc.estimate, tc.factor, got, tc.want)
		}
	}
}
