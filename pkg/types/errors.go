package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for control-flow and API mapping. Kinds are
// stable strings surfaced in API error payloads and persisted on instances.
type ErrorKind string

const (
	KindRpcTransient            ErrorKind = "RpcTransient"
	KindRpcFatal                ErrorKind = "RpcFatal"
	KindInsufficientBalance     ErrorKind = "InsufficientBalance"
	KindInsufficientAllowance   ErrorKind = "InsufficientAllowance"
	KindSwapFailed              ErrorKind = "SwapFailed"
	KindInsufficientLiquidity   ErrorKind = "InsufficientLiquidity"
	KindQuoteExpired            ErrorKind = "QuoteExpired"
	KindSlippageViolation       ErrorKind = "SlippageViolation"
	KindMintFailed              ErrorKind = "MintFailed"
	KindForceExitTimedOut       ErrorKind = "ForceExitTimedOut"
	KindInvalidTickRange        ErrorKind = "InvalidTickRange"
	KindInvalidConfig           ErrorKind = "InvalidConfig"
	KindRecoveryBudgetExhausted ErrorKind = "RecoveryBudgetExhausted"
	KindInstanceBusy            ErrorKind = "InstanceBusy"
	KindNotFound                ErrorKind = "NotFound"
	KindInternal                ErrorKind = "Internal"
)

// Fault is a classified error. Wrapping preserves the cause chain so
// errors.Is/As keep working through it.
type Fault struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a classified error with a formatted message.
func NewFault(kind ErrorKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFault classifies an existing error.
func WrapFault(kind ErrorKind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification of err, walking the wrap chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
