package adapter

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidKeyFormat       = errors.New("invalid key format")
	ErrInvalidThreshold       = errors.New("invalid threshold")
	ErrUnsupportedOperation   = errors.New("unsupported operation")
	ErrNetworkUnavailable     = errors.New("network unavailable")
	ErrInsufficientSignatures = errors.New("insufficient signatures")

	ErrInvalidAddress    = errors.New("invalid address")
	ErrDuplicateOwner    = errors.New("duplicate multisig owner")
	ErrTooManyOwners     = errors.New("too many multisig owners")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrProposalMismatch  = errors.New("proposal does not match wallet")
	ErrUnknownFamily     = errors.New("unknown chain family")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// NetworkError marks err as a transport failure of op.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnavailable, err)
}

// InvalidAddress reports a malformed address argument.
func InvalidAddress(addr Address) error {
	return fmt.Errorf("%w: %q", ErrInvalidAddress, string(addr))
}

// WrapRPC classifies a failed remote call. Errors that report themselves as
// non-transient (node rejections, bad responses) and caller cancellation are
// wrapped as-is; everything else is a transport failure.
func WrapRPC(op string, err error) error {
	var t interface{ Transient() bool }
	if errors.As(err, &t) && !t.Transient() {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return NetworkError(op, err)
}
