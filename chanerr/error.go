// Package chanerr defines the typed errors surfaced by the payment
// channel state machines.
package chanerr

import "fmt"

// Kind identifies the class of failure behind an Error. Callers that need
// to branch on failure type should switch on Kind rather than match
// error strings.
type Kind uint8

const (
	// ValueOutOfRange indicates a requested value was negative, below
	// the dust threshold, or would overdraw the channel.
	ValueOutOfRange Kind = iota

	// InsufficientFunds indicates the wallet could not fund the
	// contract, or a closing payment would be dust once fees are
	// deducted.
	InsufficientFunds

	// Verification indicates a signature failed to verify, carried the
	// wrong sighash flags, or a transaction was malformed.
	Verification

	// IllegalState indicates the operation is not valid in the state
	// machine's current state, including an expired channel.
	IllegalState

	// Broadcast indicates the underlying Broadcaster reported a
	// failure publishing a transaction.
	Broadcast
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case ValueOutOfRange:
		return "ValueOutOfRange"
	case InsufficientFunds:
		return "InsufficientFunds"
	case Verification:
		return "Verification"
	case IllegalState:
		return "IllegalState"
	case Broadcast:
		return "Broadcast"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every exported operation
// in this module. It pairs a Kind with a human-readable description, the
// same shape txscript.Error and similar btcsuite errors use.
type Error struct {
	Kind        Kind
	Description string
}

// Error implements the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// New builds an Error of the given Kind with a formatted description.
func New(kind Kind, format string, args ...interface{}) Error {
	return Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a chanerr.Error of the given Kind. It checks
// err itself only: a chanerr.Error wrapped inside another error is not
// found.
func Is(err error, kind Kind) bool {
	cerr, ok := err.(Error)
	return ok && cerr.Kind == kind
}

// ChannelExpired is the IllegalState description used whenever an
// operation is rejected because the channel has passed its expiry time.
// Kept as a constant so callers can match on it precisely when they need
// to distinguish expiry from other illegal-state failures.
const ChannelExpired = "channel has expired"
