// Package errs defines the node-wide error kinds, modeled as a typed error
// rather than matched by string, following the fmt.Errorf("...: %w", err)
// wrapping idiom used throughout the gateway.
package errs

import "fmt"

// Kind is one of the node's error kinds.
type Kind string

const (
	MalformedArmor     Kind = "malformed_armor"
	LenMismatch        Kind = "len_mismatch"
	UnknownRecipient   Kind = "unknown_recipient"
	AuthFailure        Kind = "auth_failure"
	Replay             Kind = "replay"
	Stale              Kind = "stale"
	BadPacketType      Kind = "bad_packet_type"
	DestinationBlocked Kind = "destination_blocked"
	DummyDrop          Kind = "dummy_drop"
	PubringMalformed   Kind = "pubring_malformed"
	StoreMissing       Kind = "store_missing"
	SMTPTransient      Kind = "smtp_transient"
	SMTPFatal          Kind = "smtp_fatal"
	ChunkTimeout       Kind = "chunk_timeout"
)

// Silent reports whether errors of this kind must never be surfaced to a
// remote sender or leak distinguishing information to a probing adversary.
// Replay, Stale, AuthFailure and DummyDrop are silent drops.
func (k Kind) Silent() bool {
	switch k {
	case Replay, Stale, AuthFailure, DummyDrop:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind should abort startup.
func (k Kind) Fatal() bool {
	return k == StoreMissing || k == PubringMalformed
}

// Error wraps an underlying cause with a Kind, so callers can branch with
// errors.Is/errors.As instead of matching strings.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is itself an *Error of kind k. It does not
// unwrap target; use Of to find the Kind of a wrapped error.
func (k Kind) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Kind == k
}

// Of extracts the Kind from err, returning ok=false if err is not (or does
// not wrap) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as is a tiny local shim so this package does not need to import errors
// solely for errors.As in one place; kept trivial and obviously correct.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
