package pqfsr

import "fmt"

// Code identifies an error's taxonomy band, per the numeric ranges fixed by
// the wire-level error taxonomy. Codes are stable across versions and never
// reveal which specific check inside a band failed.
type Code int

const (
	// CodeHandshakeMalformed marks a missing field, bad length, or unknown
	// version in handshake material.
	CodeHandshakeMalformed Code = 1000
	// CodeHandshakeReplay marks a replayed, expired, or clock-skewed
	// handshake id.
	CodeHandshakeReplay Code = 1100
	// CodeVersionIncompatible marks a failed version negotiation.
	CodeVersionIncompatible Code = 1200
	// CodeSignatureInvalid marks a handshake signature that did not verify.
	CodeSignatureInvalid Code = 1300
	// CodeKemFailure marks a failed encapsulation or decapsulation.
	CodeKemFailure Code = 2000
	// CodeAuthFailure marks an AEAD-open failure or semantic-tag mismatch.
	// The same code is used for both so neither is a distinguishing oracle.
	CodeAuthFailure Code = 3000
	// CodeOutOfOrderUnknown marks a counter below recv_count with no cached
	// key.
	CodeOutOfOrderUnknown Code = 3100
	// CodeSkipTooLarge marks a counter gap exceeding max_skip.
	CodeSkipTooLarge Code = 3200
	// CodeSerializationError marks a decoding failure.
	CodeSerializationError Code = 4000
	// CodeCryptoInternal marks an error surfaced by an underlying primitive
	// library.
	CodeCryptoInternal Code = 9000
)

func (c Code) String() string {
	switch c {
	case CodeHandshakeMalformed:
		return "handshake_malformed"
	case CodeHandshakeReplay:
		return "handshake_replay"
	case CodeVersionIncompatible:
		return "version_incompatible"
	case CodeSignatureInvalid:
		return "signature_invalid"
	case CodeKemFailure:
		return "kem_failure"
	case CodeAuthFailure:
		return "auth_failure"
	case CodeOutOfOrderUnknown:
		return "out_of_order_unknown"
	case CodeSkipTooLarge:
		return "skip_too_large"
	case CodeSerializationError:
		return "serialization_error"
	case CodeCryptoInternal:
		return "crypto_internal"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is the structured error type PQ-FSR surfaces to callers. It carries
// a stable Code in addition to a human-readable message, so code that needs
// to branch on failure category can do so without string matching.
type Error struct {
	Code Code
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same Code, so callers can
// write errors.Is(err, pqfsr.ErrCode(pqfsr.CodeAuthFailure)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// newError builds an *Error, optionally wrapping a lower-level cause.
func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, err: cause}
}

// ErrCode constructs a bare *Error carrying only a code, suitable as a
// comparison target for errors.Is.
func ErrCode(code Code) *Error {
	return &Error{Code: code}
}

var (
	errHandshakeMalformed   = func(msg string, err error) *Error { return newError(CodeHandshakeMalformed, msg, err) }
	errHandshakeReplay      = func(msg string, err error) *Error { return newError(CodeHandshakeReplay, msg, err) }
	errVersionIncompatible  = func(msg string, err error) *Error { return newError(CodeVersionIncompatible, msg, err) }
	errSignatureInvalid     = func(msg string, err error) *Error { return newError(CodeSignatureInvalid, msg, err) }
	errKemFailure           = func(msg string, err error) *Error { return newError(CodeKemFailure, msg, err) }
	errAuthFailure          = func(msg string, err error) *Error { return newError(CodeAuthFailure, msg, err) }
	errOutOfOrderUnknown    = func(msg string, err error) *Error { return newError(CodeOutOfOrderUnknown, msg, err) }
	errSkipTooLarge         = func(msg string, err error) *Error { return newError(CodeSkipTooLarge, msg, err) }
	errSerializationError   = func(msg string, err error) *Error { return newError(CodeSerializationError, msg, err) }
	errCryptoInternal       = func(msg string, err error) *Error { return newError(CodeCryptoInternal, msg, err) }
)
