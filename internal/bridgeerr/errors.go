package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure and decides its handling policy:
// Transport errors are fatal to the bridge, Protocol/Audio/State errors are
// handled locally (log, drop, continue), Function errors are returned to the
// model as an error payload, and Config errors fail before any peer contact.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAudio
	KindFunction
	KindState
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAudio:
		return "audio"
	case KindFunction:
		return "function"
	case KindState:
		return "state"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error carries a failure kind together with the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a kind and operation. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, walking the unwrap chain.
// Errors without a kind report KindUnknown.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must terminate the bridge.
func IsFatal(err error) bool {
	return KindOf(err) == KindTransport
}
