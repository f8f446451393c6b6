// Package fault defines the error kinds shared by the assistant's pipeline.
//
// Every error that crosses a component boundary is either one of the kind
// sentinels below or wraps one via [Error], so callers decide how to degrade
// with errors.Is:
//
//   - [ErrDevice] and [ErrModel] inside an interaction degrade to a spoken
//     apology.
//   - [ErrNetwork], [ErrTimeout] and [ErrQuotaExceeded] inside routing trigger
//     the local fallback.
//   - [ErrState] is expected contention and is only logged at debug level.
package fault

import (
	"context"
	"errors"
	"net"
)

// Error kinds.
var (
	ErrDevice        = errors.New("device error")
	ErrModel         = errors.New("model error")
	ErrTimeout       = errors.New("timeout")
	ErrNetwork       = errors.New("network error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrState         = errors.New("invalid state")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrDevice, "device"},
	{ErrModel, "model"},
	{ErrTimeout, "timeout"},
	{ErrNetwork, "network"},
	{ErrQuotaExceeded, "quota"},
	{ErrState, "state"},
}

// Error attaches a kind and the failing operation to an underlying cause.
// Both Kind and Err match with errors.Is and errors.As.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E returns an *Error of the given kind. It returns nil when err is nil so
// call sites can wrap unconditionally.
func E(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify returns the kind sentinel err belongs to. Errors that carry no
// explicit kind are inferred: deadline expiry and network timeouts are
// [ErrTimeout], other net.Error values are [ErrNetwork]. It returns nil for
// a nil error or one that cannot be classified.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	return nil
}

// KindName returns a short label for err's kind, suitable for metric
// attributes and routing reasons. Unclassified errors are "unknown".
func KindName(err error) string {
	k := Classify(err)
	for _, kk := range kinds {
		if kk.err == k {
			return kk.name
		}
	}
	return "unknown"
}
