// FILE: errors.go
// Package main – Error taxonomy shared by the exchange, fault injector, and runner.
//
// Every error the simulated exchange surface can produce carries one of four
// kinds, and the runner branches on the kind only:
//   • KindInvariant    – safety invariant breach inside the engine; surfaced
//   • KindOperational  – timeout/5xx/breaker-open class; failed tick, continue
//   • KindRateLimit    – 429 class (an operational sub-kind for breaker accounting)
//   • KindData         – malformed response / rejected order; failed tick, continue
//
// Anything that is NOT a *ReplayError is "unclassified" (a programming bug,
// e.g. an injected fault of kind bug) and must propagate up and end the run.

package main

import (
	"errors"
	"fmt"
)

// ErrKind tags a ReplayError with its runner policy class.
type ErrKind int

const (
	KindInvariant ErrKind = iota + 1
	KindOperational
	KindRateLimit
	KindCircuitOpen
	KindData
)

// String implements fmt.Stringer so kinds read well in logs and metrics keys.
func (k ErrKind) String() string {
	switch k {
	case KindInvariant:
		return "InvariantError"
	case KindOperational:
		return "OperationalError"
	case KindRateLimit:
		return "RateLimitError"
	case KindCircuitOpen:
		return "CircuitOpenError"
	case KindData:
		return "DataError"
	default:
		return "UnknownError"
	}
}

// ReplayError is the tagged error type for everything the harness classifies.
type ReplayError struct {
	Kind   ErrKind
	Method string // exchange method that produced it, "" when not applicable
	Msg    string
}

func (e *ReplayError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Method, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func errInvariant(format string, a ...any) error {
	return &ReplayError{Kind: KindInvariant, Msg: fmt.Sprintf(format, a...)}
}

func errOperational(method, format string, a ...any) error {
	return &ReplayError{Kind: KindOperational, Method: method, Msg: fmt.Sprintf(format, a...)}
}

func errRateLimit(method, format string, a ...any) error {
	return &ReplayError{Kind: KindRateLimit, Method: method, Msg: fmt.Sprintf(format, a...)}
}

func errCircuitOpen(format string, a ...any) error {
	return &ReplayError{Kind: KindCircuitOpen, Msg: fmt.Sprintf(format, a...)}
}

func errData(method, format string, a ...any) error {
	return &ReplayError{Kind: KindData, Method: method, Msg: fmt.Sprintf(format, a...)}
}

// ErrInvalidTime is returned by the clock for zero or backwards time inputs.
var ErrInvalidTime = errors.New("invalid time: zero or non-monotonic input")

// kindOf classifies any error. Zero means unclassified.
func kindOf(err error) ErrKind {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// isOperational reports whether the runner should treat err as a failed tick
// that the engine is expected to ride out (timeouts, 429s, open breaker).
func isOperational(err error) bool {
	switch kindOf(err) {
	case KindOperational, KindRateLimit, KindCircuitOpen:
		return true
	}
	return false
}

// isRateLimit reports 429-class errors; the breaker fast-trips on these.
func isRateLimit(err error) bool { return kindOf(err) == KindRateLimit }

// exceptionName is the metrics key for an error (type name, not message).
func exceptionName(err error) string {
	if k := kindOf(err); k != 0 {
		return k.String()
	}
	return "UnclassifiedError"
}
