// FILE: fault.go
// Package main – Scripted fault injection for the replay harness.
//
// The exchange calls MaybeInject(method, now) at the top of every externally
// visible method. If a spec's window covers now (and its probability gate
// passes), the injector returns the corresponding error:
//   timeout    → OperationalError
//   rate_limit → RateLimitError
//   data_error → DataError
//   bug        → a plain, unclassified error (propagates, crashes the tick)
//
// Probability draws come from a dedicated seeded RNG owned by the injector so
// optional faults cannot perturb the exchange's jitter stream.

package main

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// Fault kinds accepted in FaultSpec.Kind.
const (
	FaultTimeout   = "timeout"
	FaultRateLimit = "rate_limit"
	FaultDataError = "data_error"
	FaultBug       = "bug"
)

// FaultSpec describes one injection window. Zero times are rejected at
// construction; an empty AffectedMethods list means all methods.
type FaultSpec struct {
	Start           time.Time
	End             time.Time
	Kind            string
	AffectedMethods []string
	Message         string
	Probability     float64 // 0 or 1 means always trigger
}

// FaultEvent is one entry of the per-event injection log.
type FaultEvent struct {
	Time   time.Time `json:"time"`
	Method string    `json:"method"`
	Kind   string    `json:"kind"`
}

// FaultInjector holds an ordered list of fault specs plus injection counters.
type FaultInjector struct {
	specs []FaultSpec
	rng   *rand.Rand

	total  int
	byKind map[string]int
	log    []FaultEvent
}

// NewFaultInjector builds an injector. Specs with zero times are rejected.
func NewFaultInjector(specs []FaultSpec, seed int64) (*FaultInjector, error) {
	for i := range specs {
		if specs[i].Start.IsZero() || specs[i].End.IsZero() {
			return nil, ErrInvalidTime
		}
		if specs[i].Message == "" {
			specs[i].Message = "injected " + specs[i].Kind
		}
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Start.Before(specs[j].Start) })
	return &FaultInjector{
		specs:  specs,
		rng:    rand.New(rand.NewSource(seed)),
		byKind: map[string]int{},
	}, nil
}

// Add appends a spec, keeping the list ordered by start time.
func (f *FaultInjector) Add(spec FaultSpec) error {
	if spec.Start.IsZero() || spec.End.IsZero() {
		return ErrInvalidTime
	}
	if spec.Message == "" {
		spec.Message = "injected " + spec.Kind
	}
	f.specs = append(f.specs, spec)
	sort.SliceStable(f.specs, func(i, j int) bool { return f.specs[i].Start.Before(f.specs[j].Start) })
	return nil
}

// MaybeInject returns a non-nil error when a fault window covers (method, now).
func (f *FaultInjector) MaybeInject(method string, now time.Time) error {
	for _, spec := range f.specs {
		if now.Before(spec.Start) {
			break // sorted: no later spec is active either
		}
		if now.After(spec.End) {
			continue
		}
		if len(spec.AffectedMethods) > 0 && !containsString(spec.AffectedMethods, method) {
			continue
		}
		if spec.Probability > 0 && spec.Probability < 1 {
			if f.rng.Float64() > spec.Probability {
				continue
			}
		}

		f.total++
		f.byKind[spec.Kind]++
		f.log = append(f.log, FaultEvent{Time: now, Method: method, Kind: spec.Kind})

		switch spec.Kind {
		case FaultTimeout:
			return errOperational(method, "[INJECTED] timeout: %s", spec.Message)
		case FaultRateLimit:
			return errRateLimit(method, "[INJECTED] 429 Too Many Requests: %s", spec.Message)
		case FaultDataError:
			return errData(method, "[INJECTED] malformed response: %s", spec.Message)
		case FaultBug:
			// Deliberately outside the taxonomy: models a programming bug.
			return fmt.Errorf("[INJECTED] bug in %s: %s", method, spec.Message)
		default:
			return errOperational(method, "[INJECTED] %s: %s", spec.Kind, spec.Message)
		}
	}
	return nil
}

// FaultStats summarizes injections for metrics.
type FaultStats struct {
	Total  int            `json:"total_injections"`
	ByKind map[string]int `json:"by_kind"`
	Specs  int            `json:"specs_count"`
}

// Stats returns injection totals.
func (f *FaultInjector) Stats() FaultStats {
	byKind := make(map[string]int, len(f.byKind))
	for k, v := range f.byKind {
		byKind[k] = v
	}
	return FaultStats{Total: f.total, ByKind: byKind, Specs: len(f.specs)}
}

// Log returns a copy of the per-event injection log.
func (f *FaultInjector) Log() []FaultEvent {
	out := make([]FaultEvent, len(f.log))
	copy(out, f.log)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
