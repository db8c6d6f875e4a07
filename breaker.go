// FILE: breaker.go
// Package main – API-level circuit breaker guarding exchange calls.
//
// Three states:
//   CLOSED    – normal operation; failures increment counters
//   OPEN      – fail-fast with CircuitOpenError until cooldown elapses
//   HALF_OPEN – exactly one probe allowed; success closes, failure reopens
//
// Classification:
//   timeout / 5xx class     → breaker-triggering (failureThreshold strikes)
//   429 rate-limit          → fast-trigger (rateLimitThreshold strikes)
//   business errors (bad symbol, min size, insufficient margin, auth)
//                           → NOT triggering; callers simply don't record them
//
// Time comes from the SimClock, never the wall clock: cooldown behavior must
// be byte-identical across seeded runs. The mutex exists for correctness
// under cooperative interleaving only; the harness is single-threaded.

package main

import (
	"log"
	"sync"
	"time"
)

// BreakerState is the breaker's three-valued state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// APICircuitBreaker guards all outbound calls of one simulated client.
type APICircuitBreaker struct {
	name               string
	failureThreshold   int
	rateLimitThreshold int
	cooldown           time.Duration
	clock              *SimClock

	mu             sync.Mutex
	state          BreakerState
	failureCount   int
	rateLimitCount int
	lastFailureAt  time.Time
	lastOpenAt     time.Time
	probeInFlight  bool
	openCount      int
}

// NewAPICircuitBreaker builds a CLOSED breaker with the given thresholds.
func NewAPICircuitBreaker(clock *SimClock, failureThreshold, rateLimitThreshold int, cooldown time.Duration, name string) *APICircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if rateLimitThreshold <= 0 {
		rateLimitThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &APICircuitBreaker{
		name:               name,
		failureThreshold:   failureThreshold,
		rateLimitThreshold: rateLimitThreshold,
		cooldown:           cooldown,
		clock:              clock,
		state:              BreakerClosed,
	}
}

// State returns the current state.
func (b *APICircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenCount returns how many times the breaker has opened.
func (b *APICircuitBreaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount
}

// CanExecute returns nil if a call is allowed, or CircuitOpenError if not.
// Transitions OPEN → HALF_OPEN once cooldown elapsed, admitting one probe.
func (b *APICircuitBreaker) CanExecute() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.cooldownElapsed() {
			b.state = BreakerHalfOpen
			b.probeInFlight = true
			log.Printf("breaker=%s half-open, allowing probe failures=%d", b.name, b.failureCount)
			return nil
		}
		return errCircuitOpen("breaker %q is OPEN, last failure %s, cooldown %s",
			b.name, b.lastFailureAt.Format(time.RFC3339), b.cooldown)
	default: // HALF_OPEN: the probe is already in flight, let it through
		return nil
	}
}

// RecordSuccess records a successful call. A HALF_OPEN probe success closes
// the breaker and resets both counters.
func (b *APICircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		log.Printf("breaker=%s closed, probe succeeded", b.name)
		b.state = BreakerClosed
		b.failureCount = 0
		b.rateLimitCount = 0
		b.probeInFlight = false
	case BreakerClosed:
		b.failureCount = 0
		b.rateLimitCount = 0
	}
}

// RecordFailure records a failed call. Business errors must not be passed
// here; the caller classifies first. rateLimit selects the fast-trip counter.
func (b *APICircuitBreaker) RecordFailure(rateLimit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastFailureAt = now

	switch b.state {
	case BreakerHalfOpen:
		log.Printf("[WARN] breaker=%s reopened, probe failed", b.name)
		b.open(now)
		b.probeInFlight = false
	case BreakerClosed:
		if rateLimit {
			b.rateLimitCount++
			if b.rateLimitCount >= b.rateLimitThreshold {
				log.Printf("[WARN] breaker=%s OPENED reason=rate_limit hits=%d", b.name, b.rateLimitCount)
				b.open(now)
			}
		} else {
			b.failureCount++
			if b.failureCount >= b.failureThreshold {
				log.Printf("[WARN] breaker=%s OPENED reason=consecutive_failures failures=%d", b.name, b.failureCount)
				b.open(now)
			}
		}
	}
}

// ForceOpen opens the breaker regardless of counters (invariant monitor path).
func (b *APICircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	log.Printf("[WARN] breaker=%s force-opened", b.name)
	b.open(b.clock.Now())
}

// ForceClose closes the breaker and resets counters (manual recovery path).
func (b *APICircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.rateLimitCount = 0
	b.probeInFlight = false
	log.Printf("breaker=%s force-closed", b.name)
}

// BreakerInfo is the breaker state snapshot for metrics and reports.
type BreakerInfo struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	RateLimitCount  int          `json:"rate_limit_count"`
	OpenCount       int          `json:"open_count"`
	LastFailure     string       `json:"last_failure,omitempty"`
	LastOpen        string       `json:"last_open,omitempty"`
	CooldownSeconds float64      `json:"cooldown_seconds"`
}

// Info returns the state snapshot.
func (b *APICircuitBreaker) Info() BreakerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := BreakerInfo{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		RateLimitCount:  b.rateLimitCount,
		OpenCount:       b.openCount,
		CooldownSeconds: b.cooldown.Seconds(),
	}
	if !b.lastFailureAt.IsZero() {
		info.LastFailure = b.lastFailureAt.Format(time.RFC3339)
	}
	if !b.lastOpenAt.IsZero() {
		info.LastOpen = b.lastOpenAt.Format(time.RFC3339)
	}
	return info
}

// open transitions to OPEN. Caller holds the mutex.
func (b *APICircuitBreaker) open(now time.Time) {
	if b.state != BreakerOpen {
		b.openCount++
	}
	b.state = BreakerOpen
	b.lastOpenAt = now
}

// cooldownElapsed reports whether the OPEN cooldown has passed. Caller holds
// the mutex.
func (b *APICircuitBreaker) cooldownElapsed() bool {
	if b.lastOpenAt.IsZero() {
		return true
	}
	return b.clock.Now().Sub(b.lastOpenAt) >= b.cooldown
}
