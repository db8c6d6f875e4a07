// FILE: clock.go
// Package main – Deterministic simulated clock for replay.
//
// The clock is the single source of "now" for the whole harness: no component
// may consult wall time. It advances only when told to (by the runner between
// ticks, or by the exchange's latency injector) and its Sleep is cooperative:
// it yields once to the scheduler but never blocks and never advances time by
// itself. An optional step callback observes each sleep so a driver can
// advance the clock in response.

package main

import (
	"runtime"
	"time"
)

// SimClock holds a single instant of simulated time.
type SimClock struct {
	current time.Time
	start   time.Time

	stepCallback func(c *SimClock, requestedSeconds float64)

	totalSleeps       int
	totalSleepSeconds float64
}

// NewSimClock creates a clock at start. Returns ErrInvalidTime for a zero start.
func NewSimClock(start time.Time) (*SimClock, error) {
	if start.IsZero() {
		return nil, ErrInvalidTime
	}
	start = start.UTC()
	return &SimClock{current: start, start: start}, nil
}

// SetStepCallback installs a callback invoked on every Sleep.
func (c *SimClock) SetStepCallback(fn func(c *SimClock, requestedSeconds float64)) {
	c.stepCallback = fn
}

// Now returns the current simulated UTC time.
func (c *SimClock) Now() time.Time { return c.current }

// Unix returns the current simulated time as Unix seconds (fractional).
func (c *SimClock) Unix() float64 {
	return float64(c.current.UnixNano()) / float64(time.Second)
}

// Elapsed returns simulated time elapsed since clock start.
func (c *SimClock) Elapsed() time.Duration { return c.current.Sub(c.start) }

// Advance moves the clock forward by d. Negative deltas are rejected.
func (c *SimClock) Advance(d time.Duration) error {
	if d < 0 {
		return ErrInvalidTime
	}
	c.current = c.current.Add(d)
	return nil
}

// AdvanceTo moves the clock forward to t. Moving backwards is rejected.
func (c *SimClock) AdvanceTo(t time.Time) error {
	if t.IsZero() || t.Before(c.current) {
		return ErrInvalidTime
	}
	c.current = t.UTC()
	return nil
}

// Set jumps the clock to t with no monotonicity check (episode jumps).
func (c *SimClock) Set(t time.Time) error {
	if t.IsZero() {
		return ErrInvalidTime
	}
	c.current = t.UTC()
	return nil
}

// Sleep is the cooperative replacement for time.Sleep. It records the request,
// invokes the step callback if installed, and yields once to the scheduler.
// It does not advance the clock itself.
func (c *SimClock) Sleep(seconds float64) {
	c.totalSleeps++
	c.totalSleepSeconds += seconds
	if c.stepCallback != nil {
		c.stepCallback(c, seconds)
	}
	runtime.Gosched()
}

// ClockStats is a snapshot of clock counters for reports.
type ClockStats struct {
	Start             time.Time `json:"start"`
	Current           time.Time `json:"current"`
	ElapsedSeconds    float64   `json:"elapsed_seconds"`
	TotalSleeps       int       `json:"total_sleeps"`
	TotalSleepSeconds float64   `json:"total_sleep_seconds"`
}

// Stats returns the clock's counters.
func (c *SimClock) Stats() ClockStats {
	return ClockStats{
		Start:             c.start,
		Current:           c.current,
		ElapsedSeconds:    c.Elapsed().Seconds(),
		TotalSleeps:       c.totalSleeps,
		TotalSleepSeconds: c.totalSleepSeconds,
	}
}
