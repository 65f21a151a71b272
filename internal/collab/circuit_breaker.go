package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/carewire/handoff/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of requests in a window before
// the error rate threshold is evaluated. This prevents tripping on very few
// requests (e.g. 1 failure out of 1 total = 100% but not meaningful).
const minErrorRateSamples = 10

// CircuitBreaker guards one collaborator service with the three-state
// pattern: Closed, Open, HalfOpen. It trips on consecutive failures or on
// the error rate within a tumbling window. Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold   int
	successThreshold   int
	timeout            time.Duration
	errorRateThreshold float64
	errorRateWindow    time.Duration

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	// onStateChange, when set, observes every transition. Used to keep the
	// breaker state gauge current.
	onStateChange func(BreakerState)
}

// NewCircuitBreaker builds a breaker from config, substituting defaults for
// unset thresholds. A zero ErrorRateThreshold or ErrorRateWindow disables
// rate-based tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, onStateChange func(BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		windowStart:        time.Now(),
		onStateChange:      onStateChange,
	}
}

// Allow reports whether a request may proceed. It returns an error while the
// circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.openedAt) > cb.timeout {
			cb.transition(BreakerHalfOpen)
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("circuit breaker is open")
	default:
		return nil
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(BreakerClosed)
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.failureThreshold || cb.errorRateExceeded() {
			cb.transition(BreakerOpen)
			cb.openedAt = time.Now()
			cb.resetWindow()
		}
	case BreakerHalfOpen:
		// Any failure during the probe phase reopens immediately.
		cb.transition(BreakerOpen)
		cb.openedAt = time.Now()
		cb.successes = 0
	}
}

// State returns the current breaker state, advancing Open to HalfOpen when
// the open timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.timeout {
		cb.transition(BreakerHalfOpen)
		cb.successes = 0
	}
	return cb.state
}

// ErrorRate returns the current error rate and total requests in the window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.errorRateWindow > 0 && time.Since(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindow()
	}
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

// transition switches state and notifies the observer. Must be called with
// the lock held.
func (cb *CircuitBreaker) transition(next BreakerState) {
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}

// recordWindowCall tracks a call in the tumbling window. Must be called with
// the lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	if time.Since(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// resetWindow clears the window counters. Must be called with the lock held.
func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = time.Now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

// errorRateExceeded checks the window against the threshold, requiring at
// least minErrorRateSamples requests. Must be called with the lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.errorRateThreshold
}
