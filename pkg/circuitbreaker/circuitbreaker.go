// Package circuitbreaker stops calls to a failing dependency for a cool-down
// period and lets a few probes through before closing again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the guarded function.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	SuccessThreshold int           // half-open successes that close it
	Cooldown         time.Duration // open -> half-open
	MaxProbes        int           // concurrent calls allowed while half-open

	// Ignore reports errors that are answers rather than outages, such as
	// a missing key. They count as successes.
	Ignore func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
		MaxProbes:        1,
	}
}

type Stats struct {
	State        State
	Failures     int
	Successes    int
	Probes       int
	LastFailure  time.Time
	StateChanged time.Time
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	stats         Stats
	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	return &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		stats: Stats{State: StateClosed, StateChanged: time.Now()},
	}
}

// OnStateChange registers fn, called on its own goroutine after each
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Do(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Execute for functions with a result.
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	probe, err := cb.admit()
	if err != nil {
		return zero, err
	}
	result, err := fn()
	cb.record(probe, err)
	return result, err
}

func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stats.State {
	case StateOpen:
		if cb.now().Sub(cb.stats.StateChanged) < cb.cfg.Cooldown {
			return false, ErrOpen
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.stats.Probes >= cb.cfg.MaxProbes {
			return false, ErrOpen
		}
		cb.stats.Probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	failed := err != nil && (cb.cfg.Ignore == nil || !cb.cfg.Ignore(err))

	cb.mu.Lock()
	if probe && cb.stats.Probes > 0 {
		cb.stats.Probes--
	}
	if failed {
		cb.stats.Failures++
		cb.stats.Successes = 0
		cb.stats.LastFailure = cb.now()
		if cb.stats.State == StateHalfOpen || cb.stats.Failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	} else {
		cb.stats.Failures = 0
		cb.stats.Successes++
		if cb.stats.State == StateHalfOpen && cb.stats.Successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.stats.State
	if from == to {
		return
	}
	cb.stats.State = to
	cb.stats.StateChanged = cb.now()
	cb.stats.Failures = 0
	cb.stats.Successes = 0
	cb.stats.Probes = 0
	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats.State
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}
