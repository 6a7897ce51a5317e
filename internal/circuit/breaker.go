// Package circuit guards the remote cold tiers. While a backend keeps failing,
// calls fail fast instead of stalling every cache read on network timeouts.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - a limited number of trial requests pass through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Maximum number of trial requests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that trip the breaker when ReadyToTrip is nil
	FailureThreshold uint32 `yaml:"failure_threshold"`

	ReadyToTrip   func(counts Counts) bool                `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether err counts against the backend. Lookups
	// that simply find nothing should be reported as successes.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the configuration used by the remote tiers
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func fromGoBreakerCounts(c gobreaker.Counts) Counts {
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = gobreaker.ErrOpenState

	// ErrTooManyRequests is returned when too many requests are made in half-open state
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// CircuitBreaker wraps a gobreaker.CircuitBreaker with the cache's state,
// counts and context-aware execution.
type CircuitBreaker struct {
	name   string
	config Config

	mu      sync.RWMutex
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker instance
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = func(err error) bool { return err == nil }
	}

	cb := &CircuitBreaker{name: name, config: config}
	cb.breaker = gobreaker.NewCircuitBreaker(cb.settings())
	return cb
}

func (cb *CircuitBreaker) settings() gobreaker.Settings {
	config := cb.config
	settings := gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(fromGoBreakerCounts(counts))
		},
		// A cancelled caller says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return errors.Is(err, context.Canceled) || config.IsSuccessful(err)
		},
	}
	if config.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			config.OnStateChange(name, fromGoBreaker(from), fromGoBreaker(to))
		}
	}
	return settings
}

func (cb *CircuitBreaker) current() *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breaker
}

// Execute runs fn if the circuit breaker allows it
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWithContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteWithContext runs fn with ctx if the circuit breaker allows it.
// A cancelled context is not counted against the backend.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.current().Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	return fromGoBreaker(cb.current().State())
}

// Stats returns the breaker's name, state and counts
func (cb *CircuitBreaker) Stats() Stats {
	b := cb.current()
	return Stats{
		Name:   cb.name,
		State:  fromGoBreaker(b.State()).String(),
		Counts: fromGoBreakerCounts(b.Counts()),
	}
}

// Reset closes the breaker and clears its counts. gobreaker has no reset,
// so the underlying breaker is replaced.
func (cb *CircuitBreaker) Reset() {
	next := gobreaker.NewCircuitBreaker(cb.settings())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.breaker = next
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
