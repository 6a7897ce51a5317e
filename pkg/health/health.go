// Package health tracks the health of cache tiers from the outcome of the
// operations performed on them.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent operations failed but the component still answers
	StateDegraded

	// StateReadOnly indicates writes keep failing while reads may still work
	StateReadOnly

	// StateUnavailable indicates the component is failing every operation
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastCheck         time.Time   `json:"last_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
	LastErrorCode     string      `json:"last_error_code,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// Tracker tracks the health of multiple components and derives the overall health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// OnStateChange registers a callback run synchronously, outside the
// tracker's lock, after every state transition.
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

// RecordSuccess records a successful operation for a component. A single
// success returns a failing component to healthy.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	h.LastCheck = t.now()
	oldState := h.State
	if h.ConsecutiveErrors > 0 || h.State != StateHealthy {
		t.transitionLocked(h, StateHealthy)
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if oldState != StateHealthy {
		notify(callbacks, component, oldState, StateHealthy, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	h.LastCheck = t.now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
		h.LastErrorCode = string(errors.GetCode(err))
	}

	oldState := h.State
	newState := oldState
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transitionLocked(h, newState)
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if newState != oldState {
		notify(callbacks, component, oldState, newState, err)
	}
}

func notify(callbacks []StateChangeCallback, component string, oldState, newState HealthState, err error) {
	for _, cb := range callbacks {
		cb(component, oldState, newState, err)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns copies of every registered component
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, h := range t.components {
		result[name] = *h
	}
	return result
}

// GetOverallHealth returns the worst state of any component
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can still serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can still accept writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

func (t *Tracker) transitionLocked(h *ComponentHealth, newState HealthState) {
	h.State = newState
	h.LastStateChange = t.now()
	if newState == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
		h.LastErrorCode = ""
	}
}

// isWriteError reports whether err is a failed write or removal, after
// which reads are still expected to work.
func isWriteError(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeIOWrite, errors.ErrCodeIORemove, errors.ErrCodeIOCreate, errors.ErrCodeKeyCollision:
		return true
	}
	return false
}
