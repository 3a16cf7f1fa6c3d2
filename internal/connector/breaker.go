package connector

import (
	"sync"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-connection circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one probe is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	probing             bool
}

// BreakerRegistry keeps one circuit breaker per connection name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry. Non-positive config values take defaults.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to connection may proceed, or a CIRCUIT_OPEN error.
func (r *BreakerRegistry) Allow(connection string) error {
	b := r.get(connection)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.lastFailure)
		if remaining <= 0 {
			b.state = CircuitHalfOpen
			b.probing = true
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for connection %q after %d consecutive failures", connection, b.consecutiveFailures).
			WithDetails(map[string]any{
				"connection":           connection,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for connection %q: probe in flight", connection)
		}
		b.probing = true
	}
	return nil
}

// Success closes the circuit for connection.
func (r *BreakerRegistry) Success(connection string) {
	b := r.get(connection)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.probing = false
}

// Failure records a failed call and returns the resulting state.
func (r *BreakerRegistry) Failure(connection string) CircuitState {
	b := r.get(connection)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = r.now()
	b.probing = false
	if b.state == CircuitHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state for connection.
func (r *BreakerRegistry) State(connection string) CircuitState {
	b := r.get(connection)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *BreakerRegistry) get(connection string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[connection]
	if !ok {
		b = &breaker{}
		r.breakers[connection] = b
	}
	return b
}
