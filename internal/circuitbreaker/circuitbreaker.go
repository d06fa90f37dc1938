package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/metrics"
)

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down has passed
	StateOpen
	// StateHalfOpen lets calls through to probe whether the dependency recovered
	StateHalfOpen
)

// String returns a string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// SuccessThreshold is the number of half-open successes that closes the circuit
	SuccessThreshold int
	// IsFailure decides which errors count against the dependency. Nil counts every error.
	IsFailure func(err error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 3,
	}
}

// CircuitBreaker stops calling an external dependency after repeated failures
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new circuit breaker
func New(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		state:  StateClosed,
		name:   name,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	metrics.RecordCircuitBreakerState(name, int(StateClosed))
	return cb
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Execute runs fn unless the circuit is open. A cancelled ctx is returned
// as is and never counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	if ctx.Err() != nil {
		return err
	}
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailureTime) < cb.config.Timeout {
		return ErrCircuitOpen
	}
	cb.setState(StateHalfOpen)
	cb.successCount = 0
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		cb.logger.Warn("Circuit breaker failure",
			zap.String("name", cb.name),
			zap.Int("failure_count", cb.failureCount),
			zap.Error(err))
		if cb.failureCount >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		if failed {
			cb.failureCount = cb.config.MaxFailures
			cb.lastFailureTime = cb.now()
			cb.setState(StateOpen)
			return
		}
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", cb.state.String()),
		zap.String("to", state.String()))
	cb.state = state
	metrics.RecordCircuitBreakerState(cb.name, int(state))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
	cb.setState(StateClosed)
}
