package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State describes the current position of a CircuitBreaker in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// OpenError is returned by Do when the circuit is open and the call was not attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry after %s)", e.Name, e.RetryAfter)
}

type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED state that opens the circuit.
	FailureThreshold int `koanf:"failurethreshold"`
	// ResetTimeout is how long the circuit stays open before a probe call is allowed.
	ResetTimeout time.Duration `koanf:"resettimeout"`
	// SuccessThreshold is the number of consecutive successes in HALF_OPEN state that closes the circuit.
	SuccessThreshold int `koanf:"successthreshold"`
	// CallTimeout bounds each protected call, so a hung dependency counts as a failure
	// instead of occupying the caller indefinitely. Independent of ResetTimeout.
	CallTimeout time.Duration `koanf:"calltimeout"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      15 * time.Second,
	}
}

// CircuitBreaker protects a single external dependency. One instance lives for
// the process lifetime per dependency; Execute serializes state bookkeeping.
type CircuitBreaker struct {
	name   string
	config Config

	mux             sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// now is replaceable in tests.
	now func() time.Time
	// onStateChange is invoked (outside error paths) whenever the state moves, e.g. to update a metrics gauge.
	onStateChange func(name string, state State)
}

func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a listener for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state State)) {
	cb.mux.Lock()
	defer cb.mux.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mux.Lock()
	defer cb.mux.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Do runs fn through the breaker. While OPEN and the reset timeout has not
// elapsed, fn is not invoked and an *OpenError carrying the remaining wait is
// returned. The first call after the reset timeout moves the breaker to
// HALF_OPEN before running fn. On failure the original error is returned
// unchanged; state bookkeeping is a side effect, not error translation.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	if cb.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}
	err := fn(ctx)
	cb.afterCall(ctx, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mux.Lock()
	defer cb.mux.Unlock()
	if cb.state != StateOpen {
		return nil
	}
	elapsed := cb.now().Sub(cb.lastFailureTime)
	if elapsed < cb.config.ResetTimeout {
		return &OpenError{
			Name:       cb.name,
			RetryAfter: cb.config.ResetTimeout - elapsed,
		}
	}
	cb.setState(StateHalfOpen)
	cb.successCount = 0
	return nil
}

func (cb *CircuitBreaker) afterCall(ctx context.Context, success bool) {
	cb.mux.Lock()
	defer cb.mux.Unlock()
	switch cb.state {
	case StateClosed:
		if success {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		if cb.failureCount >= cb.config.FailureThreshold {
			log.Ctx(ctx).Warn().Msgf("Circuit breaker %s: opening after %d consecutive failures", cb.name, cb.failureCount)
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			// A single failure while probing reopens the circuit.
			cb.successCount = 0
			cb.lastFailureTime = cb.now()
			log.Ctx(ctx).Warn().Msgf("Circuit breaker %s: probe failed, reopening", cb.name)
			cb.setState(StateOpen)
			return
		}
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			log.Ctx(ctx).Info().Msgf("Circuit breaker %s: closing after %d successful probes", cb.name, cb.successCount)
			cb.failureCount = 0
			cb.successCount = 0
			cb.setState(StateClosed)
		}
	case StateOpen:
		// A concurrent call that started before the circuit opened; its outcome
		// does not move the state machine.
	}
}

// setState must be called while holding the mutex.
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, state)
	}
}
