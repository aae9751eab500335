package resilience

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker implements the circuit breaker pattern around a single
// external dependency. After FailureThreshold consecutive failures the
// breaker opens and Allow fails fast without touching the dependency.
// Once ResetTimeout has elapsed a single probe call is admitted; its
// outcome decides whether the breaker closes again or re-opens.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	clock            clock.PassiveClock

	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	// Called outside the hot path whenever the state changes; used to
	// export the state as a gauge. May be nil.
	onStateChange func(name string, state BreakerState)
}

func NewCircuitBreaker(name string, config configuration.CircuitBreakerConfig, clk clock.PassiveClock, onStateChange func(string, BreakerState)) *CircuitBreaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		clock:            clk,
		state:            BreakerClosed,
		onStateChange:    onStateChange,
	}
}

// Allow reports whether a call may proceed. It returns nil when the call is
// admitted and an *ingesterrors.ErrCircuitOpen otherwise. Callers must pair
// every admitted call with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := cb.clock.Now().Sub(cb.lastFailureTime)
		if elapsed < cb.resetTimeout {
			return &ingesterrors.ErrCircuitOpen{
				Dependency: cb.name,
				RetryAfter: (cb.resetTimeout - elapsed).Round(time.Millisecond).String(),
			}
		}
		cb.setState(BreakerHalfOpen)
		cb.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		// Only one probe at a time while half open.
		if cb.probeInFlight {
			return &ingesterrors.ErrCircuitOpen{Dependency: cb.name, RetryAfter: "0s"}
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == BreakerHalfOpen {
		cb.probeInFlight = false
		cb.setState(BreakerClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.probeInFlight = false
		cb.setState(BreakerOpen)
	case BreakerClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.setState(BreakerOpen)
		}
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(state BreakerState) {
	if cb.state == state {
		return
	}
	cb.state = state
	log.WithField("dependency", cb.name).Infof("Circuit breaker is now %s", state)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, state)
	}
}
