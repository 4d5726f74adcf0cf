package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the circuit breaker state for the AI classifier dependency.
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
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker gates calls to an unreliable dependency. It is shared by all
// concurrent classification calls in the process, so every mutation happens
// under the mutex. The OPEN to HALF_OPEN transition is lazy: the CanRequest
// call that observes an expired open timeout performs it, no background
// timer involved.
type Breaker struct {
	mu sync.Mutex

	config Config
	logger *logrus.Logger

	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	onStateChange    func(from, to State)

	// now is swappable for tests
	now func() time.Time
}

func New(config Config, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a callback invoked (outside the hot path but under
// the breaker lock) on every state transition. Used to feed metrics.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// CanRequest reports whether a call to the dependency is currently allowed.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
			b.transition(StateHalfOpen)
			b.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure notes a failed call. In HALF_OPEN a single failure trips the
// breaker back open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED with clean counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Warn("AI breaker state change")
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
