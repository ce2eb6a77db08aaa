// Package circuit provides a simple circuit breaker used around the
// generation pipeline client, keeping a backend outage from turning into a
// pile-up of slow admission failures.
package circuit

import (
	"errors"
	"sync"
)

// ErrOpen is returned by Do when the circuit is open and the call was skipped.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is healthy and calls flow normally.
	StateClosed State = iota
	// StateOpen means the circuit has tripped and calls are skipped.
	StateOpen
)

// Breaker tracks consecutive failures for fail-safe operations.
// When closed, calls flow normally. After FailureThreshold consecutive
// failures the circuit opens; after SuccessThreshold consecutive successes
// while open, it closes again. Probe calls are still let through while open
// so the circuit can observe recovery.
type Breaker struct {
	mu               sync.Mutex
	state            State
	name             string
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	probeInFlight    bool
}

// Option configures a Breaker instance.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures to open the circuit.
// Default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive successes to close the circuit.
// Default is 3.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// New creates a circuit breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the circuit breaker's name for logging/metrics.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn through the breaker. While open, at most one probe call is
// allowed at a time; all other callers get ErrOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if !b.acquire() {
		return ErrOpen
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return true
	}
	if b.probeInFlight {
		return false
	}
	b.probeInFlight = true
	return true
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false

	if success {
		if b.state == StateOpen {
			b.successCount++
			if b.successCount >= b.successThreshold {
				b.state = StateClosed
				b.failureCount = 0
				b.successCount = 0
			}
			return
		}
		b.failureCount = 0
		return
	}

	b.successCount = 0
	b.failureCount++
	if b.state == StateClosed && b.failureCount >= b.failureThreshold {
		b.state = StateOpen
	}
}

// Reset resets the circuit breaker to closed state with zero counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
}
