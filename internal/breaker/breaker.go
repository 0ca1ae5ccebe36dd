// Package breaker implements a circuit breaker for calls to flaky downstreams.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is open and rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Options configure a Breaker. Zero values fall back to defaults.
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Defaults to 5.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// probe calls. Defaults to 60s.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the probe budget while half-open. Defaults to 1.
	HalfOpenMaxCalls int

	// now overrides the clock in tests.
	now func() time.Time
}

// Breaker tracks consecutive failures and short-circuits calls once a
// threshold is crossed. It is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	halfOpenCalls int
	openedAt      time.Time

	threshold       int
	recoveryTimeout time.Duration
	halfOpenMax     int
	now             func() time.Time
}

// New creates a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Breaker{
		state:           StateClosed,
		threshold:       opts.FailureThreshold,
		recoveryTimeout: opts.RecoveryTimeout,
		halfOpenMax:     opts.HalfOpenMaxCalls,
		now:             opts.now,
	}
}

// Do runs fn behind the breaker. If the breaker is open, fn is not called
// and ErrOpen is returned. A successful probe while half-open closes the
// breaker; a failed probe reopens it.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state, accounting for recovery timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			return ErrOpen
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = StateClosed
		b.failures = 0
		b.halfOpenCalls = 0
		return
	}

	if b.state == StateHalfOpen {
		b.open()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

// transition moves open -> half_open after the recovery timeout.
// Callers must hold mu.
func (b *Breaker) transition() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
	}
}

// open marks the breaker open. Callers must hold mu.
func (b *Breaker) open() {
	b.state = StateOpen
	b.failures = 0
	b.halfOpenCalls = 0
	b.openedAt = b.now()
}
