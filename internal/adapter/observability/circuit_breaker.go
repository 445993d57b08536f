package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker refuses calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit state: closed (calls flow), open (calls
// refused), or half-open (one probe allowed).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker guards the queue endpoints during a service outage. It trips
// after maxFailures consecutive failures and refuses calls for the
// cooldown; after that one probe is let through, and its outcome decides
// whether the circuit closes again or re-opens for another cooldown.
//
// The back-off in ShouldPoll only slows empty polls; the breaker is what
// stops the host from hammering a service that is answering with errors.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	now func() time.Time
}

// NewBreaker returns a closed breaker named for its metric label.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. While open it fails with
// ErrBreakerOpen until the cooldown has passed, then lets exactly one probe
// through in half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return fmt.Errorf("%w: %s cooling down", ErrBreakerOpen, b.name)
		}
		b.setState(BreakerHalfOpen)
		return nil
	default:
		// A probe is already in flight this window.
		return fmt.Errorf("%w: %s probing", ErrBreakerOpen, b.name)
	}
}

// Record feeds a call outcome back. Success closes the circuit and clears
// the failure run; a failure extends the run, tripping the circuit once the
// run reaches maxFailures (or immediately when a half-open probe fails).
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != BreakerClosed {
			slog.Info("circuit breaker closed", slog.String("name", b.name))
		}
		b.failures = 0
		b.setState(BreakerClosed)
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			slog.Warn("circuit breaker opened",
				slog.String("name", b.name),
				slog.Int("consecutive_failures", b.failures),
				slog.Duration("cooldown", b.cooldown))
		}
		b.setState(BreakerOpen)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	PollBreakerState.WithLabelValues(b.name).Set(float64(s))
}
