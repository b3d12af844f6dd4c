// Package resilience provides the circuit breaker used by the event
// forwarder. Each registered target gets its own breaker so a dead consumer
// degrades to an instant local failure instead of a 10-second timeout on
// every routed event.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls immediately until the cooldown elapses.
	Open
	// HalfOpen lets probe calls through to test whether the target recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Options tunes a [Breaker]. Zero values get defaults.
type Options struct {
	// Name labels the breaker in logs, typically the target name.
	Name string

	// Threshold is the consecutive-failure count that trips the breaker.
	// Default: 3.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeSuccesses is how many consecutive probes must succeed in the
	// half-open state before the breaker closes. Default: 2.
	ProbeSuccesses int
}

// Breaker is a three-state (closed, open, half-open) circuit breaker.
type Breaker struct {
	name           string
	threshold      int
	cooldown       time.Duration
	probeSuccesses int

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	probes    int // consecutive successful probes while half-open
	openedAt  time.Time
	inFlight  bool // a half-open probe is currently running
}

// NewBreaker returns a closed [Breaker] with the given options.
func NewBreaker(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.ProbeSuccesses <= 0 {
		opts.ProbeSuccesses = 2
	}
	return &Breaker{
		name:           opts.Name,
		threshold:      opts.Threshold,
		cooldown:       opts.Cooldown,
		probeSuccesses: opts.ProbeSuccesses,
	}
}

// Do runs fn when the breaker allows it. In the open state it returns
// [ErrOpen] without calling fn; after the cooldown one probe at a time is
// let through.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		slog.Info("circuit half-open, probing", "breaker", b.name)
		fallthrough
	case HalfOpen:
		// One probe at a time keeps a recovering target from being flooded.
		if b.inFlight {
			return ErrOpen
		}
		b.inFlight = true
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.inFlight
	b.inFlight = false

	if err != nil {
		if wasProbe {
			b.trip("probe failed")
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip("failure threshold reached")
		}
		return
	}

	if wasProbe {
		b.probes++
		if b.probes >= b.probeSuccesses {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// trip moves the breaker to open. Must be called with b.mu held.
func (b *Breaker) trip(why string) {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.probes = 0
	slog.Warn("circuit opened", "breaker", b.name, "cause", why)
}

// State returns the current state, reporting [HalfOpen] when an open breaker's
// cooldown has elapsed even though the transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.inFlight = false
}
