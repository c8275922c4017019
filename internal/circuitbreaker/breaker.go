// Package circuitbreaker guards payment rails. Each rail gets its own
// circuit: after enough consecutive outages it opens and calls fail fast
// with ErrOpen, then a single probe decides whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by rail.",
	}, []string{"key", "from_state", "to_state"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milepay",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected while the circuit was open, by rail.",
	}, []string{"key"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "milepay",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by rail (0 closed, 1 open, 2 half open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, rejected, stateGauge)
}

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	isFailure    func(error) bool
	logger       *slog.Logger
	now          func() time.Time
}

// New opens a circuit after threshold consecutive failures and keeps it open
// for openDuration before letting a probe through. Non-positive arguments
// select 5 failures and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		isFailure:    func(err error) bool { return err != nil },
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithFailurePredicate sets which errors count as failures. A declined card
// is an answer from a healthy processor and should not count.
func (b *Breaker) WithFailurePredicate(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// WithLogger sets the logger that records state changes.
func (b *Breaker) WithLogger(l *slog.Logger) *Breaker {
	b.logger = l
	return b
}

// Execute runs fn unless the circuit for key is open. A caller giving up
// (ctx done) says nothing about the rail and is not recorded as a failure.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !b.Allow(key) {
		rejected.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err != nil && b.isFailure(err) && ctx.Err() == nil:
		b.RecordFailure(key)
	default:
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. An open circuit past its
// cool-down admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openDuration {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess closes a probing circuit and clears the failure streak.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak, opening the circuit at the
// threshold or immediately when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns key's state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key that has ever failed, sorted by
// key.
func (b *Breaker) Snapshot() []KeyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]KeyState, 0, len(b.circuits))
	for k, c := range b.circuits {
		out = append(out, KeyState{Key: k, State: c.state.String(), Failures: c.failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeyState is one entry of Snapshot.
type KeyState struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int    `json:"consecutiveFailures"`
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	b.logger.Warn("circuit state changed", "rail", key, "from", from.String(), "to", to.String(), "failures", c.failures)
}
