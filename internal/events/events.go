// Package events delivers lifecycle notifications to users and integrations.
//
// Services emit after their store transaction commits. Delivery is
// fire-and-forget: a slow or failing sink never blocks or fails the
// operation that produced the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/milepay/internal/idgen"
)

// Type names a lifecycle event.
type Type string

const (
	WalletDepositCompleted    Type = "wallet.deposit_completed"
	WalletDepositFailed       Type = "wallet.deposit_failed"
	WalletWithdrawalRequested Type = "wallet.withdrawal_requested"
	WalletWithdrawalSettled   Type = "wallet.withdrawal_settled"
	WalletWithdrawalFailed    Type = "wallet.withdrawal_failed"

	AgreementCreated   Type = "agreement.created"
	AgreementSigned    Type = "agreement.signed"
	AgreementActivated Type = "agreement.activated"
	AgreementCancelled Type = "agreement.cancelled"
	AgreementFunded    Type = "agreement.funded"
	AgreementCompleted Type = "agreement.completed"

	MilestoneStarted   Type = "milestone.started"
	MilestoneSubmitted Type = "milestone.submitted"
	MilestoneRejected  Type = "milestone.rejected"
	MilestonePaid      Type = "milestone.paid"

	DisputeOpened        Type = "dispute.opened"
	DisputeEvidenceAdded Type = "dispute.evidence_added"
	DisputeMessageAdded  Type = "dispute.message_added"
	DisputeStatusChanged Type = "dispute.status_changed"
	DisputeResolved      Type = "dispute.resolved"
	DisputeClosed        Type = "dispute.closed"
)

// Types lists every event type, in the order they are declared.
var Types = []Type{
	WalletDepositCompleted, WalletDepositFailed, WalletWithdrawalRequested,
	WalletWithdrawalSettled, WalletWithdrawalFailed,
	AgreementCreated, AgreementSigned, AgreementActivated, AgreementCancelled,
	AgreementFunded, AgreementCompleted,
	MilestoneStarted, MilestoneSubmitted, MilestoneRejected, MilestonePaid,
	DisputeOpened, DisputeEvidenceAdded, DisputeMessageAdded,
	DisputeStatusChanged, DisputeResolved, DisputeClosed,
}

// Known reports whether t is a declared event type.
func Known(t Type) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one notification addressed to one user.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Refs      map[string]string `json:"refs,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier is what services depend on.
type Notifier interface {
	Emit(ctx context.Context, e Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Emit implements Notifier.
func (Nop) Emit(context.Context, Event) {}

// DefaultQueueSize bounds events waiting for delivery.
const DefaultQueueSize = 1024

// Emitter fans events out to sinks from a bounded queue. Emit never blocks;
// when the queue is full the event is dropped and counted.
type Emitter struct {
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	timeout time.Duration

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	startOne sync.Once
}

// NewEmitter creates an emitter delivering to sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:   sinks,
		queue:   make(chan Event, DefaultQueueSize),
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// AddSink registers another destination. Call before Start.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Start launches the delivery workers.
func (e *Emitter) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	e.startOne.Do(func() {
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

// Emit enqueues e for delivery.
func (e *Emitter) Emit(_ context.Context, ev Event) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
		eventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	default:
		eventsDropped.Inc()
		e.logger.Warn("event queue full, dropping event", "type", ev.Type, "user", ev.UserID)
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev Event) {
	for _, s := range e.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					sinkFailures.WithLabelValues(s.Name()).Inc()
					e.logger.Error("event sink panicked", "sink", s.Name(), "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := s.Publish(ctx, ev); err != nil {
				sinkFailures.WithLabelValues(s.Name()).Inc()
				e.logger.Warn("event delivery failed", "sink", s.Name(), "type", ev.Type, "error", err)
			}
		}()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.logger.Info("event", "id", e.ID, "type", e.Type, "user", e.UserID, "title", e.Title, "refs", e.Refs)
	return nil
}

// Recorder keeps events in memory. Tests use it as a Notifier or a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Notifier.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Name implements Sink.
func (r *Recorder) Name() string { return "recorder" }

// Publish implements Sink.
func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.Emit(ctx, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
