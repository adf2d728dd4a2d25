// Package notify carries lifecycle events from the engine to whatever sinks
// the daemon wires up. Emitting never blocks the caller and a failing sink is
// logged, never propagated.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Type identifies a notification
type Type string

const (
	ProjectDiscovered  Type = "project.discovered"
	ProjectScheduled   Type = "project.scheduled"
	ProjectRescheduled Type = "project.rescheduled"
	ProjectCancelled   Type = "project.cancelled"
	ProjectDestroyed   Type = "project.destroyed"
	ProjectFailed      Type = "project.failed"
	ProjectWarning     Type = "project.warning"
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
)

// Message is one notification
type Message struct {
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ProjectID   string    `json:"project_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Emitter accepts notifications without blocking
type Emitter interface {
	Notify(msg Message)
}

// Sink delivers a notification somewhere
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(Message) {}

// Async queues messages on a buffered channel drained by a single worker.
// A full queue drops the message.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// NewAsync starts the delivery worker. Close must be called to stop it.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{
		sink:    sink,
		logger:  logger.With("component", "notify"),
		timeout: 5 * time.Second,
		queue:   make(chan Message, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- msg:
	default:
		a.logger.Warn("notification dropped, queue full", "type", msg.Type, "project_id", msg.ProjectID)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Deliver(ctx, msg); err != nil {
			a.logger.Error("notification delivery failed", "type", msg.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

// LogSink writes every notification as a structured log line
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, msg Message) error {
	s.Logger.InfoContext(ctx, msg.Title,
		"type", msg.Type,
		"body", msg.Body,
		"project_id", msg.ProjectID,
		"execution_id", msg.ExecutionID,
	)
	return nil
}

// Fanout delivers to every sink and joins their errors
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps the most recent messages in memory
type Recorder struct {
	mu    sync.Mutex
	limit int
	msgs  []Message
}

// NewRecorder keeps at most limit messages; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Deliver(_ context.Context, msg Message) error {
	r.Notify(msg)
	return nil
}

func (r *Recorder) Notify(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.limit > 0 && len(r.msgs) > r.limit {
		r.msgs = append(r.msgs[:0:0], r.msgs[len(r.msgs)-r.limit:]...)
	}
}

// Messages returns a copy, oldest first.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Types lists the recorded message types in order.
func (r *Recorder) Types() []Type {
	msgs := r.Messages()
	out := make([]Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}
