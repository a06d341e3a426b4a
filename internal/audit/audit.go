// Package audit carries admission and administrative events to sinks off
// the request path.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAuthSuccess Type = "auth.success"
	TypeAuthFailure Type = "auth.failure"

	TypeKeyCreated     Type = "key.created"
	TypeKeyTransition  Type = "key.transition"
	TypeKeyPolicy      Type = "key.policy_updated"
	TypeQuotaReconcile Type = "key.quota_reconciled"
)

type Event struct {
	ID       uuid.UUID         `json:"id"`
	Type     Type              `json:"type"`
	At       time.Time         `json:"at"`
	KeyID    *uuid.UUID        `json:"key_id,omitempty"`
	IP       string            `json:"ip,omitempty"`
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Category string            `json:"category,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"event_id", e.ID.String(),
		"type", string(e.Type),
		"at", e.At,
	}
	if e.KeyID != nil {
		attrs = append(attrs, "key_id", e.KeyID.String())
	}
	for _, kv := range [][2]string{
		{"ip", e.IP}, {"method", e.Method}, {"path", e.Path},
		{"reason", e.Reason}, {"category", e.Category}, {"actor", e.Actor},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if e.Type == TypeAuthFailure {
		level = slog.LevelWarn
	}
	l.Log(ctx, level, "audit", attrs...)
	return nil
}

// Dispatcher queues events and writes them to a sink from a fixed pool of
// workers. A full queue drops the event.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	logger  *slog.Logger
	now     func() time.Time
	onDrop  func()
	timeout time.Duration

	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDropHook is called for every event dropped on a full queue.
func WithDropHook(fn func()) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(sink Sink, queueSize, workers int, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, queueSize),
		logger:  slog.Default(),
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Emit stamps e and queues it. It never blocks.
func (d *Dispatcher) Emit(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, why string) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
	d.logger.Warn("audit event dropped", "type", string(e.Type), "reason", why)
}

// Dropped returns the number of events lost so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for e := range d.queue {
		d.write(e)
	}
}

func (d *Dispatcher) write(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked", "type", string(e.Type), "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Write(ctx, e); err != nil {
		d.logger.Error("audit sink failed", "type", string(e.Type), "error", err)
	}
}

// Close stops accepting events and waits for queued ones to be written, or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
