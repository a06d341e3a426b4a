package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
	block  chan struct{}
	err    error
}

func (s *memorySink) Write(_ context.Context, e audit.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *memorySink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

func TestDispatcher_DeliversAndStamps(t *testing.T) {
	sink := &memorySink{}
	at := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	d := audit.NewDispatcher(sink, 16, 2, audit.WithClock(func() time.Time { return at }))

	keyID := uuid.New()
	d.Emit(audit.Event{Type: audit.TypeAuthSuccess, KeyID: &keyID, Path: "/api/v1/whoami"})
	d.Emit(audit.Event{Type: audit.TypeAuthFailure, Reason: "invalid_credential"})
	require.NoError(t, d.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.Equal(t, at, e.At)
	}
	assert.Equal(t, int64(0), d.Dropped())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	var hooked int
	var mu sync.Mutex
	d := audit.NewDispatcher(sink, 1, 1, audit.WithDropHook(func() {
		mu.Lock()
		hooked++
		mu.Unlock()
	}))

	// One event in the worker, one in the queue, the rest dropped.
	for i := 0; i < 5; i++ {
		d.Emit(audit.Event{Type: audit.TypeAuthSuccess})
		time.Sleep(5 * time.Millisecond)
	}
	close(sink.block)
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, sink.Events(), 2)
	assert.Equal(t, int64(3), d.Dropped())
	mu.Lock()
	assert.Equal(t, 3, hooked)
	mu.Unlock()
}

func TestDispatcher_EmitAfterCloseIsDropped(t *testing.T) {
	d := audit.NewDispatcher(&memorySink{}, 4, 1)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() { d.Emit(audit.Event{Type: audit.TypeKeyCreated}) })
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcher_SinkErrorsDoNotStopDelivery(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	d := audit.NewDispatcher(sink, 8, 1)
	for i := 0; i < 3; i++ {
		d.Emit(audit.Event{Type: audit.TypeKeyTransition})
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, sink.Events(), 3)
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	d := audit.NewDispatcher(sink, 4, 1)
	d.Emit(audit.Event{Type: audit.TypeAuthSuccess})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(sink.block)
}

func TestLogSink_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := audit.LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	keyID := uuid.New()

	err := sink.Write(context.Background(), audit.Event{
		ID:       uuid.New(),
		Type:     audit.TypeAuthFailure,
		KeyID:    &keyID,
		IP:       "203.0.113.1",
		Reason:   "suspended",
		Category: "authorization",
		Details:  map[string]string{"transition": "suspend"},
	})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "audit", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "auth.failure", rec["type"])
	assert.Equal(t, keyID.String(), rec["key_id"])
	assert.Equal(t, "suspended", rec["reason"])
	assert.Equal(t, "suspend", rec["transition"])
	assert.NotContains(t, rec, "method")
}
