package threat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/threat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []threat.Event
}

func (s *recordingSink) Notify(_ context.Context, e threat.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []threat.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]threat.Event(nil), s.events...)
}

func newDetector(threshold int, window time.Duration) (*threat.Detector, *recordingSink, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	d := threat.NewDetector(threshold, window, threat.WithSink(sink), threat.WithClock(clock.Now))
	return d, sink, clock
}

func TestBruteForce_Threshold(t *testing.T) {
	d, sink, _ := newDetector(5, 15*time.Minute)
	ctx := context.Background()
	ip := "203.0.113.7"

	for i := 0; i < 4; i++ {
		d.RecordFailedAttempt(ctx, ip, nil)
	}
	stats := d.GetThreatStats(threat.IPIdentity(ip))
	assert.Equal(t, 4, stats.FailedAttempts)
	assert.False(t, stats.IsBlocked, "threshold-1 failures do not block")

	d.RecordFailedAttempt(ctx, ip, nil)
	stats = d.GetThreatStats(threat.IPIdentity(ip))
	assert.Equal(t, 5, stats.FailedAttempts)
	assert.True(t, stats.IsBlocked)

	d.Wait()
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, threat.KindBruteForce, events[0].Kind)
	assert.Equal(t, threat.SeverityMedium, events[0].Severity)
	assert.Equal(t, threat.IPIdentity(ip), events[0].Identity)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
}

func TestBruteForce_SeverityEscalates(t *testing.T) {
	d, sink, _ := newDetector(2, time.Hour)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		d.RecordFailedAttempt(ctx, "198.51.100.1", nil)
	}
	d.Wait()

	var severities []threat.Severity
	for _, e := range sink.Events() {
		severities = append(severities, e.Severity)
	}
	assert.Equal(t, []threat.Severity{threat.SeverityMedium, threat.SeverityHigh, threat.SeverityCritical}, severities)
}

func TestBruteForce_SuccessResets(t *testing.T) {
	d, _, _ := newDetector(3, time.Hour)
	ctx := context.Background()
	keyID := uuid.New()
	ip := "192.0.2.10"

	for i := 0; i < 3; i++ {
		d.RecordFailedAttempt(ctx, ip, &keyID)
	}
	require.True(t, d.GetThreatStats(threat.KeyIdentity(keyID)).IsBlocked)
	require.True(t, d.GetThreatStats(threat.IPIdentity(ip)).IsBlocked)

	d.RecordSuccessfulRequest(ctx, keyID, ip, "/api/v1/whoami")

	assert.Equal(t, threat.Stats{}, d.GetThreatStats(threat.KeyIdentity(keyID)))
	assert.Equal(t, 0, d.GetThreatStats(threat.IPIdentity(ip)).FailedAttempts)
}

func TestBruteForce_WindowStartsAtFirstFailure(t *testing.T) {
	d, _, clock := newDetector(3, time.Minute)
	ctx := context.Background()
	ip := "192.0.2.20"

	d.RecordFailedAttempt(ctx, ip, nil)
	clock.Advance(40 * time.Second)
	d.RecordFailedAttempt(ctx, ip, nil)
	clock.Advance(30 * time.Second)

	// The first window has elapsed; this failure opens a new one.
	d.RecordFailedAttempt(ctx, ip, nil)
	stats := d.GetThreatStats(threat.IPIdentity(ip))
	assert.Equal(t, 1, stats.FailedAttempts)
	assert.False(t, stats.IsBlocked)

	clock.Advance(time.Minute)
	assert.Equal(t, threat.Stats{}, d.GetThreatStats(threat.IPIdentity(ip)))
}

func TestAnomaly_IPRotation(t *testing.T) {
	d, sink, clock := newDetector(5, time.Hour)
	ctx := context.Background()
	keyID := uuid.New()

	for _, ip := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
		d.RecordSuccessfulRequest(ctx, keyID, ip, "/x")
		clock.Advance(time.Second)
	}
	d.Wait()
	assert.Empty(t, sink.Events())

	d.RecordSuccessfulRequest(ctx, keyID, "10.0.0.3", "/x")
	d.Wait()
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, threat.KindIPRotation, events[0].Kind)
	assert.Equal(t, threat.SeverityMedium, events[0].Severity)
	require.NotNil(t, events[0].KeyID)
	assert.Equal(t, keyID, *events[0].KeyID)
}

func TestAnomaly_RequestBurst(t *testing.T) {
	d, sink, clock := newDetector(5, time.Hour)
	ctx := context.Background()
	keyID := uuid.New()

	for i := 0; i < 9; i++ {
		d.RecordSuccessfulRequest(ctx, keyID, "10.1.1.1", "/x")
		clock.Advance(50 * time.Millisecond)
	}
	d.Wait()
	assert.Empty(t, sink.Events())

	d.RecordSuccessfulRequest(ctx, keyID, "10.1.1.1", "/x")
	d.RecordSuccessfulRequest(ctx, keyID, "10.1.1.1", "/x")
	d.Wait()
	events := sink.Events()
	require.Len(t, events, 1, "one event per burst")
	assert.Equal(t, threat.KindRequestBurst, events[0].Kind)
}

func TestAnomaly_SpreadRequestsAreNotBurst(t *testing.T) {
	d, sink, clock := newDetector(5, time.Hour)
	ctx := context.Background()
	keyID := uuid.New()

	for i := 0; i < 30; i++ {
		d.RecordSuccessfulRequest(ctx, keyID, "10.1.1.1", "/x")
		clock.Advance(200 * time.Millisecond)
	}
	d.Wait()
	assert.Empty(t, sink.Events())
}

func TestSink_FailuresAreContained(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	good := &recordingSink{}
	d := threat.NewDetector(1, time.Hour,
		threat.WithClock(clock.Now),
		threat.WithSink(threat.SinkFunc(func(context.Context, threat.Event) error {
			return errors.New("webhook down")
		})),
		threat.WithSink(threat.SinkFunc(func(context.Context, threat.Event) error {
			panic("boom")
		})),
		threat.WithSink(good),
	)

	assert.NotPanics(t, func() {
		d.RecordFailedAttempt(context.Background(), "192.0.2.99", nil)
		d.Wait()
	})
	assert.Len(t, good.Events(), 1)
}

func TestSweep(t *testing.T) {
	d, _, clock := newDetector(5, time.Minute)
	ctx := context.Background()

	d.RecordFailedAttempt(ctx, "192.0.2.1", nil)
	d.RecordSuccessfulRequest(ctx, uuid.New(), "192.0.2.2", "/x")
	assert.Equal(t, 0, d.Sweep())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, d.Sweep())
}

func TestConcurrentRecording(t *testing.T) {
	d, _, _ := newDetector(1000, time.Hour)
	ctx := context.Background()
	keyID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.RecordFailedAttempt(ctx, "203.0.113.50", &keyID)
			d.GetThreatStats(threat.IPIdentity(fmt.Sprintf("203.0.113.%d", i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, d.GetThreatStats(threat.KeyIdentity(keyID)).FailedAttempts)
}
