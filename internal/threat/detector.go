// Package threat watches authentication outcomes for brute force and
// anomalous usage. It reports; it never denies a request itself.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindBruteForce   Kind = "brute_force"
	KindIPRotation   Kind = "ip_rotation"
	KindRequestBurst Kind = "request_burst"
)

const (
	rotationSpan = 3
	burstCount   = 10
	burstWindow  = time.Second
)

// Event is a threat notification.
type Event struct {
	ID       uuid.UUID  `json:"id"`
	Kind     Kind       `json:"kind"`
	Severity Severity   `json:"severity"`
	Identity string     `json:"identity"`
	KeyID    *uuid.UUID `json:"key_id,omitempty"`
	IP       string     `json:"ip,omitempty"`
	Path     string     `json:"path,omitempty"`
	Count    int        `json:"count"`
	At       time.Time  `json:"at"`
}

// Sink receives threat events. Delivery is asynchronous; errors are logged.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Stats is the brute-force position of one identity.
type Stats struct {
	FailedAttempts int       `json:"failed_attempts"`
	IsBlocked      bool      `json:"is_blocked"`
	LastAttempt    time.Time `json:"last_attempt,omitempty"`
}

func IPIdentity(ip string) string { return "ip:" + ip }

func KeyIdentity(id uuid.UUID) string { return "key:" + id.String() }

type failureWindow struct {
	count   int
	firstAt time.Time
	lastAt  time.Time
}

type activity struct {
	recentIPs []string
	requests  []time.Time
	lastSeen  time.Time
}

type Detector struct {
	threshold int
	window    time.Duration
	sinks     []Sink
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	failures map[string]*failureWindow
	activity map[uuid.UUID]*activity

	delivering sync.WaitGroup
}

type Option func(*Detector)

func WithSink(s Sink) Option {
	return func(d *Detector) { d.sinks = append(d.sinks, s) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector flags an identity once threshold failures land within window
// of its first failure.
func NewDetector(threshold int, window time.Duration, opts ...Option) *Detector {
	d := &Detector{
		threshold: threshold,
		window:    window,
		logger:    slog.Default(),
		now:       time.Now,
		failures:  make(map[string]*failureWindow),
		activity:  make(map[uuid.UUID]*activity),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecordFailedAttempt counts a failure against the IP and, when known, the key.
func (d *Detector) RecordFailedAttempt(ctx context.Context, ip string, keyID *uuid.UUID) {
	now := d.now()
	var events []Event

	d.mu.Lock()
	if ip != "" {
		if e, ok := d.failLocked(IPIdentity(ip), now); ok {
			e.IP = ip
			e.KeyID = keyID
			events = append(events, e)
		}
	}
	if keyID != nil {
		if e, ok := d.failLocked(KeyIdentity(*keyID), now); ok {
			e.IP = ip
			e.KeyID = keyID
			events = append(events, e)
		}
	}
	d.mu.Unlock()

	for _, e := range events {
		d.emit(ctx, e)
	}
}

// failLocked records one failure and returns an event when the count reaches
// a severity step: threshold, twice and four times the threshold.
func (d *Detector) failLocked(identity string, now time.Time) (Event, bool) {
	f, ok := d.failures[identity]
	if !ok || !now.Before(f.firstAt.Add(d.window)) {
		f = &failureWindow{firstAt: now}
		d.failures[identity] = f
	}
	f.count++
	f.lastAt = now

	var sev Severity
	switch f.count {
	case d.threshold:
		sev = SeverityMedium
	case 2 * d.threshold:
		sev = SeverityHigh
	case 4 * d.threshold:
		sev = SeverityCritical
	default:
		return Event{}, false
	}
	return Event{Kind: KindBruteForce, Severity: sev, Identity: identity, Count: f.count, At: now}, true
}

// RecordSuccessfulRequest clears failure state for the key and IP and
// checks the key's recent traffic for anomalies.
func (d *Detector) RecordSuccessfulRequest(ctx context.Context, keyID uuid.UUID, ip, path string) {
	now := d.now()
	var events []Event

	d.mu.Lock()
	delete(d.failures, KeyIdentity(keyID))
	if ip != "" {
		delete(d.failures, IPIdentity(ip))
	}

	a, ok := d.activity[keyID]
	if !ok {
		a = &activity{}
		d.activity[keyID] = a
	}
	a.lastSeen = now

	a.recentIPs = append(a.recentIPs, ip)
	if len(a.recentIPs) > rotationSpan {
		a.recentIPs = a.recentIPs[len(a.recentIPs)-rotationSpan:]
	}
	if len(a.recentIPs) == rotationSpan && distinct(a.recentIPs) {
		events = append(events, d.anomaly(KindIPRotation, keyID, ip, path, rotationSpan, now))
		a.recentIPs = a.recentIPs[:0]
	}

	cutoff := now.Add(-burstWindow)
	kept := a.requests[:0]
	for _, t := range a.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.requests = append(kept, now)
	if len(a.requests) == burstCount {
		events = append(events, d.anomaly(KindRequestBurst, keyID, ip, path, burstCount, now))
	}
	d.mu.Unlock()

	for _, e := range events {
		d.emit(ctx, e)
	}
}

func (d *Detector) anomaly(kind Kind, keyID uuid.UUID, ip, path string, count int, now time.Time) Event {
	id := keyID
	return Event{
		Kind:     kind,
		Severity: SeverityMedium,
		Identity: KeyIdentity(keyID),
		KeyID:    &id,
		IP:       ip,
		Path:     path,
		Count:    count,
		At:       now,
	}
}

func distinct(ips []string) bool {
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip == "" {
			return false
		}
		if _, dup := seen[ip]; dup {
			return false
		}
		seen[ip] = struct{}{}
	}
	return true
}

// GetThreatStats returns the failure position of identity, as built by
// IPIdentity or KeyIdentity. An elapsed window reports zero.
func (d *Detector) GetThreatStats(identity string) Stats {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.failures[identity]
	if !ok || !now.Before(f.firstAt.Add(d.window)) {
		return Stats{}
	}
	return Stats{
		FailedAttempts: f.count,
		IsBlocked:      f.count >= d.threshold,
		LastAttempt:    f.lastAt,
	}
}

// emit delivers e to every sink in the background. A failing or panicking
// sink is logged and otherwise ignored.
func (d *Detector) emit(ctx context.Context, e Event) {
	e.ID = uuid.New()
	d.logger.Warn("threat detected",
		"kind", e.Kind, "severity", e.Severity, "identity", e.Identity, "ip", e.IP, "count", e.Count)

	ctx = context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.delivering.Add(1)
		go func(s Sink) {
			defer d.delivering.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("threat sink panicked", "kind", e.Kind, "panic", fmt.Sprint(r))
				}
			}()
			if err := s.Notify(ctx, e); err != nil {
				d.logger.Error("threat sink failed", "kind", e.Kind, "error", err)
			}
		}(s)
	}
}

// Wait blocks until in-flight sink deliveries finish.
func (d *Detector) Wait() {
	d.delivering.Wait()
}

// Sweep drops failure windows that have elapsed and key activity idle for
// longer than the window. It returns the number of entries removed.
func (d *Detector) Sweep() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, f := range d.failures {
		if !now.Before(f.firstAt.Add(d.window)) {
			delete(d.failures, id)
			removed++
		}
	}
	idle := max(d.window, time.Minute)
	for id, a := range d.activity {
		if now.Sub(a.lastSeen) > idle {
			delete(d.activity, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}
