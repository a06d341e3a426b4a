package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. Records are cloned on the
// way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*models.APIKey
	now  func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock used for updated_at and transitions.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{keys: make(map[uuid.UUID]*models.APIKey), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.ID]; exists {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	s.keys[key.ID] = key.Clone()
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}

func (s *MemoryStore) GetAPIKeysByPrefix(_ context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix != prefix || k.State == models.StateRevoked {
			continue
		}
		if k.ExpiresAt != nil && !k.ExpiresAt.After(notExpiredAt) {
			continue
		}
		out = append(out, k.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, f KeyFilter) ([]*models.APIKey, int, error) {
	now := s.now()
	s.mu.RLock()
	var matched []*models.APIKey
	for _, k := range s.keys {
		if matches(k, f, now) {
			matched = append(matched, k.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit, offset := f.pagination()
	if offset >= total {
		return []*models.APIKey{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func matches(k *models.APIKey, f KeyFilter, now time.Time) bool {
	if f.Owner != "" && k.Owner != f.Owner {
		return false
	}
	if f.Environment != "" && k.Environment != f.Environment {
		return false
	}
	if f.State != "" && k.State != f.State {
		return false
	}
	if f.Active != nil {
		active := k.State == models.StateActive && !k.ExpiredAt(now)
		if active != *f.Active {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && !k.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !k.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && (k.ExpiresAt == nil || !k.ExpiresAt.Before(f.ExpiresBefore)) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range k.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) TransitionAPIKey(_ context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := k.Clone()
	if _, err := next.Apply(t, s.now(), reason); err != nil {
		return nil, err
	}
	s.keys[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) UpdateAPIKeyPolicy(_ context.Context, id uuid.UUID, update PolicyUpdate) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	update.apply(k, s.now())
	return k.Clone(), nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	k.LastUsedAt = &t
	k.UpdatedAt = t
	return nil
}

func (s *MemoryStore) IncrementQuotaUsage(_ context.Context, id uuid.UUID, limit int64, asOf, nextReset time.Time) (QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return QuotaUsage{}, ErrNotFound
	}
	if resetDue(k.QuotaResetAt, asOf) {
		t := nextReset.UTC()
		k.QuotaUsed = 0
		k.QuotaResetAt = &t
	}
	if limit > 0 && k.QuotaUsed >= limit {
		return QuotaUsage{Used: k.QuotaUsed, ResetAt: *k.QuotaResetAt, Applied: false}, nil
	}
	k.QuotaUsed++
	k.UpdatedAt = s.now().UTC()
	return QuotaUsage{Used: k.QuotaUsed, ResetAt: *k.QuotaResetAt, Applied: true}, nil
}

func (s *MemoryStore) ResetQuotaUsage(_ context.Context, id uuid.UUID, asOf, nextReset time.Time) (QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return QuotaUsage{}, ErrNotFound
	}
	if !resetDue(k.QuotaResetAt, asOf) {
		return QuotaUsage{Used: k.QuotaUsed, ResetAt: *k.QuotaResetAt, Applied: false}, nil
	}
	t := nextReset.UTC()
	k.QuotaUsed = 0
	k.QuotaResetAt = &t
	k.UpdatedAt = s.now().UTC()
	return QuotaUsage{Used: 0, ResetAt: t, Applied: true}, nil
}

func resetDue(resetAt *time.Time, asOf time.Time) bool {
	return resetAt == nil || !asOf.Before(*resetAt)
}

var _ Store = (*MemoryStore)(nil)
