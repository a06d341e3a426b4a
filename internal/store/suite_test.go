package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(prefix string, mutate ...func(*models.APIKey)) *models.APIKey {
	now := time.Now().UTC().Truncate(time.Microsecond)
	k := &models.APIKey{
		ID:        uuid.New(),
		Name:      "test key",
		KeyHash:   "hash-" + uuid.NewString(),
		KeyPrefix: prefix,
		State:     models.StateActive,
		Scopes:    []string{"read"},
		Tags:      []string{},
		Metadata:  map[string]string{"team": "core"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range mutate {
		m(k)
	}
	return k
}

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_abcdefghi", func(k *models.APIKey) {
			k.IPAllowlist = []string{"10.0.0.0/8"}
			k.RateLimitMax = 10
			k.RateLimitWindowMs = 60000
		})
		require.NoError(t, s.CreateAPIKey(ctx, k))

		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, k.ID, got.ID)
		assert.Equal(t, k.KeyHash, got.KeyHash)
		assert.Equal(t, models.StateActive, got.State)
		assert.Equal(t, []string{"10.0.0.0/8"}, got.IPAllowlist)
		assert.Equal(t, 10, got.RateLimitMax)
		assert.Equal(t, "core", got.Metadata["team"])
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAPIKey(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DuplicateHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_dupdupdup")
		require.NoError(t, s.CreateAPIKey(ctx, k))

		dup := newKey("kg_dupdupdup", func(d *models.APIKey) { d.KeyHash = k.KeyHash })
		assert.ErrorIs(t, s.CreateAPIKey(ctx, dup), store.ErrDuplicateKey)
	})

	t.Run("GetByPrefixExcludesRevokedAndExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		live := newKey("kg_prefix001")
		expiring := newKey("kg_prefix001", func(k *models.APIKey) { k.ExpiresAt = &future })
		expired := newKey("kg_prefix001", func(k *models.APIKey) { k.ExpiresAt = &past })
		revoked := newKey("kg_prefix001", func(k *models.APIKey) {
			k.State = models.StateRevoked
			k.RevokedAt = &past
		})
		other := newKey("kg_prefix002")
		for _, k := range []*models.APIKey{live, expiring, expired, revoked, other} {
			require.NoError(t, s.CreateAPIKey(ctx, k))
		}

		keys, err := s.GetAPIKeysByPrefix(ctx, "kg_prefix001", now)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{live.ID, expiring.ID}, ids(keys))

		// A grace period moves asOf back, keeping recently expired keys.
		keys, err = s.GetAPIKeysByPrefix(ctx, "kg_prefix001", now.Add(-2*time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{live.ID, expiring.ID, expired.ID}, ids(keys))
	})

	t.Run("ListWithFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
		a := newKey("kg_list00001", func(k *models.APIKey) {
			k.Owner = "alice"
			k.Tags = []string{"prod", "billing"}
			k.CreatedAt = base
		})
		b := newKey("kg_list00002", func(k *models.APIKey) {
			k.Owner = "bob"
			k.Tags = []string{"prod"}
			k.State = models.StateSuspended
			k.SuspendedAt = &base
			k.CreatedAt = base.Add(time.Minute)
		})
		c := newKey("kg_list00003", func(k *models.APIKey) {
			k.Owner = "alice"
			k.Environment = "staging"
			k.CreatedAt = base.Add(2 * time.Minute)
		})
		for _, k := range []*models.APIKey{a, b, c} {
			require.NoError(t, s.CreateAPIKey(ctx, k))
		}

		all, total, err := s.ListAPIKeys(ctx, store.KeyFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID}, ids(all), "newest first")

		byOwner, total, err := s.ListAPIKeys(ctx, store.KeyFilter{Owner: "alice"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, ids(byOwner))

		byTags, _, err := s.ListAPIKeys(ctx, store.KeyFilter{Tags: []string{"prod", "billing"}})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, ids(byTags))

		active := true
		activeKeys, _, err := s.ListAPIKeys(ctx, store.KeyFilter{Active: &active})
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{a.ID, c.ID}, ids(activeKeys))

		page, total, err := s.ListAPIKeys(ctx, store.KeyFilter{Page: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []uuid.UUID{a.ID}, ids(page))

		staging, _, err := s.ListAPIKeys(ctx, store.KeyFilter{Environment: "staging"})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{c.ID}, ids(staging))
	})

	t.Run("TransitionLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_lifecycle", func(k *models.APIKey) { k.State = models.StatePending })
		require.NoError(t, s.CreateAPIKey(ctx, k))

		got, err := s.TransitionAPIKey(ctx, k.ID, models.TransitionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, models.StateActive, got.State)

		got, err = s.TransitionAPIKey(ctx, k.ID, models.TransitionSuspend, "")
		require.NoError(t, err)
		assert.Equal(t, models.StateSuspended, got.State)
		assert.NotNil(t, got.SuspendedAt)

		got, err = s.TransitionAPIKey(ctx, k.ID, models.TransitionRevoke, "leaked")
		require.NoError(t, err)
		assert.Equal(t, models.StateRevoked, got.State)
		assert.Equal(t, "leaked", got.RevocationReason)
		assert.Nil(t, got.SuspendedAt)
		require.NotNil(t, got.RevokedAt)

		// Retrying an applied transition succeeds and keeps the first timestamp.
		again, err := s.TransitionAPIKey(ctx, k.ID, models.TransitionRevoke, "leaked")
		require.NoError(t, err)
		assert.True(t, got.RevokedAt.Equal(*again.RevokedAt))

		_, err = s.TransitionAPIKey(ctx, k.ID, models.TransitionSuspend, "")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		stored, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateRevoked, stored.State)

		restored, err := s.TransitionAPIKey(ctx, k.ID, models.TransitionRestore, "")
		require.NoError(t, err)
		assert.Equal(t, models.StateActive, restored.State)
		assert.Nil(t, restored.RevokedAt)
		assert.Empty(t, restored.RevocationReason)
	})

	t.Run("TransitionNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.TransitionAPIKey(context.Background(), uuid.New(), models.TransitionRevoke, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdatePolicy", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		expiry := time.Now().Add(24 * time.Hour)
		k := newKey("kg_policy001", func(k *models.APIKey) { k.ExpiresAt = &expiry })
		require.NoError(t, s.CreateAPIKey(ctx, k))

		deny := []string{"192.168.1.1"}
		limit := 50
		quota := int64(1000)
		period := models.QuotaDaily
		got, err := s.UpdateAPIKeyPolicy(ctx, k.ID, store.PolicyUpdate{
			IPDenylist:   &deny,
			RateLimitMax: &limit,
			QuotaMax:     &quota,
			QuotaPeriod:  &period,
			ClearExpiry:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, deny, got.IPDenylist)
		assert.Equal(t, 50, got.RateLimitMax)
		assert.Equal(t, int64(1000), got.QuotaMax)
		assert.Equal(t, models.QuotaDaily, got.QuotaPeriod)
		assert.Nil(t, got.ExpiresAt)
		assert.Equal(t, "test key", got.Name, "untouched fields are kept")

		stored, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, deny, stored.IPDenylist)
	})

	t.Run("UpdateLastUsed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_lastused1")
		require.NoError(t, s.CreateAPIKey(ctx, k))

		at := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, k.ID, at))

		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, got.LastUsedAt.Equal(at))

		assert.ErrorIs(t, s.UpdateAPIKeyLastUsed(ctx, uuid.New(), at), store.ErrNotFound)
	})

	t.Run("IncrementQuotaWithCeiling", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_quota0001")
		require.NoError(t, s.CreateAPIKey(ctx, k))

		now := time.Now().UTC().Truncate(time.Microsecond)
		next := now.Add(time.Hour)

		for i := int64(1); i <= 3; i++ {
			u, err := s.IncrementQuotaUsage(ctx, k.ID, 3, now, next)
			require.NoError(t, err)
			assert.True(t, u.Applied)
			assert.Equal(t, i, u.Used)
			assert.True(t, u.ResetAt.Equal(next))
		}

		u, err := s.IncrementQuotaUsage(ctx, k.ID, 3, now, next)
		require.NoError(t, err)
		assert.False(t, u.Applied)
		assert.Equal(t, int64(3), u.Used)

		// No ceiling.
		u, err = s.IncrementQuotaUsage(ctx, k.ID, 0, now, next)
		require.NoError(t, err)
		assert.True(t, u.Applied)
		assert.Equal(t, int64(4), u.Used)

		_, err = s.IncrementQuotaUsage(ctx, uuid.New(), 3, now, next)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("IncrementQuotaResetsElapsedPeriod", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
		k := newKey("kg_quota0002", func(k *models.APIKey) {
			k.QuotaUsed = 100
			k.QuotaResetAt = &past
		})
		require.NoError(t, s.CreateAPIKey(ctx, k))

		now := time.Now().UTC().Truncate(time.Microsecond)
		next := now.Add(24 * time.Hour)
		u, err := s.IncrementQuotaUsage(ctx, k.ID, 100, now, next)
		require.NoError(t, err)
		assert.True(t, u.Applied)
		assert.Equal(t, int64(1), u.Used)
		assert.True(t, u.ResetAt.Equal(next))
	})

	t.Run("ResetQuotaIsConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		future := now.Add(time.Hour)
		k := newKey("kg_quota0003", func(k *models.APIKey) {
			k.QuotaUsed = 7
			k.QuotaResetAt = &future
		})
		require.NoError(t, s.CreateAPIKey(ctx, k))

		u, err := s.ResetQuotaUsage(ctx, k.ID, now, now.Add(48*time.Hour))
		require.NoError(t, err)
		assert.False(t, u.Applied)
		assert.Equal(t, int64(7), u.Used)
		assert.True(t, u.ResetAt.Equal(future))

		later := future.Add(time.Second)
		next := later.Add(24 * time.Hour)
		u, err = s.ResetQuotaUsage(ctx, k.ID, later, next)
		require.NoError(t, err)
		assert.True(t, u.Applied)
		assert.Equal(t, int64(0), u.Used)

		// A second reset for the same boundary is a no-op.
		u, err = s.ResetQuotaUsage(ctx, k.ID, later, next.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, u.Applied)
		assert.True(t, u.ResetAt.Equal(next))
	})

	t.Run("ConcurrentIncrementNeverExceedsCeiling", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := newKey("kg_quota0004")
		require.NoError(t, s.CreateAPIKey(ctx, k))

		now := time.Now().UTC()
		next := now.Add(time.Hour)
		const limit = 10
		var applied atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u, err := s.IncrementQuotaUsage(ctx, k.ID, limit, now, next)
				if err == nil && u.Applied {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), applied.Load())
		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(limit), got.QuotaUsed)
	})
}

func ids(keys []*models.APIKey) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ID)
	}
	return out
}
