package validator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/apikeys"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/validator"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHasher = hasher.Bcrypt{Cost: 4}

type fakeRepo struct {
	mu       sync.Mutex
	keys     []*models.APIKey
	err      error
	calls    int
	lastAsOf time.Time
}

func (r *fakeRepo) GetAPIKeysByPrefix(_ context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastAsOf = notExpiredAt
	if r.err != nil {
		return nil, r.err
	}
	var out []*models.APIKey
	for _, k := range r.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type brokenCache struct{ cache.Disabled }

func (brokenCache) GetByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, errors.New("cache down")
}

func (brokenCache) SetIfGeneration(context.Context, *models.APIKey, time.Duration, uint64) (bool, error) {
	return false, errors.New("cache down")
}

// countingHasher counts Verify calls made through it.
type countingHasher struct {
	hasher.Hasher
	mu       sync.Mutex
	verifies int
}

func (h *countingHasher) Verify(secret, digest string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.Hasher.Verify(secret, digest)
}

func (h *countingHasher) Verifies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

// blockingRepo holds its first lookup, after reading, until release is
// closed, so a mutation can commit while the result is in flight.
type blockingRepo struct {
	validator.Repository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingRepo(r validator.Repository) *blockingRepo {
	return &blockingRepo{Repository: r, entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *blockingRepo) GetAPIKeysByPrefix(ctx context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error) {
	keys, err := r.Repository.GetAPIKeysByPrefix(ctx, prefix, notExpiredAt)
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return keys, err
}

func newKey(t *testing.T, secret string) *models.APIKey {
	t.Helper()
	hash, err := testHasher.Hash(secret)
	require.NoError(t, err)
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      "validator key",
		KeyHash:   hash,
		KeyPrefix: secret[:12],
		State:     models.StateActive,
	}
}

func TestValidate_RepositoryThenCache(t *testing.T) {
	secret := "kg_abcdefghijklmnopqrstuvwxyz"
	k := newKey(t, secret)
	repo := &fakeRepo{keys: []*models.APIKey{k}}
	c := cache.NewMemoryCache()
	v := validator.New(repo, testHasher, validator.WithCache(c, time.Minute))
	ctx := context.Background()

	got, err := v.Validate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, 1, repo.Calls())

	got, err = v.Validate(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, 1, repo.Calls(), "second lookup is served by the cache")
}

func TestValidate_CacheHitStillVerifiesHash(t *testing.T) {
	secret := "kg_abcdefghijklmnopqrstuvwxyz"
	k := newKey(t, secret)
	repo := &fakeRepo{keys: []*models.APIKey{k}}
	c := cache.NewMemoryCache()
	require.NoError(t, c.Set(context.Background(), k, time.Minute))
	v := validator.New(repo, testHasher, validator.WithCache(c, time.Minute))

	// Same prefix, wrong remainder.
	_, err := v.Validate(context.Background(), "kg_abcdefghiWRONGWRONGWRONG")
	assert.ErrorIs(t, err, validator.ErrInvalidCredential)
}

func TestValidate_PrefixCollision(t *testing.T) {
	first := "kg_collisionAAAAAAAAAAAAAAAA"
	second := "kg_collisionBBBBBBBBBBBBBBBB"
	k1 := newKey(t, first)
	k2 := newKey(t, second)
	repo := &fakeRepo{keys: []*models.APIKey{k1, k2}}
	c := cache.NewMemoryCache()
	v := validator.New(repo, testHasher, validator.WithCache(c, time.Minute))
	ctx := context.Background()

	got, err := v.Validate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, k1.ID, got.ID)

	// Only k1 is cached; the second secret must fall through to the repository.
	got, err = v.Validate(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, k2.ID, got.ID)
	assert.Equal(t, 2, repo.Calls())
}

func TestValidate_UnknownSecret(t *testing.T) {
	v := validator.New(&fakeRepo{}, testHasher)
	_, err := v.Validate(context.Background(), "kg_doesnotexist000000000000")
	assert.ErrorIs(t, err, validator.ErrInvalidCredential)
}

func TestValidate_ShortOrEmptySecret(t *testing.T) {
	repo := &fakeRepo{}
	v := validator.New(repo, testHasher)
	for _, s := range []string{"", "kg_short"} {
		_, err := v.Validate(context.Background(), s)
		assert.ErrorIs(t, err, validator.ErrInvalidCredential)
	}
	assert.Equal(t, 0, repo.Calls())
}

func TestValidate_RepositoryFailure(t *testing.T) {
	dbErr := errors.New("connection refused")
	v := validator.New(&fakeRepo{err: dbErr}, testHasher)

	_, err := v.Validate(context.Background(), "kg_abcdefghijklmnopqrstuvwxyz")
	assert.ErrorIs(t, err, validator.ErrBackendUnavailable)
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, validator.ErrInvalidCredential)
}

func TestValidate_CacheFailureFailsOpen(t *testing.T) {
	secret := "kg_abcdefghijklmnopqrstuvwxyz"
	k := newKey(t, secret)
	v := validator.New(&fakeRepo{keys: []*models.APIKey{k}}, testHasher,
		validator.WithCache(brokenCache{}, time.Minute))

	got, err := v.Validate(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
}

func TestValidate_GracePeriodMovesLookupCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{}
	v := validator.New(repo, testHasher,
		validator.WithClock(func() time.Time { return now }),
		validator.WithGracePeriod(10*time.Minute))

	_, _ = v.Validate(context.Background(), "kg_abcdefghijklmnopqrstuvwxyz")
	assert.Equal(t, now.Add(-10*time.Minute), repo.lastAsOf)
}

func TestValidate_CustomPrefixLength(t *testing.T) {
	v := validator.New(&fakeRepo{}, testHasher, validator.WithPrefixLength(8))
	assert.Equal(t, "kg_abcde", v.Prefix("kg_abcdefghij"))
	assert.Equal(t, "", v.Prefix("kg_ab"))
}

func TestValidate_UnknownPrefixCostsOneVerify(t *testing.T) {
	secret := "kg_abcdefghijklmnopqrstuvwxyz"
	h := &countingHasher{Hasher: testHasher}
	v := validator.New(&fakeRepo{keys: []*models.APIKey{newKey(t, secret)}}, h)
	ctx := context.Background()

	_, err := v.Validate(ctx, "kg_abcdefghiWRONGWRONGWRONG")
	require.ErrorIs(t, err, validator.ErrInvalidCredential)
	known := h.Verifies()

	_, err = v.Validate(ctx, "kg_zzzzzzzzzWRONGWRONGWRONG")
	require.ErrorIs(t, err, validator.ErrInvalidCredential)
	assert.Equal(t, 1, known)
	assert.Equal(t, known, h.Verifies()-known, "unknown and known prefixes do the same hash work")
}

func TestValidate_MatchDoesNoExtraVerify(t *testing.T) {
	secret := "kg_abcdefghijklmnopqrstuvwxyz"
	h := &countingHasher{Hasher: testHasher}
	v := validator.New(&fakeRepo{keys: []*models.APIKey{newKey(t, secret)}}, h)

	_, err := v.Validate(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Verifies())
}

func TestValidate_RevokeDuringLookupIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backends := map[string]cache.KeyCache{
		"memory": cache.NewMemoryCache(),
		"redis":  cache.NewRedisCache(client, nil),
	}
	for name, c := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemoryStore()
			svc := apikeys.New(st, testHasher, apikeys.WithCache(c))
			created, err := svc.Create(ctx, apikeys.CreateParams{Name: "racy"})
			require.NoError(t, err)

			repo := newBlockingRepo(st)
			v := validator.New(repo, testHasher, validator.WithCache(c, time.Hour))

			type result struct {
				key *models.APIKey
				err error
			}
			inFlight := make(chan result, 1)
			go func() {
				k, err := v.Validate(ctx, created.Secret)
				inFlight <- result{k, err}
			}()

			<-repo.entered
			_, err = svc.Revoke(ctx, created.Key.ID, "leaked")
			require.NoError(t, err)
			close(repo.release)

			// The request that read before the revoke may still see the key.
			first := <-inFlight
			require.NoError(t, first.err)
			assert.Equal(t, created.Key.ID, first.key.ID)

			cached, err := c.GetByPrefix(ctx, created.Key.KeyPrefix)
			require.NoError(t, err)
			assert.Empty(t, cached, "a fill read before the revoke must not be stored after it")

			_, err = v.Validate(ctx, created.Secret)
			assert.ErrorIs(t, err, validator.ErrInvalidCredential)
		})
	}
}

func TestValidate_FillAfterRevokeCompletes(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	st := store.NewMemoryStore()
	svc := apikeys.New(st, testHasher, apikeys.WithCache(c))
	created, err := svc.Create(ctx, apikeys.CreateParams{Name: "steady"})
	require.NoError(t, err)

	other, err := svc.Create(ctx, apikeys.CreateParams{Name: "other"})
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, other.Key.ID, "rotated")
	require.NoError(t, err)

	// With no mutation in flight, the fill is stored as usual.
	v := validator.New(st, testHasher, validator.WithCache(c, time.Hour))
	_, err = v.Validate(ctx, created.Secret)
	require.NoError(t, err)
	_, found, err := c.Get(ctx, created.Key.ID)
	require.NoError(t, err)
	assert.True(t, found)
}
