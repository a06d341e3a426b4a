package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// KeyCache memoizes validated key records, indexed by id and by lookup
// prefix. Implementations must be safe for concurrent use.
type KeyCache interface {
	Get(ctx context.Context, id uuid.UUID) (*models.APIKey, bool, error)
	GetByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	Set(ctx context.Context, key *models.APIKey, ttl time.Duration) error
	// Generation returns a counter advanced by every Invalidate and Clear.
	Generation(ctx context.Context) (uint64, error)
	// SetIfGeneration stores key only while the generation still equals gen,
	// so a fill read before an invalidation never lands after it.
	SetIfGeneration(ctx context.Context, key *models.APIKey, ttl time.Duration, gen uint64) (bool, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Backend string `json:"backend"`
	Size    int    `json:"size"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

// Disabled is the KeyCache used when caching is turned off. It always misses.
type Disabled struct{}

func (Disabled) Get(context.Context, uuid.UUID) (*models.APIKey, bool, error) { return nil, false, nil }
func (Disabled) GetByPrefix(context.Context, string) ([]*models.APIKey, error) { return nil, nil }
func (Disabled) Set(context.Context, *models.APIKey, time.Duration) error      { return nil }
func (Disabled) Generation(context.Context) (uint64, error)                    { return 0, nil }
func (Disabled) SetIfGeneration(context.Context, *models.APIKey, time.Duration, uint64) (bool, error) {
	return false, nil
}
func (Disabled) Invalidate(context.Context, uuid.UUID) error                   { return nil }
func (Disabled) Clear(context.Context) error                                   { return nil }
func (Disabled) Stats(context.Context) Stats                                   { return Stats{Backend: "disabled"} }

var _ KeyCache = Disabled{}

// Connect creates a redis client from a Redis URL and verifies it responds.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
