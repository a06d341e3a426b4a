package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/breaker"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// cachedRecord is the wire form of a snapshot. KeyHash is excluded from the
// model's JSON, so it travels alongside.
type cachedRecord struct {
	Key  *models.APIKey `json:"key"`
	Hash string         `json:"hash"`
}

// fillScript writes a record and its index entry only while the generation
// counter still holds ARGV[3]. KEYS: record, prefix index, generation.
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[3]) or '0'
if current ~= ARGV[3] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// RedisCache implements KeyCache on a shared redis. Records live under
// RecordKey; each prefix has a SET of ids under PrefixIndexKey. Every call
// goes through a circuit breaker, and errors are returned so the caller can
// fall back to the repository.
type RedisCache struct {
	client  redis.UniversalClient
	breaker *breaker.Breaker

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a RedisCache on an existing client.
func NewRedisCache(client redis.UniversalClient, b *breaker.Breaker) *RedisCache {
	if b == nil {
		b = breaker.New("redis-key-cache", breaker.DefaultSettings())
	}
	return &RedisCache{client: client, breaker: b}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, bool, error) {
	var raw []byte
	err := c.breaker.Do(func() error {
		var err error
		raw, err = c.client.Get(ctx, RecordKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}

	key, err := decodeRecord(raw)
	if err != nil {
		c.misses.Add(1)
		return nil, false, err
	}
	c.hits.Add(1)
	return key, true, nil
}

func (c *RedisCache) GetByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var ids []string
	var values []any
	err := c.breaker.Do(func() error {
		var err error
		ids, err = c.client.SMembers(ctx, PrefixIndexKey(prefix)).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		recordKeys := make([]string, len(ids))
		for i, id := range ids {
			recordKeys[i] = recordKey(id)
		}
		values, err = c.client.MGet(ctx, recordKeys...).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis cache get by prefix: %w", err)
	}

	var out []*models.APIKey
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		key, err := decodeRecord([]byte(s))
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, key)
	}
	if len(stale) > 0 {
		// Expired members are pruned lazily; failure here only delays it.
		_ = c.breaker.Do(func() error {
			return c.client.SRem(ctx, PrefixIndexKey(prefix), stale...).Err()
		})
	}

	if len(out) == 0 {
		c.misses.Add(1)
	} else {
		c.hits.Add(1)
	}
	return out, nil
}

func (c *RedisCache) Set(ctx context.Context, key *models.APIKey, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(cachedRecord{Key: key, Hash: key.KeyHash})
	if err != nil {
		return fmt.Errorf("encode cached record: %w", err)
	}

	err = c.breaker.Do(func() error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, RecordKey(key.ID), raw, ttl)
			pipe.SAdd(ctx, PrefixIndexKey(key.KeyPrefix), key.ID.String())
			pipe.PExpire(ctx, PrefixIndexKey(key.KeyPrefix), ttl)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := c.breaker.Do(func() error {
		n, err := c.client.Get(ctx, GenerationKey()).Uint64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		gen = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis cache generation: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) SetIfGeneration(ctx context.Context, key *models.APIKey, ttl time.Duration, gen uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	raw, err := json.Marshal(cachedRecord{Key: key, Hash: key.KeyHash})
	if err != nil {
		return false, fmt.Errorf("encode cached record: %w", err)
	}

	var stored int64
	err = c.breaker.Do(func() error {
		var err error
		stored, err = fillScript.Run(ctx, c.client,
			[]string{RecordKey(key.ID), PrefixIndexKey(key.KeyPrefix), GenerationKey()},
			raw, ttl.Milliseconds(), strconv.FormatUint(gen, 10), key.ID.String(),
		).Int64()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis cache set: %w", err)
	}
	return stored == 1, nil
}

// Invalidate advances the generation and drops the record in one
// transaction, so an in-flight fill for any id is refused afterwards.
func (c *RedisCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	err := c.breaker.Do(func() error {
		raw, err := c.client.Get(ctx, RecordKey(id)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var prefix string
		if err == nil {
			if key, decodeErr := decodeRecord(raw); decodeErr == nil {
				prefix = key.KeyPrefix
			}
		}

		_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, GenerationKey())
			pipe.Del(ctx, RecordKey(id))
			if prefix != "" {
				pipe.SRem(ctx, PrefixIndexKey(prefix), id.String())
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis cache invalidate: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	err := c.breaker.Do(func() error {
		if err := c.client.Incr(ctx, GenerationKey()).Err(); err != nil {
			return err
		}
		for _, pattern := range CachePatterns() {
			iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
			var batch []string
			for iter.Next(ctx) {
				batch = append(batch, iter.Val())
				if len(batch) == 200 {
					if err := c.client.Del(ctx, batch...).Err(); err != nil {
						return err
					}
					batch = batch[:0]
				}
			}
			if err := iter.Err(); err != nil {
				return err
			}
			if len(batch) > 0 {
				if err := c.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache clear: %w", err)
	}
	return nil
}

// Stats counts record keys with SCAN. Size is -1 if redis is unreachable.
func (c *RedisCache) Stats(ctx context.Context) Stats {
	size := 0
	err := c.breaker.Do(func() error {
		iter := c.client.Scan(ctx, 0, CachePatterns()[0], 200).Iterator()
		for iter.Next(ctx) {
			size++
		}
		return iter.Err()
	})
	if err != nil {
		size = -1
	}
	return Stats{
		Backend: "redis",
		Size:    size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func decodeRecord(raw []byte) (*models.APIKey, error) {
	var rec cachedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode cached record: %w", err)
	}
	if rec.Key == nil {
		return nil, errors.New("decode cached record: empty record")
	}
	rec.Key.KeyHash = rec.Hash
	return rec.Key, nil
}

var _ KeyCache = (*RedisCache)(nil)
