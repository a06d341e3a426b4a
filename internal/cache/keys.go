package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const keyspace = "keygate"

func RecordKey(id uuid.UUID) string {
	return recordKey(id.String())
}

func recordKey(id string) string {
	return fmt.Sprintf("%s:record:%s", keyspace, id)
}

func PrefixIndexKey(prefix string) string {
	return fmt.Sprintf("%s:prefix:%s", keyspace, prefix)
}

// GenerationKey holds the counter advanced by every invalidation.
func GenerationKey() string {
	return keyspace + ":cache:generation"
}

// CachePatterns match every record and prefix-index key, and nothing else.
func CachePatterns() []string {
	return []string{keyspace + ":record:*", keyspace + ":prefix:*"}
}

func RateLimitKey(identity string) string {
	return fmt.Sprintf("%s:ratelimit:%s", keyspace, identity)
}

func QuotaKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:quota:%s", keyspace, id)
}
