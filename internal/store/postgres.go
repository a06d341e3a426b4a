package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const apiKeyColumns = `id, name, key_hash, key_prefix, state, scopes, ip_allowlist, ip_denylist,
	rate_limit_max, rate_limit_window_ms, quota_max, quota_period, quota_used, quota_reset_at,
	tags, owner, environment, metadata, expires_at, last_used_at, revoked_at, revocation_reason,
	suspended_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var (
		k      models.APIKey
		state  string
		period string
	)
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &state, &k.Scopes, &k.IPAllowlist,
		&k.IPDenylist, &k.RateLimitMax, &k.RateLimitWindowMs, &k.QuotaMax, &period, &k.QuotaUsed,
		&k.QuotaResetAt, &k.Tags, &k.Owner, &k.Environment, &k.Metadata, &k.ExpiresAt, &k.LastUsedAt,
		&k.RevokedAt, &k.RevocationReason, &k.SuspendedAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.State = models.KeyState(state)
	k.QuotaPeriod = models.QuotaPeriod(period)
	return &k, nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		         $19, $20, $21, $22, $23, $24, $25)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(key.State), nonNil(key.Scopes),
		nonNil(key.IPAllowlist), nonNil(key.IPDenylist), key.RateLimitMax, key.RateLimitWindowMs,
		key.QuotaMax, string(key.QuotaPeriod), key.QuotaUsed, key.QuotaResetAt, nonNil(key.Tags),
		key.Owner, key.Environment, nonNilMap(key.Metadata), key.ExpiresAt, key.LastUsedAt,
		key.RevokedAt, key.RevocationReason, key.SuspendedAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) GetAPIKeysByPrefix(ctx context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_prefix = $1 AND state <> 'revoked' AND (expires_at IS NULL OR expires_at > $2)`,
		prefix, notExpiredAt)
	if err != nil {
		return nil, fmt.Errorf("get api keys by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, filter KeyFilter) ([]*models.APIKey, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	add := func(cond string, arg any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, arg)
		argIdx++
	}

	if filter.Owner != "" {
		add("owner = $%d", filter.Owner)
	}
	if filter.Environment != "" {
		add("environment = $%d", filter.Environment)
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if len(filter.Tags) > 0 {
		add("tags @> $%d::text[]", filter.Tags)
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at > $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}
	if !filter.ExpiresBefore.IsZero() {
		add("expires_at < $%d", filter.ExpiresBefore)
	}
	if filter.Active != nil {
		active := "(state = 'active' AND (expires_at IS NULL OR expires_at > NOW()))"
		if *filter.Active {
			conditions = append(conditions, active)
		} else {
			conditions = append(conditions, "NOT "+active)
		}
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM api_keys WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count api keys: %w", err)
	}

	limit, offset := filter.pagination()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM api_keys WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		apiKeyColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list api keys: %w", err)
	}
	keys, err := collectAPIKeys(rows)
	if err != nil {
		return nil, 0, err
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	return keys, total, nil
}

// updateLocked loads a key under a row lock, lets fn mutate it and writes back
// the mutable columns in the same transaction.
func (s *PostgresStore) updateLocked(ctx context.Context, id uuid.UUID, fn func(*models.APIKey) error) (*models.APIKey, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	k, err := scanAPIKey(tx.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock api key: %w", err)
	}

	if err := fn(k); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE api_keys SET name = $2, state = $3, ip_allowlist = $4, ip_denylist = $5,
		   rate_limit_max = $6, rate_limit_window_ms = $7, quota_max = $8, quota_period = $9,
		   tags = $10, expires_at = $11, revoked_at = $12, revocation_reason = $13,
		   suspended_at = $14, updated_at = $15
		 WHERE id = $1`,
		k.ID, k.Name, string(k.State), nonNil(k.IPAllowlist), nonNil(k.IPDenylist), k.RateLimitMax,
		k.RateLimitWindowMs, k.QuotaMax, string(k.QuotaPeriod), nonNil(k.Tags), k.ExpiresAt,
		k.RevokedAt, k.RevocationReason, k.SuspendedAt, k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update api key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit api key update: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) TransitionAPIKey(ctx context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error) {
	return s.updateLocked(ctx, id, func(k *models.APIKey) error {
		_, err := k.Apply(t, time.Now(), reason)
		return err
	})
}

func (s *PostgresStore) UpdateAPIKeyPolicy(ctx context.Context, id uuid.UUID, update PolicyUpdate) (*models.APIKey, error) {
	return s.updateLocked(ctx, id, func(k *models.APIKey) error {
		update.apply(k, time.Now())
		return nil
	})
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2, updated_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementQuotaUsage folds the period reset and the ceiling check into one
// statement, so concurrent writers cannot push usage past limit.
func (s *PostgresStore) IncrementQuotaUsage(ctx context.Context, id uuid.UUID, limit int64, asOf, nextReset time.Time) (QuotaUsage, error) {
	var (
		used    int64
		resetAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE api_keys SET
		   quota_used = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= $2::timestamptz
		                     THEN 1 ELSE quota_used + 1 END,
		   quota_reset_at = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= $2::timestamptz
		                         THEN $3::timestamptz ELSE quota_reset_at END,
		   updated_at = NOW()
		 WHERE id = $1 AND ($4::bigint <= 0 OR
		   CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= $2::timestamptz
		        THEN 0 ELSE quota_used END < $4::bigint)
		 RETURNING quota_used, quota_reset_at`,
		id, asOf.UTC(), nextReset.UTC(), limit,
	).Scan(&used, &resetAt)
	if err == nil {
		return QuotaUsage{Used: used, ResetAt: deref(resetAt), Applied: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return QuotaUsage{}, fmt.Errorf("increment quota usage: %w", err)
	}

	usage, err := s.quotaUsage(ctx, id)
	if err != nil {
		return QuotaUsage{}, err
	}
	return usage, nil
}

func (s *PostgresStore) ResetQuotaUsage(ctx context.Context, id uuid.UUID, asOf, nextReset time.Time) (QuotaUsage, error) {
	var (
		used    int64
		resetAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE api_keys SET quota_used = 0, quota_reset_at = $3, updated_at = NOW()
		 WHERE id = $1 AND (quota_reset_at IS NULL OR quota_reset_at <= $2)
		 RETURNING quota_used, quota_reset_at`,
		id, asOf.UTC(), nextReset.UTC(),
	).Scan(&used, &resetAt)
	if err == nil {
		return QuotaUsage{Used: used, ResetAt: deref(resetAt), Applied: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return QuotaUsage{}, fmt.Errorf("reset quota usage: %w", err)
	}
	return s.quotaUsage(ctx, id)
}

func (s *PostgresStore) quotaUsage(ctx context.Context, id uuid.UUID) (QuotaUsage, error) {
	var (
		used    int64
		resetAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT quota_used, quota_reset_at FROM api_keys WHERE id = $1`, id,
	).Scan(&used, &resetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return QuotaUsage{}, ErrNotFound
	}
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("get quota usage: %w", err)
	}
	return QuotaUsage{Used: used, ResetAt: deref(resetAt)}, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
