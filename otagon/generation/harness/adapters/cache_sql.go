package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/db"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// SQLResponseCache stores responses in the ai_responses table. Times are
// unix milliseconds.
type SQLResponseCache struct {
	db  *db.DB
	now func() time.Time
}

func NewSQLResponseCache(database *db.DB) *SQLResponseCache {
	return &SQLResponseCache{db: database, now: time.Now}
}

// Get returns a live entry. Expired rows are misses and are left for
// CleanupExpired.
func (c *SQLResponseCache) Get(ctx context.Context, key string) (ports.CacheEntry, bool, error) {
	query := c.db.Rebind(`
		SELECT response_data, game_title, cache_type, conversation_id, model_used, tokens_used, expires_at, created_at
		FROM ai_responses
		WHERE cache_key = ? AND expires_at > ?
	`)

	var (
		data                 string
		entry                ports.CacheEntry
		cacheType            string
		expiresAt, createdAt int64
	)
	err := c.db.QueryRowContext(ctx, query, key, c.now().UnixMilli()).Scan(
		&data, &entry.GameTitle, &cacheType, &entry.ConversationID, &entry.Model, &entry.TokensUsed, &expiresAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.CacheEntry{}, false, nil
	}
	if err != nil {
		return ports.CacheEntry{}, false, fmt.Errorf("failed to query cached response: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &entry.Response); err != nil {
		return ports.CacheEntry{}, false, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	entry.Key = key
	entry.CacheType = ports.CacheType(cacheType)
	entry.ExpiresAt = time.UnixMilli(expiresAt)
	entry.CreatedAt = time.UnixMilli(createdAt)
	return entry, true, nil
}

// Put upserts entry by key.
func (c *SQLResponseCache) Put(ctx context.Context, entry ports.CacheEntry) error {
	data, err := json.Marshal(entry.Response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}

	query := c.db.Rebind(`
		INSERT INTO ai_responses (cache_key, response_data, game_title, cache_type, conversation_id, model_used, tokens_used, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			response_data = excluded.response_data,
			game_title = excluded.game_title,
			cache_type = excluded.cache_type,
			conversation_id = excluded.conversation_id,
			model_used = excluded.model_used,
			tokens_used = excluded.tokens_used,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`)
	_, err = c.db.ExecContext(ctx, query,
		entry.Key, string(data), entry.GameTitle, string(entry.CacheType), entry.ConversationID,
		entry.Model, entry.TokensUsed, entry.ExpiresAt.UnixMilli(), createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

// CleanupExpired deletes expired rows and returns how many were removed.
func (c *SQLResponseCache) CleanupExpired(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM ai_responses WHERE expires_at <= ?`), c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired responses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted responses: %w", err)
	}
	return int(n), nil
}

// Stats counts live rows per cache type. TokensSaved is the sum of tokens
// the cached responses originally cost.
func (c *SQLResponseCache) Stats(ctx context.Context) (ports.CacheStats, error) {
	query := c.db.Rebind(`
		SELECT cache_type, COUNT(*), COALESCE(SUM(tokens_used), 0)
		FROM ai_responses
		WHERE expires_at > ?
		GROUP BY cache_type
	`)
	rows, err := c.db.QueryContext(ctx, query, c.now().UnixMilli())
	if err != nil {
		return ports.CacheStats{}, fmt.Errorf("failed to query cache stats: %w", err)
	}
	defer rows.Close()

	stats := ports.CacheStats{ByType: make(map[ports.CacheType]int)}
	for rows.Next() {
		var (
			cacheType     string
			count, tokens int
		)
		if err := rows.Scan(&cacheType, &count, &tokens); err != nil {
			return ports.CacheStats{}, fmt.Errorf("failed to scan cache stats: %w", err)
		}
		stats.ByType[ports.CacheType(cacheType)] = count
		stats.Total += count
		stats.TokensSaved += tokens
	}
	if err := rows.Err(); err != nil {
		return ports.CacheStats{}, fmt.Errorf("error iterating cache stats: %w", err)
	}
	return stats, nil
}

// InvalidateGame removes the game_specific entries for gameTitle. Global and
// user entries that mention the game are kept.
func (c *SQLResponseCache) InvalidateGame(ctx context.Context, gameTitle string) (int, error) {
	res, err := c.db.ExecContext(ctx,
		c.db.Rebind(`DELETE FROM ai_responses WHERE cache_type = ? AND game_title = ?`),
		string(ports.CacheGameSpecific), gameTitle,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate game %q: %w", gameTitle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated responses: %w", err)
	}
	return int(n), nil
}

var _ ports.ResponseCache = (*SQLResponseCache)(nil)
