package proxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/otagon/otagon/db"
	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// ErrUserNotFound is returned when no usage row matches.
var ErrUserNotFound = errors.New("user not found")

// UsageStore authenticates callers and tracks their monthly query counters.
type UsageStore interface {
	UserByToken(ctx context.Context, token string) (*ports.User, error)
	User(ctx context.Context, userID string) (*ports.User, error)
	// Increment charges one query of kind and returns the new counters.
	Increment(ctx context.Context, userID string, kind ports.RequestType) (ports.Usage, error)
}

// SQLUsageStore keeps users in the user_usage table.
type SQLUsageStore struct {
	db  *db.DB
	now func() time.Time
}

func NewSQLUsageStore(database *db.DB) *SQLUsageStore {
	return &SQLUsageStore{db: database, now: time.Now}
}

const selectUser = `SELECT user_id, tier, text_count, text_limit, image_count, image_limit FROM user_usage`

func (s *SQLUsageStore) UserByToken(ctx context.Context, token string) (*ports.User, error) {
	if token == "" {
		return nil, ErrUserNotFound
	}
	return s.scanUser(s.db.QueryRowContext(ctx, s.db.Rebind(selectUser+` WHERE auth_token = ?`), token))
}

func (s *SQLUsageStore) User(ctx context.Context, userID string) (*ports.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.db.Rebind(selectUser+` WHERE user_id = ?`), userID))
}

func (s *SQLUsageStore) scanUser(row *sql.Row) (*ports.User, error) {
	var (
		u    ports.User
		tier string
	)
	err := row.Scan(&u.ID, &tier, &u.Usage.TextCount, &u.Usage.TextLimit, &u.Usage.ImageCount, &u.Usage.ImageLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user usage: %w", err)
	}
	u.Tier = ports.Tier(tier)
	return &u, nil
}

func (s *SQLUsageStore) Increment(ctx context.Context, userID string, kind ports.RequestType) (ports.Usage, error) {
	column := "text_count"
	if kind == ports.RequestImage {
		column = "image_count"
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE user_usage SET `+column+` = `+column+` + 1, updated_at = ? WHERE user_id = ?`),
		s.now().UnixMilli(), userID,
	)
	if err != nil {
		return ports.Usage{}, fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.Usage{}, ErrUserNotFound
	}
	u, err := s.User(ctx, userID)
	if err != nil {
		return ports.Usage{}, err
	}
	return u.Usage, nil
}

// Upsert creates or updates a user with the limits of tier. Counters of an
// existing user are kept.
func (s *SQLUsageStore) Upsert(ctx context.Context, userID, token string, tier ports.Tier) error {
	limits, ok := ports.TierLimits[tier]
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_usage (user_id, auth_token, tier, text_limit, image_limit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_token = excluded.auth_token,
			tier = excluded.tier,
			text_limit = excluded.text_limit,
			image_limit = excluded.image_limit,
			updated_at = excluded.updated_at`),
		userID, token, string(tier), limits.Text, limits.Image, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", userID, err)
	}
	return nil
}

// ResetCounters zeroes every user's counters, for the monthly rollover.
func (s *SQLUsageStore) ResetCounters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE user_usage SET text_count = 0, image_count = 0, updated_at = ?`),
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ UsageStore = (*SQLUsageStore)(nil)
