package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// AcquireLock takes the named lock for ttl when it is free or expired.
// Returns false without error when another holder is still live.
func (c *Client) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`INSERT INTO system_locks (key, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		 WHERE system_locks.expires_at < ?`,
		key, token, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("AcquireLock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock frees the named lock when token still owns it.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	res, err := storage.Querier(ctx, c.db).ExecContext(ctx,
		`DELETE FROM system_locks WHERE key = ? AND token = ?`, key, token)
	if err != nil {
		return false, fmt.Errorf("ReleaseLock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
