package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LockName is the lock_name of the singleton sync lock row.
const LockName = "sync"

// LockRow is the current state of the sync lock, if any row exists.
type LockRow struct {
	HolderPID  int
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// GetLock returns the current lock row, or (nil, nil) if no row exists.
func (s *Store) GetLock(ctx context.Context, tx *sql.Tx) (*LockRow, error) {
	row := s.q(tx).QueryRowContext(ctx, `SELECT holder_pid, acquired_at, expires_at FROM sync_lock WHERE lock_name = ?`, LockName)
	var l LockRow
	var acquired, expires string
	if err := row.Scan(&l.HolderPID, &acquired, &expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get_lock: %w", err)
	}
	var err error
	if l.AcquiredAt, err = time.Parse(time.RFC3339Nano, acquired); err != nil {
		return nil, fmt.Errorf("get_lock: parse acquired_at: %w", err)
	}
	if l.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return nil, fmt.Errorf("get_lock: parse expires_at: %w", err)
	}
	return &l, nil
}

// SetLock overwrites the lock row unconditionally — callers must have
// already verified it is safe to do so (no holder, stale holder PID, or
// expired TTL).
func (s *Store) SetLock(ctx context.Context, tx *sql.Tx, holderPID int, acquiredAt, expiresAt time.Time) error {
	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO sync_lock (lock_name, holder_pid, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lock_name) DO UPDATE SET
			holder_pid=excluded.holder_pid, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
	`, LockName, holderPID, acquiredAt.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set_lock: %w", err)
	}
	return nil
}

// ReleaseLock deletes the lock row only if holder_pid matches holderPID,
// so it never deletes a foreign holder's lock. Returns whether a row
// was deleted.
func (s *Store) ReleaseLock(ctx context.Context, tx *sql.Tx, holderPID int) (bool, error) {
	res, err := s.q(tx).ExecContext(ctx, `DELETE FROM sync_lock WHERE lock_name = ? AND holder_pid = ?`, LockName, holderPID)
	if err != nil {
		return false, fmt.Errorf("release_lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release_lock: %w", err)
	}
	return n > 0, nil
}
