package syncengine

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cristinecula/knowsync/internal/store"
)

// lockTTL bounds how long a held lock is trusted before it is considered
// stale even if the holder process is still alive (e.g. wedged on an
// external command).
const lockTTL = 10 * time.Minute

// Lock is the cross-process mutual-exclusion guard materialized as the
// singleton sync_lock row.
type Lock struct {
	store *store.Store
}

func NewLock(s *store.Store) *Lock { return &Lock{store: s} }

// TryAcquire succeeds if no row exists, the row already belongs to this
// process, the holder PID is not alive on the host, or the row has
// expired — self-healing a crashed or wedged holder without an external
// janitor process.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	pid := os.Getpid()
	now := time.Now().UTC()

	row, err := l.store.GetLock(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("try_acquire: %w", err)
	}

	if row != nil && row.HolderPID != pid && pidAlive(row.HolderPID) && now.Before(row.ExpiresAt) {
		return false, nil
	}

	if err := l.store.SetLock(ctx, nil, pid, now, now.Add(lockTTL)); err != nil {
		return false, fmt.Errorf("try_acquire: %w", err)
	}
	return true, nil
}

// Release deletes the lock row only if this process holds it, never a
// foreign holder's lock.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.ReleaseLock(ctx, nil, os.Getpid())
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// pidAlive reports whether pid names a live process on this host, the
// Unix equivalent of kill(pid, 0).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
