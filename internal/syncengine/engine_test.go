package syncengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/store"
	"github.com/cristinecula/knowsync/internal/vcs"
	"github.com/cristinecula/knowsync/internal/writethrough"
)

// fakeDriver is a no-op vcs.Driver: commits always "succeed" without
// touching disk, so tests can exercise push/pull against plain
// repofs-managed directories without a real git repository.
type fakeDriver struct {
	commits int
}

func (f *fakeDriver) Init(dir string) error                           { return nil }
func (f *fakeDriver) Clone(ctx context.Context, url, dir string) error { return nil }
func (f *fakeDriver) IsVCRoot(dir string) bool                        { return true }
func (f *fakeDriver) CommitAll(dir, message string) (bool, error) {
	f.commits++
	return true, nil
}
func (f *fakeDriver) Pull(ctx context.Context, dir string) error { return nil }
func (f *fakeDriver) Push(ctx context.Context, dir string) error { return nil }
func (f *fakeDriver) FileLog(dir, relPath string, limit int) ([]vcs.LogEntry, error) {
	return nil, nil
}
func (f *fakeDriver) ShowFile(dir, revision, relPath string) ([]byte, error) { return nil, nil }

func newTestEngine(t *testing.T, repoPath string) *Engine {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	repos := []record.SyncRepo{{Name: "main", Path: repoPath}}
	return NewEngine(s, &fakeDriver{}, repos, writethrough.NewTouchedRepos(), nil)
}

func TestLockSelfHealsStalePID(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	lock := NewLock(s)
	// A PID that is extremely unlikely to be alive on the test host.
	const stalePID = 1 << 30
	now := time.Now().UTC()
	if err := s.SetLock(ctx, nil, stalePID, now, now.Add(lockTTL)); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try_acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected self-heal over a stale pid, got contention")
	}
}

func TestLockContendedAgainstLiveForeignHolder(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	// A real child process gives us a genuinely live, foreign PID without
	// depending on this test's own pid.
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child process: %v", err)
	}
	defer cmd.Process.Kill()

	lock := NewLock(s)
	now := time.Now().UTC()
	if err := s.SetLock(ctx, nil, cmd.Process.Pid, now, now.Add(lockTTL)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try_acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected contention against a live foreign holder")
	}
}

func TestLockReacquireBySameHolderSucceeds(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	lock := NewLock(s)
	now := time.Now().UTC()
	if err := s.SetLock(ctx, nil, os.Getpid(), now, now.Add(lockTTL)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try_acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected re-acquire by the same pid to succeed")
	}
}

func TestLockExpiredTTLSelfHeals(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	lock := NewLock(s)
	past := time.Now().UTC().Add(-lockTTL * 2)
	if err := s.SetLock(ctx, nil, os.Getpid()+1, past, past.Add(time.Minute)); err != nil {
		t.Fatalf("seed expired lock: %v", err)
	}

	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try_acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected self-heal over an expired lock")
	}
}

func TestReleaseOnlyDropsOwnLock(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	lock := NewLock(s)
	now := time.Now().UTC()
	if err := s.SetLock(ctx, nil, os.Getpid()+1, now, now.Add(lockTTL)); err != nil {
		t.Fatalf("seed foreign lock: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	row, err := s.GetLock(ctx, nil)
	if err != nil {
		t.Fatalf("get_lock: %v", err)
	}
	if row == nil {
		t.Fatal("expected foreign lock to survive release by a different pid")
	}
}

func TestRunPassPushThenPullConvergesAcrossAgents(t *testing.T) {
	ctx := context.Background()
	repoPath := filepath.Join(t.TempDir(), "repo")

	agentA := newTestEngine(t, repoPath)
	now := time.Now().UTC().Format(time.RFC3339)
	entry := &record.Entry{
		ID:               record.NewID(),
		Type:             record.EntryFact,
		Title:            "connection pool size",
		Content:          "the default pool size is 10 connections",
		Scope:            record.ScopeCompany,
		Source:           "test",
		Status:           record.StatusActive,
		CreatedAt:        now,
		Version:          1,
		ContentUpdatedAt: now,
	}
	if err := agentA.Store.Insert(ctx, nil, entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if _, err := agentA.RunPass(ctx, DirectionPush); err != nil {
		t.Fatalf("agent A push: %v", err)
	}

	agentB := newTestEngine(t, repoPath)
	result, err := agentB.RunPass(ctx, DirectionPull)
	if err != nil {
		t.Fatalf("agent B pull: %v", err)
	}
	if result.Pull == nil || result.Pull.NewEntries != 1 {
		t.Fatalf("expected agent B to import 1 new entry, got %+v", result.Pull)
	}

	imported, err := agentB.Store.GetByID(ctx, nil, entry.ID)
	if err != nil {
		t.Fatalf("get imported entry: %v", err)
	}
	if imported == nil || imported.Title != entry.Title {
		t.Fatalf("expected imported entry to match, got %+v", imported)
	}
}

func TestRunPassSecondPushIsNoOp(t *testing.T) {
	ctx := context.Background()
	repoPath := filepath.Join(t.TempDir(), "repo")
	driver := &fakeDriver{}

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	engine := NewEngine(s, driver, []record.SyncRepo{{Name: "main", Path: repoPath}}, nil, nil)

	now := time.Now().UTC().Format(time.RFC3339)
	entry := &record.Entry{
		ID: record.NewID(), Type: record.EntryFact, Title: "t", Content: "c",
		Scope: record.ScopeCompany, Source: "test", Status: record.StatusActive,
		CreatedAt: now, Version: 1, ContentUpdatedAt: now,
	}
	if err := engine.Store.Insert(ctx, nil, entry); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := engine.RunPass(ctx, DirectionPush); err != nil {
		t.Fatalf("first push: %v", err)
	}
	commitsAfterFirst := driver.commits

	if _, err := engine.RunPass(ctx, DirectionPush); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if driver.commits != commitsAfterFirst {
		t.Fatalf("expected push-skip law to avoid a second commit, got %d->%d commits",
			commitsAfterFirst, driver.commits)
	}
}
