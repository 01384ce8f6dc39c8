// Package vcs wraps version control (git, via the native go-git/v5
// library rather than shelling out) behind the thin, synchronous Driver
// interface the sync coordinator depends on.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// LogEntry is one commit touching a file, as returned by FileLog.
type LogEntry struct {
	Hash    string
	Date    time.Time
	Message string
}

// Driver is the thin, synchronous version-control wrapper the sync
// coordinator depends on. Every operation is a single command; there is
// no interactive merge.
type Driver interface {
	Init(dir string) error
	Clone(ctx context.Context, url, dir string) error
	IsVCRoot(dir string) bool
	// CommitAll stages every change under dir and commits if the working
	// tree differs from HEAD. Returns whether a commit was made.
	CommitAll(dir, message string) (bool, error)
	Pull(ctx context.Context, dir string) error
	Push(ctx context.Context, dir string) error
	FileLog(dir, relPath string, limit int) ([]LogEntry, error)
	ShowFile(dir, revision, relPath string) ([]byte, error)
}

// Identity is the commit author/committer identity the driver stamps on
// every commit, so commits in ephemeral clones are always attributable.
type Identity struct {
	Name  string
	Email string
}

// GitDriver implements Driver over go-git/v5.
type GitDriver struct {
	DefaultIdentity Identity
}

// NewGitDriver returns a driver that stamps every commit with an
// identity derived from agentName (name agentName, email
// agentName@knowsync.local).
func NewGitDriver(agentName string) *GitDriver {
	return &GitDriver{DefaultIdentity: Identity{
		Name:  agentName,
		Email: agentName + "@knowsync.local",
	}}
}

func (d *GitDriver) Init(dir string) error {
	_, err := git.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("vcs init %s: %w", dir, err)
	}
	return nil
}

func (d *GitDriver) Clone(ctx context.Context, url, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if err != nil {
		return fmt.Errorf("vcs clone %s: %w", url, err)
	}
	return nil
}

func (d *GitDriver) IsVCRoot(dir string) bool {
	_, err := git.PlainOpen(dir)
	return err == nil
}

func (d *GitDriver) CommitAll(dir, message string) (bool, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("vcs commit_all %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("vcs commit_all %s: %w", dir, err)
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("vcs commit_all %s: %w", dir, err)
	}
	if status.IsClean() {
		return false, nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("vcs commit_all %s: stage: %w", dir, err)
	}

	sig := &object.Signature{
		Name:  d.DefaultIdentity.Name,
		Email: d.DefaultIdentity.Email,
		When:  time.Now(),
	}
	if _, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, fmt.Errorf("vcs commit_all %s: %w", dir, err)
	}
	return true, nil
}

func (d *GitDriver) Pull(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("vcs pull %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs pull %s: %w", dir, err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("vcs pull %s: %w", dir, err)
	}
	return nil
}

func (d *GitDriver) Push(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("vcs push %s: %w", dir, err)
	}
	err = repo.PushContext(ctx, &git.PushOptions{})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("vcs push %s: %w", dir, err)
	}
	return nil
}

func (d *GitDriver) FileLog(dir, relPath string, limit int) ([]LogEntry, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("vcs file_log %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("vcs file_log %s: %w", dir, err)
	}
	commitIter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &relPath})
	if err != nil {
		return nil, fmt.Errorf("vcs file_log %s: %w", dir, err)
	}
	defer commitIter.Close()

	var entries []LogEntry
	err = commitIter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(entries) >= limit {
			return storer.ErrStop
		}
		entries = append(entries, LogEntry{
			Hash:    c.Hash.String(),
			Date:    c.Author.When,
			Message: c.Message,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vcs file_log %s: %w", dir, err)
	}
	return entries, nil
}

func (d *GitDriver) ShowFile(dir, revision, relPath string) ([]byte, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("vcs show_file %s: %w", dir, err)
	}
	hash := plumbing.NewHash(revision)
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("vcs show_file %s@%s: %w", relPath, revision, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("vcs show_file %s@%s: %w", relPath, revision, err)
	}
	f, err := tree.File(relPath)
	if err != nil {
		return nil, fmt.Errorf("vcs show_file %s@%s: %w", relPath, revision, err)
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("vcs show_file %s@%s: %w", relPath, revision, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
