// Package writethrough implements the single entry point every local
// tool handler calls through: it serializes a record, writes it to its
// owning repo, and marks that repo dirty so the sync pass knows to
// commit it.
package writethrough

import (
	"fmt"
	"sync"

	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/repofs"
	"github.com/cristinecula/knowsync/internal/routing"
)

// TouchedRepos is the in-memory set of repo names that have had
// write-through writes since the last commit. The filesystem remains
// the arbiter of repo state; this set is only an optimization
// telling the sync pass which repos to bother committing.
type TouchedRepos struct {
	mu      sync.Mutex
	touched map[string]bool
}

func NewTouchedRepos() *TouchedRepos {
	return &TouchedRepos{touched: make(map[string]bool)}
}

func (t *TouchedRepos) Mark(repoName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched[repoName] = true
}

func (t *TouchedRepos) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.touched))
	for n := range t.touched {
		names = append(names, n)
	}
	return names
}

func (t *TouchedRepos) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched = make(map[string]bool)
}

// Write places e in its routed repo, deleting it from oldRepo first if
// the entry's scope/project (and therefore its routed repo) changed
// since the previous write, so a routing change moves the file.
func Write(e *record.Entry, repos []record.SyncRepo, oldRepo *record.SyncRepo, touched *TouchedRepos) error {
	newRepo := routing.ChooseRepo(e.Scope, projectOf(e), repos)

	if oldRepo != nil && oldRepo.Name != newRepo.Name {
		if err := repofs.DeleteEntry(oldRepo.Path, e.ID, string(e.Type)); err != nil {
			return fmt.Errorf("writethrough %s: delete from old repo %s: %w", e.ID, oldRepo.Name, err)
		}
		touched.Mark(oldRepo.Name)
	}

	if err := repofs.EnsureStructure(newRepo.Path); err != nil {
		return fmt.Errorf("writethrough %s: %w", e.ID, err)
	}
	if err := repofs.WriteEntry(newRepo.Path, e); err != nil {
		return fmt.Errorf("writethrough %s: %w", e.ID, err)
	}
	touched.Mark(newRepo.Name)
	return nil
}

// Delete removes e's file from its routed repo.
func Delete(e *record.Entry, repos []record.SyncRepo, touched *TouchedRepos) error {
	repo := routing.ChooseRepo(e.Scope, projectOf(e), repos)
	if err := repofs.DeleteEntry(repo.Path, e.ID, string(e.Type)); err != nil {
		return fmt.Errorf("writethrough delete %s: %w", e.ID, err)
	}
	touched.Mark(repo.Name)
	return nil
}

func projectOf(e *record.Entry) string {
	if e.Project == nil {
		return ""
	}
	return *e.Project
}
