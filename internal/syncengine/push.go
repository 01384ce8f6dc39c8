package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cristinecula/knowsync/internal/marshal"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/repofs"
	"github.com/cristinecula/knowsync/internal/routing"
	"github.com/cristinecula/knowsync/internal/syncerr"
)

// push writes every local entry into its routed repo and commits. The
// caller (RunPass) has already pulled, so the working tree is current.
func (e *Engine) push(ctx context.Context) (*PushResult, error) {
	result := &PushResult{}

	all, err := e.Store.All(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}

	localByID := make(map[string]bool, len(all))
	dirtyRepos := make(map[string]bool)

	for _, entry := range all {
		localByID[entry.ID] = true
		if strings.HasPrefix(entry.Title, record.ConflictTitlePrefix) {
			continue // conflict-copy entries are never pushed
		}

		repo := routing.ChooseRepo(entry.Scope, projectOf(entry), e.Repos)
		if err := repofs.EnsureStructure(repo.Path); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}

		if err := e.loadEmbeddedLinks(ctx, entry); err != nil {
			return nil, fmt.Errorf("push %s: %w", entry.ID, err)
		}

		desired, err := marshal.EntryToMarkdown(withoutConflictLinks(entry))
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", entry.ID, err)
		}

		existing, ok, err := repofs.ReadEntryRaw(repo.Path, string(entry.Type), entry.ID)
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", entry.ID, err)
		}
		if ok && bytes.Equal(existing, desired) {
			continue // push-skip law: byte-identical, nothing to write
		}

		if err := repofs.WriteEntry(repo.Path, entry); err != nil {
			return nil, fmt.Errorf("push %s: %w", entry.ID, err)
		}
		dirtyRepos[repo.Name] = true
		if !ok {
			result.NewEntries++
		}

		if err := e.Store.UpdateSyncedVersion(ctx, nil, entry.ID, entry.Version); err != nil {
			return nil, fmt.Errorf("push %s: %w", entry.ID, err)
		}
		e.markLinksSynced(ctx, entry)
	}

	// Delete files whose record ID is no longer local and was previously
	// synced.
	for _, repo := range e.Repos {
		existingEntries, err := repofs.ReadAllEntries(repo.Path)
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", repo.Name, err)
		}
		for _, onDisk := range existingEntries {
			if localByID[onDisk.ID] {
				continue
			}
			if err := repofs.DeleteEntry(repo.Path, onDisk.ID, string(onDisk.Type)); err != nil {
				return nil, fmt.Errorf("push %s: %w", repo.Name, err)
			}
			dirtyRepos[repo.Name] = true
			result.Deleted++
		}
	}

	for _, name := range e.Touched.Names() {
		dirtyRepos[name] = true
	}

	for _, repo := range e.Repos {
		if !dirtyRepos[repo.Name] {
			continue
		}
		committed, err := e.VCS.CommitAll(repo.Path, commitMessage(repo))
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", repo.Name, err)
		}
		if committed {
			result.Pushed = true
			if repo.Remote != "" {
				if err := e.VCS.Push(ctx, repo.Path); err != nil {
					return nil, syncerr.New(syncerr.UnreachableRemote, "push "+repo.Name, err)
				}
			}
		}
	}
	e.Touched.Clear()

	return result, nil
}

// loadEmbeddedLinks populates entry.Links from the store's link table so
// the serializer can embed them, since entries loaded via Store.All carry
// no link data of their own.
func (e *Engine) loadEmbeddedLinks(ctx context.Context, entry *record.Entry) error {
	outgoing, err := e.Store.Outgoing(ctx, nil, entry.ID)
	if err != nil {
		return err
	}
	entry.Links = nil
	for _, l := range outgoing {
		if l.Source == record.ConflictSource {
			continue
		}
		entry.Links = append(entry.Links, record.EmbeddedLink{
			Target: l.TargetID, Type: l.LinkType, Description: l.Description, Source: l.Source,
		})
	}
	return nil
}

func withoutConflictLinks(e *record.Entry) *record.Entry {
	if len(e.Links) == 0 {
		return e
	}
	clone := *e
	var kept []record.EmbeddedLink
	for _, l := range e.Links {
		if l.Type == record.LinkContradicts || l.Type == record.LinkConflictsWith {
			continue
		}
		kept = append(kept, l)
	}
	clone.Links = kept
	return &clone
}

// markLinksSynced stamps synced_at on the entry's outgoing links that
// were just embedded in its pushed file. Links that are never embedded
// (conflict provenance, contradicts edges) keep a nil synced_at so the
// pull side's reconciliation never considers them remotely deleted.
func (e *Engine) markLinksSynced(ctx context.Context, entry *record.Entry) {
	outgoing, err := e.Store.Outgoing(ctx, nil, entry.ID)
	if err != nil {
		log.Printf("[push] could not mark links synced for %s: %v", entry.ID, err)
		return
	}
	now := nowRFC3339()
	for _, l := range outgoing {
		if l.Source == record.ConflictSource || record.CanonicalLinkType(l.LinkType) == record.LinkContradicts {
			continue
		}
		l.SyncedAt = &now
		if err := e.Store.InsertLink(ctx, nil, l); err != nil {
			log.Printf("[push] could not mark link %s synced: %v", l.ID, err)
		}
	}
}

func projectOf(e *record.Entry) string {
	if e.Project == nil {
		return ""
	}
	return *e.Project
}

func commitMessage(repo record.SyncRepo) string {
	return fmt.Sprintf("sync: update %s", repo.Name)
}
