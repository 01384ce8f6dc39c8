package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cristinecula/knowsync/internal/inaccuracy"
	"github.com/cristinecula/knowsync/internal/merge"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/repofs"
	"github.com/cristinecula/knowsync/internal/store"
	"github.com/cristinecula/knowsync/internal/syncerr"
)

// ensureCloned clones repo.Remote into repo.Path if a remote is
// configured and the path does not yet exist.
func (e *Engine) ensureCloned(ctx context.Context, repo record.SyncRepo) error {
	if repo.Remote == "" {
		return nil
	}
	if _, err := os.Stat(repo.Path); err == nil {
		return nil
	}
	log.Printf("[pull] cloning %s into %s", repo.Remote, repo.Path)
	if err := e.VCS.Clone(ctx, repo.Remote, repo.Path); err != nil {
		return syncerr.New(syncerr.UnreachableRemote, "clone "+repo.Name, err)
	}
	return nil
}

// pull fetches every repo, reconciles remote state into the local
// store, and propagates inaccuracy for records that changed via
// remote_wins.
func (e *Engine) pull(ctx context.Context) (*PullResult, error) {
	result := &PullResult{}
	remoteByID := make(map[string]*record.Entry)

	for _, repo := range e.Repos {
		if err := e.ensureCloned(ctx, repo); err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		if err := repofs.EnsureStructure(repo.Path); err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		if repo.Remote != "" {
			if err := e.VCS.Pull(ctx, repo.Path); err != nil {
				return nil, syncerr.New(syncerr.UnreachableRemote, "pull "+repo.Name, err)
			}
		}

		entries, err := repofs.ReadAllEntries(repo.Path)
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", repo.Name, err)
		}
		for _, entry := range entries {
			if _, exists := remoteByID[entry.ID]; !exists {
				remoteByID[entry.ID] = entry
			}
		}
	}

	// All store mutations of a pull happen inside one transaction, so a
	// pass that fails partway leaves no partial pull visible to readers.
	var imported []*record.Entry
	err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		var reconcileErr error
		imported, reconcileErr = e.reconcile(ctx, tx, remoteByID, result)
		return reconcileErr
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range imported {
		e.EmbedHook(ctx, entry)
	}
	return result, nil
}

// reconcile applies import/update, deletion detection, and link
// reconciliation against the aggregated remote map, inside the caller's
// transaction. It returns the freshly imported entries so the caller can
// fire embed hooks once the transaction has committed.
func (e *Engine) reconcile(ctx context.Context, tx *sql.Tx, remoteByID map[string]*record.Entry, result *PullResult) ([]*record.Entry, error) {
	localIDs, err := e.Store.AllIDs(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	localByID := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		localByID[id] = true
	}

	// Import/update entries first so link foreign keys resolve before
	// link reconciliation runs.
	var importedEntries []*record.Entry
	for id, remote := range remoteByID {
		if !localByID[id] {
			imported := *remote
			v := remote.Version
			imported.SyncedVersion = &v
			imported.UpdatedAt = nowRFC3339()
			if err := e.Store.Insert(ctx, tx, &imported); err != nil {
				log.Printf("[pull] skipping import of %s: %v", id, err)
				continue
			}
			result.NewEntries++
			importedEntries = append(importedEntries, &imported)
			continue
		}

		local, err := e.Store.GetByID(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		if local == nil {
			continue
		}

		switch merge.Detect(local, remote) {
		case merge.NoChange:
			if err := e.Store.UpdateSyncedVersion(ctx, tx, id, remote.Version); err != nil {
				return nil, fmt.Errorf("pull: %w", err)
			}
		case merge.RemoteWins:
			updated := applyRemote(local, remote)
			if err := e.Store.UpdateContentFields(ctx, tx, updated); err != nil {
				return nil, fmt.Errorf("pull: %w", err)
			}
			result.Updated++
			diff := diffFactor(local.Content, remote.Content)
			if err := inaccuracy.Propagate(ctx, tx, e.Store, id, diff); err != nil {
				log.Printf("[pull] inaccuracy propagation failed for %s: %v", id, err)
			}
		case merge.LocalWins:
			if err := e.Store.UpdateSyncedVersion(ctx, tx, id, remote.Version); err != nil {
				return nil, fmt.Errorf("pull: %w", err)
			}
		case merge.Conflict:
			detail, err := e.resolveConflict(ctx, tx, local, remote)
			if err != nil {
				return nil, fmt.Errorf("pull: %w", err)
			}
			result.Conflicts++
			result.ConflictDetails = append(result.ConflictDetails, *detail)
		}
	}

	// Deletion detection.
	for _, id := range localIDs {
		if _, present := remoteByID[id]; present {
			continue
		}
		local, err := e.Store.GetByID(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		if local == nil || local.SyncedVersionOrZero() == 0 || local.IsConflictCopy() {
			continue
		}
		if err := e.Store.DeleteCascade(ctx, tx, id); err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		result.Deleted++
	}

	// Link reconciliation.
	newLinks, deletedLinks, err := e.reconcileLinks(ctx, tx, remoteByID)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	result.NewLinks = newLinks
	result.DeletedLinks = deletedLinks

	return importedEntries, nil
}

// resolveConflict applies the conflict-resolution protocol: the remote
// record becomes canonical, and a conflict-copy record preserving the
// local pre-pull state is inserted and linked back to it.
func (e *Engine) resolveConflict(ctx context.Context, tx *sql.Tx, local, remote *record.Entry) (*ConflictDetail, error) {
	canonical := applyRemote(local, remote)
	if err := e.Store.UpdateContentFields(ctx, tx, canonical); err != nil {
		return nil, err
	}

	copyID := record.NewID()
	title := record.ConflictTitlePrefix + remote.Title
	conflictCopy := &record.Entry{
		ID:               copyID,
		Type:             local.Type,
		Title:            title,
		Content:          local.Content,
		Tags:             local.Tags,
		Project:          local.Project,
		Scope:            local.Scope,
		Source:           record.ConflictSource,
		Status:           record.StatusActive,
		CreatedAt:        local.CreatedAt,
		Version:          1,
		ContentUpdatedAt: local.ContentUpdatedAt,
		UpdatedAt:        nowRFC3339(),
		Inaccuracy:       1.0,
	}
	if err := e.Store.Insert(ctx, tx, conflictCopy); err != nil {
		return nil, err
	}

	link := &record.Link{
		ID:        record.NewID(),
		SourceID:  copyID,
		TargetID:  remote.ID,
		LinkType:  record.LinkContradicts,
		Source:    record.ConflictSource,
		CreatedAt: nowRFC3339(),
	}
	if err := e.Store.InsertLink(ctx, tx, link); err != nil {
		return nil, err
	}

	diff := diffFactor(local.Content, remote.Content)
	if err := inaccuracy.Propagate(ctx, tx, e.Store, remote.ID, diff); err != nil {
		log.Printf("[pull] inaccuracy propagation failed for %s: %v", remote.ID, err)
	}

	return &ConflictDetail{
		OriginalID: remote.ID,
		ConflictID: copyID,
		Title:      title,
		Reason:     "three-way conflict: local and remote both changed since last sync",
	}, nil
}

// reconcileLinks re-derives the remote link set from every remote
// entry's embedded list and upserts/deletes to match.
func (e *Engine) reconcileLinks(ctx context.Context, tx *sql.Tx, remoteByID map[string]*record.Entry) (newLinks, deletedLinks int, err error) {
	localIDs, err := e.Store.AllIDs(ctx, tx)
	if err != nil {
		return 0, 0, err
	}
	localSet := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		localSet[id] = true
	}

	existing, err := e.Store.GetAllLinks(ctx, tx)
	if err != nil {
		return 0, 0, err
	}
	existingTriples := make(map[string]bool, len(existing))
	for _, l := range existing {
		existingTriples[tripleKey(l.SourceID, l.TargetID, record.CanonicalLinkType(l.LinkType))] = true
	}

	remoteTriples := make(map[string]bool)
	for _, entry := range remoteByID {
		for _, l := range entry.Links {
			if !localSet[entry.ID] || !localSet[l.Target] {
				continue
			}
			linkType := record.CanonicalLinkType(l.Type)
			key := tripleKey(entry.ID, l.Target, linkType)
			remoteTriples[key] = true
			link := &record.Link{
				ID:          record.DeterministicLinkID(entry.ID, l.Target, linkType),
				SourceID:    entry.ID,
				TargetID:    l.Target,
				LinkType:    linkType,
				Description: l.Description,
				CreatedAt:   entry.CreatedAt,
			}
			now := nowRFC3339()
			link.SyncedAt = &now
			if err := e.Store.ImportLinkWithID(ctx, tx, link); err != nil {
				log.Printf("[pull] skipping link import %s->%s: %v", entry.ID, l.Target, err)
				continue
			}
			if !existingTriples[key] {
				newLinks++
			}
		}
	}
	for _, l := range existing {
		if l.SyncedAt == nil || l.Source == record.ConflictSource {
			continue
		}
		if remoteTriples[tripleKey(l.SourceID, l.TargetID, record.CanonicalLinkType(l.LinkType))] {
			continue
		}
		if err := e.Store.DeleteLink(ctx, tx, l.ID); err != nil {
			return newLinks, deletedLinks, err
		}
		deletedLinks++
	}
	return newLinks, deletedLinks, nil
}

func tripleKey(source, target string, t record.LinkType) string {
	return source + "|" + target + "|" + string(t)
}

// applyRemote builds the store row for a remote-wins (or conflict
// canonical) update: remote owns the shared content fields, while the
// local side keeps its usage state, which never travels through the
// repo.
func applyRemote(local, remote *record.Entry) *record.Entry {
	updated := *remote
	v := remote.Version
	updated.SyncedVersion = &v
	updated.UpdatedAt = nowRFC3339()
	updated.Strength = local.Strength
	updated.AccessCount = local.AccessCount
	updated.LastAccessedAt = local.LastAccessedAt
	return &updated
}

func diffFactor(oldContent, newContent string) float64 {
	return merge.DiffFactor(oldContent, newContent)
}

func nowRFC3339() string {
	return store.Now().Format(time.RFC3339)
}
