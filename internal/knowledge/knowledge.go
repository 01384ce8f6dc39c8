// Package knowledge is the thinnest possible caller of the store and the
// sync engine: one function per tool verb the CLI's serve dispatcher
// exposes (store_knowledge, update_knowledge, delete_knowledge,
// deprecate_knowledge, link_knowledge, query_knowledge, list_knowledge,
// get_knowledge, sync_knowledge, get_entry_history,
// get_entry_at_version). It contains no search, embedding, or transport
// logic — just validation, the store/engine/VCS calls each verb
// requires, and the write-through step every accepted local mutation
// must perform before returning.
package knowledge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cristinecula/knowsync/internal/inaccuracy"
	"github.com/cristinecula/knowsync/internal/merge"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/repofs"
	"github.com/cristinecula/knowsync/internal/routing"
	"github.com/cristinecula/knowsync/internal/store"
	"github.com/cristinecula/knowsync/internal/syncengine"
	"github.com/cristinecula/knowsync/internal/syncerr"
	"github.com/cristinecula/knowsync/internal/vcs"
	"github.com/cristinecula/knowsync/internal/writethrough"
)

// Service wires the store, the VCS driver, and the engine's scheduler
// together behind the verb surface. The scheduler is optional — get/list
// style verbs work against a bare *store.Store with no engine attached.
// When Repos is empty the service skips write-through. The read-only
// history commands build a Service with only VCS set.
type Service struct {
	Store     *store.Store
	VCS       vcs.Driver
	Scheduler *syncengine.Scheduler
	Repos     []record.SyncRepo

	// Touched should be the same set the sync engine commits from, so a
	// write-through here is picked up by the next push pass.
	Touched *writethrough.TouchedRepos
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// StoreKnowledge creates a new local entry. Type, scope, and (if set)
// status are validated against their closed sets, and the title must be
// non-empty. The entry's file
// appears in its routed repo as an uncommitted change before this
// returns.
func (s *Service) StoreKnowledge(ctx context.Context, e *record.Entry) (*record.Entry, error) {
	if !record.ValidEntryType(e.Type) {
		return nil, syncerr.New(syncerr.MalformedRecord, "store_knowledge", fmt.Errorf("invalid entry type %q", e.Type))
	}
	if !record.ValidScope(e.Scope) {
		return nil, syncerr.New(syncerr.MalformedRecord, "store_knowledge", fmt.Errorf("invalid scope %q", e.Scope))
	}
	if strings.TrimSpace(e.Title) == "" {
		return nil, syncerr.New(syncerr.MalformedRecord, "store_knowledge", fmt.Errorf("title required"))
	}

	if e.Status != "" && !record.ValidStatus(e.Status) {
		return nil, syncerr.New(syncerr.MalformedRecord, "store_knowledge", fmt.Errorf("invalid status %q", e.Status))
	}

	now := nowRFC3339()
	e.ID = record.NewID()
	if e.Status == "" {
		e.Status = record.StatusActive
	}
	if e.Source == "" {
		e.Source = "local"
	}
	e.CreatedAt = now
	e.ContentUpdatedAt = now
	e.UpdatedAt = now
	e.Version = 1
	e.SyncedVersion = nil

	if err := s.Store.Insert(ctx, nil, e); err != nil {
		return nil, fmt.Errorf("store_knowledge: %w", err)
	}
	if err := s.writeThrough(ctx, e, nil); err != nil {
		return nil, fmt.Errorf("store_knowledge: %w", err)
	}
	return e, nil
}

// UpdateKnowledge applies a content edit: loads the current entry, copies
// over the caller-supplied fields, bumps the version so the next sync
// pass's conflict detector sees the change, writes the file through to
// its repo (moving it if the scope or project changed), and propagates
// inaccuracy to dependent entries.
func (s *Service) UpdateKnowledge(ctx context.Context, id string, apply func(e *record.Entry)) (*record.Entry, error) {
	e, err := s.Store.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("update_knowledge: %w", err)
	}
	if e == nil {
		return nil, syncerr.New(syncerr.MalformedRecord, "update_knowledge", fmt.Errorf("no entry %s", id))
	}

	oldRepo := s.routedRepo(e)
	oldContent := e.Content

	apply(e)
	e.Version++
	e.ContentUpdatedAt = nowRFC3339()
	e.UpdatedAt = e.ContentUpdatedAt

	if err := s.Store.UpdateContentFields(ctx, nil, e); err != nil {
		return nil, fmt.Errorf("update_knowledge: %w", err)
	}
	if err := s.writeThrough(ctx, e, oldRepo); err != nil {
		return nil, fmt.Errorf("update_knowledge: %w", err)
	}

	if diff := merge.DiffFactor(oldContent, e.Content); diff > 0 {
		if err := inaccuracy.Propagate(ctx, nil, s.Store, e.ID, diff); err != nil {
			log.Printf("[writethrough] inaccuracy propagation failed for %s: %v", e.ID, err)
		}
	}
	return e, nil
}

// DeleteKnowledge removes an entry, every link referencing it, and its
// file in the owning repo.
func (s *Service) DeleteKnowledge(ctx context.Context, id string) error {
	e, err := s.Store.GetByID(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("delete_knowledge: %w", err)
	}
	if e == nil {
		return syncerr.New(syncerr.MalformedRecord, "delete_knowledge", fmt.Errorf("no entry %s", id))
	}
	if err := s.Store.DeleteCascade(ctx, nil, id); err != nil {
		return fmt.Errorf("delete_knowledge: %w", err)
	}
	if len(s.Repos) > 0 && !e.IsConflictCopy() {
		if err := writethrough.Delete(e, s.Repos, s.touchedSet()); err != nil {
			return fmt.Errorf("delete_knowledge: %w", err)
		}
	}
	return nil
}

// DeprecateKnowledge marks an entry deprecated with a reason, without
// deleting it — deprecated entries are skipped by inaccuracy propagation
// but remain readable. Status is a shared content field, so the version
// bumps and the change syncs to peers.
func (s *Service) DeprecateKnowledge(ctx context.Context, id, reason string) error {
	e, err := s.Store.GetByID(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("deprecate_knowledge: %w", err)
	}
	if e == nil {
		return syncerr.New(syncerr.MalformedRecord, "deprecate_knowledge", fmt.Errorf("no entry %s", id))
	}
	e.Status = record.StatusDeprecated
	e.DeprecationReason = &reason
	e.Version++
	e.UpdatedAt = nowRFC3339()
	if err := s.Store.UpdateContentFields(ctx, nil, e); err != nil {
		return fmt.Errorf("deprecate_knowledge: %w", err)
	}
	if err := s.writeThrough(ctx, e, nil); err != nil {
		return fmt.Errorf("deprecate_knowledge: %w", err)
	}
	return nil
}

// LinkKnowledge creates a typed link between two entries (or, if the
// triple already exists, overwrites that row's description, source and
// synced_at), using the deterministic
// link ID so independent callers converge on the same row. Links live in
// their source entry's file, so the source is re-written through.
func (s *Service) LinkKnowledge(ctx context.Context, sourceID, targetID string, linkType record.LinkType, description string) (*record.Link, error) {
	if !record.ValidLinkType(linkType) {
		return nil, syncerr.New(syncerr.MalformedRecord, "link_knowledge", fmt.Errorf("invalid link type %q", linkType))
	}
	canonical := record.CanonicalLinkType(linkType)
	l := &record.Link{
		ID:          record.DeterministicLinkID(sourceID, targetID, canonical),
		SourceID:    sourceID,
		TargetID:    targetID,
		LinkType:    canonical,
		Description: description,
		Source:      "local",
		CreatedAt:   nowRFC3339(),
	}
	if err := s.Store.InsertLink(ctx, nil, l); err != nil {
		return nil, fmt.Errorf("link_knowledge: %w", err)
	}

	// Contradicts edges are local resolution state and never embedded,
	// so the source file is unchanged for them.
	if canonical != record.LinkContradicts {
		src, err := s.Store.GetByID(ctx, nil, sourceID)
		if err != nil {
			return nil, fmt.Errorf("link_knowledge: %w", err)
		}
		if src != nil {
			if err := s.writeThrough(ctx, src, nil); err != nil {
				return nil, fmt.Errorf("link_knowledge: %w", err)
			}
		}
	}
	return l, nil
}

// GetKnowledge fetches one entry by id.
func (s *Service) GetKnowledge(ctx context.Context, id string) (*record.Entry, error) {
	e, err := s.Store.GetByID(ctx, nil, id)
	if err != nil {
		return nil, fmt.Errorf("get_knowledge: %w", err)
	}
	return e, nil
}

// ListFilter narrows ListKnowledge's result to entries matching every
// non-empty field.
type ListFilter struct {
	Type   record.EntryType   `json:"type,omitempty"`
	Scope  record.Scope       `json:"scope,omitempty"`
	Status record.EntryStatus `json:"status,omitempty"`
}

func (f ListFilter) matches(e *record.Entry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Scope != "" && e.Scope != f.Scope {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// ListKnowledge returns every entry matching filter. There is no
// full-text search here — that belongs to the embedding/search layer
// this package deliberately excludes.
func (s *Service) ListKnowledge(ctx context.Context, filter ListFilter) ([]*record.Entry, error) {
	all, err := s.Store.All(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list_knowledge: %w", err)
	}
	var out []*record.Entry
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// QueryKnowledge is ListKnowledge's sibling for ad hoc title/content
// substring search, the simplest query surface that does not require an
// embedding index.
func (s *Service) QueryKnowledge(ctx context.Context, substring string, filter ListFilter) ([]*record.Entry, error) {
	all, err := s.ListKnowledge(ctx, filter)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(substring)
	var out []*record.Entry
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Title), needle) || strings.Contains(strings.ToLower(e.Content), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SyncKnowledge triggers a sync pass in the requested direction through
// the scheduler (collapsing with any pass already in flight). An empty
// direction means both.
func (s *Service) SyncKnowledge(ctx context.Context, direction syncengine.Direction) (*syncengine.SyncResult, error) {
	if s.Scheduler == nil {
		return nil, fmt.Errorf("sync_knowledge: no scheduler configured")
	}
	switch direction {
	case "":
		direction = syncengine.DirectionBoth
	case syncengine.DirectionPush, syncengine.DirectionPull, syncengine.DirectionBoth:
	default:
		return nil, syncerr.New(syncerr.MalformedRecord, "sync_knowledge", fmt.Errorf("invalid direction %q", direction))
	}
	return s.Scheduler.SyncDirection(ctx, direction)
}

// GetEntryHistory returns the commit history of the file the entry with
// the given id lives at in repoPath, most recent first.
func (s *Service) GetEntryHistory(repoPath, entryType, id string, limit int) ([]vcs.LogEntry, error) {
	relPath, err := s.entryPath(repoPath, id)
	if err != nil {
		return nil, fmt.Errorf("get_entry_history: %w", err)
	}
	return s.VCS.FileLog(repoPath, relPath, limit)
}

// GetEntryAtVersion returns the raw file content the entry with the
// given id had at the given git revision.
func (s *Service) GetEntryAtVersion(repoPath, revision, entryType, id string) ([]byte, error) {
	relPath, err := s.entryPath(repoPath, id)
	if err != nil {
		return nil, fmt.Errorf("get_entry_at_version: %w", err)
	}
	return s.VCS.ShowFile(repoPath, revision, relPath)
}

// entryPath resolves the repo-relative path currently holding id.
// History is addressed by the present path; an entry whose file is gone
// has no resolvable history through this verb.
func (s *Service) entryPath(repoPath, id string) (string, error) {
	relPath, err := repofs.FindEntryPath(repoPath, id)
	if err != nil {
		return "", err
	}
	if relPath == "" {
		return "", fmt.Errorf("no file for entry %s in %s", id, repoPath)
	}
	return relPath, nil
}

// writeThrough materializes e's current state (including its embedded
// outgoing links) in its routed repo before the calling verb returns. A
// service with no repos configured skips it, and conflict copies never
// reach a repo.
func (s *Service) writeThrough(ctx context.Context, e *record.Entry, oldRepo *record.SyncRepo) error {
	if len(s.Repos) == 0 || e.IsConflictCopy() || strings.HasPrefix(e.Title, record.ConflictTitlePrefix) {
		return nil
	}
	if err := s.loadEmbeddedLinks(ctx, e); err != nil {
		return err
	}
	return writethrough.Write(e, s.Repos, oldRepo, s.touchedSet())
}

func (s *Service) loadEmbeddedLinks(ctx context.Context, e *record.Entry) error {
	outgoing, err := s.Store.Outgoing(ctx, nil, e.ID)
	if err != nil {
		return err
	}
	e.Links = nil
	for _, l := range outgoing {
		if l.Source == record.ConflictSource {
			continue
		}
		e.Links = append(e.Links, record.EmbeddedLink{
			Target: l.TargetID, Type: l.LinkType, Description: l.Description, Source: l.Source,
		})
	}
	return nil
}

func (s *Service) routedRepo(e *record.Entry) *record.SyncRepo {
	if len(s.Repos) == 0 {
		return nil
	}
	project := ""
	if e.Project != nil {
		project = *e.Project
	}
	repo := routing.ChooseRepo(e.Scope, project, s.Repos)
	return &repo
}

func (s *Service) touchedSet() *writethrough.TouchedRepos {
	if s.Touched == nil {
		s.Touched = writethrough.NewTouchedRepos()
	}
	return s.Touched
}
