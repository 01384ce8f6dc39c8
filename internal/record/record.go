// Package record defines the core entities the sync engine moves between the
// store, the serializer, and the sync repo: entries, links, and the
// configured set of sync repos they are routed into.
package record

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// EntryType is the closed set of knowledge-entry categories.
type EntryType string

const (
	EntryFact       EntryType = "fact"
	EntryDecision   EntryType = "decision"
	EntryConvention EntryType = "convention"
	EntryPattern    EntryType = "pattern"
	EntryPitfall    EntryType = "pitfall"
	EntryDebugNote  EntryType = "debug_note"
	EntryProcess    EntryType = "process"
	EntryWiki       EntryType = "wiki"
)

var validEntryTypes = map[EntryType]bool{
	EntryFact: true, EntryDecision: true, EntryConvention: true,
	EntryPattern: true, EntryPitfall: true, EntryDebugNote: true,
	EntryProcess: true, EntryWiki: true,
}

// EntryStatus is the closed set of entry lifecycle states.
type EntryStatus string

const (
	StatusActive            EntryStatus = "active"
	StatusDeprecated        EntryStatus = "deprecated"
	StatusNeedsRevalidation EntryStatus = "needs_revalidation"
	StatusDormant           EntryStatus = "dormant"
)

var validStatuses = map[EntryStatus]bool{
	StatusActive: true, StatusDeprecated: true,
	StatusNeedsRevalidation: true, StatusDormant: true,
}

// Scope is the closed set of entry visibility scopes, also used as a repo
// routing filter.
type Scope string

const (
	ScopeCompany Scope = "company"
	ScopeProject Scope = "project"
	ScopeRepo    Scope = "repo"
)

var validScopes = map[Scope]bool{
	ScopeCompany: true, ScopeProject: true, ScopeRepo: true,
}

// LinkType is the closed set of typed relationships between two entries.
// ConflictsWith is a deprecated alias for Contradicts, normalized on import
// by the serializer.
type LinkType string

const (
	LinkRelated       LinkType = "related"
	LinkDerived       LinkType = "derived"
	LinkDepends       LinkType = "depends"
	LinkElaborates    LinkType = "elaborates"
	LinkSupersedes    LinkType = "supersedes"
	LinkContradicts   LinkType = "contradicts"
	LinkConflictsWith LinkType = "conflicts_with" // deprecated alias of LinkContradicts
)

var validLinkTypes = map[LinkType]bool{
	LinkRelated: true, LinkDerived: true, LinkDepends: true,
	LinkElaborates: true, LinkSupersedes: true, LinkContradicts: true,
	LinkConflictsWith: true,
}

// CanonicalLinkType normalizes the deprecated conflicts_with alias to
// contradicts. All other link types pass through unchanged.
func CanonicalLinkType(t LinkType) LinkType {
	if t == LinkConflictsWith {
		return LinkContradicts
	}
	return t
}

// ConflictSource marks links and entries created during conflict
// resolution; such records are never embedded or pushed.
const ConflictSource = "sync:conflict"

// ConflictTitlePrefix marks a conflict-copy entry's title.
const ConflictTitlePrefix = "[Sync Conflict] "

const InaccuracyCap = 2.0

// Entry is one knowledge record.
type Entry struct {
	ID                string      `json:"id"`
	Type              EntryType   `json:"type"`
	Title             string      `json:"title"`
	Content           string      `json:"content"`
	Tags              []string    `json:"tags,omitempty"`
	Project           *string     `json:"project,omitempty"`
	Scope             Scope       `json:"scope"`
	Source            string      `json:"source"`
	Status            EntryStatus `json:"status"`
	CreatedAt         string      `json:"created_at"`
	Version           int         `json:"version"`
	SyncedVersion     *int        `json:"synced_version,omitempty"`
	ContentUpdatedAt  string      `json:"content_updated_at"`
	UpdatedAt         string      `json:"updated_at"`
	LastAccessedAt    string      `json:"last_accessed_at,omitempty"`
	AccessCount       int         `json:"access_count"`
	Strength          float64     `json:"strength"`
	Inaccuracy        float64     `json:"inaccuracy"`
	DeprecationReason *string     `json:"deprecation_reason,omitempty"`
	FlagReason        *string     `json:"flag_reason,omitempty"`
	Declaration       *string     `json:"declaration,omitempty"`
	ParentPageID      *string     `json:"parent_page_id,omitempty"`

	// Links is the set of outgoing links embedded in this entry's file.
	// Conflict-provenance links are never present here.
	Links []EmbeddedLink `json:"links,omitempty"`
}

// EmbeddedLink is an outgoing link as it appears inside an entry's file.
type EmbeddedLink struct {
	Target      string   `json:"target"`
	Type        LinkType `json:"type"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Link is a typed, directed relationship between two entries, as held in
// the store.
type Link struct {
	ID          string   `json:"id"`
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
	LinkType    LinkType `json:"link_type"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source,omitempty"`
	CreatedAt   string   `json:"created_at"`
	SyncedAt    *string  `json:"synced_at,omitempty"`
}

// SyncRepo is one configured sync-repo target.
type SyncRepo struct {
	Name    string `yaml:"name" json:"name"`
	Path    string `yaml:"path" json:"path"`
	Remote  string `yaml:"remote,omitempty" json:"remote,omitempty"`
	Scope   Scope  `yaml:"scope,omitempty" json:"scope,omitempty"`     // empty means "no scope filter"
	Project string `yaml:"project,omitempty" json:"project,omitempty"` // empty means "no project filter"
}

// HasScopeFilter reports whether this repo is restricted to a scope.
func (r SyncRepo) HasScopeFilter() bool { return r.Scope != "" }

// HasProjectFilter reports whether this repo is restricted to a project.
func (r SyncRepo) HasProjectFilter() bool { return r.Project != "" }

// ValidEntryType reports whether t belongs to the closed set.
func ValidEntryType(t EntryType) bool { return validEntryTypes[t] }

// ValidStatus reports whether s belongs to the closed set.
func ValidStatus(s EntryStatus) bool { return validStatuses[s] }

// ValidScope reports whether s belongs to the closed set.
func ValidScope(s Scope) bool { return validScopes[s] }

// ValidLinkType reports whether t belongs to the closed set.
func ValidLinkType(t LinkType) bool { return validLinkTypes[t] }

// ValidUUID reports whether s is a syntactically valid UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NewID returns a fresh, purely local record ID.
func NewID() string {
	return uuid.New().String()
}

// DeterministicLinkID derives a stable UUID from the (source, target,
// link_type) triple so two peers who independently create the same edge
// converge on the same link row instead of duplicating it.
func DeterministicLinkID(sourceID, targetID string, linkType LinkType) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", sourceID, targetID, CanonicalLinkType(linkType))))
	var u uuid.UUID
	copy(u[:], h[:16])
	u[6] = (u[6] & 0x0f) | 0x50 // version 5
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u.String()
}

// SyncedVersionOrZero treats a nil SyncedVersion as 0.
func (e *Entry) SyncedVersionOrZero() int {
	if e.SyncedVersion == nil {
		return 0
	}
	return *e.SyncedVersion
}

// IsConflictCopy reports whether this entry was created by conflict
// resolution rather than by a local tool or an ordinary pull.
func (e *Entry) IsConflictCopy() bool {
	return e.Source == ConflictSource
}
