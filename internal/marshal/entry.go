package marshal

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cristinecula/knowsync/internal/record"
)

// metadataDelimiter fences the YAML metadata block at the top of every
// entry file; the human-readable body follows it.
const metadataDelimiter = "---"

// renderEntryDoc emits the canonical entry-file bytes: a fenced metadata
// block followed by the body. yaml.v3 writes map keys in sorted order,
// which is what makes the output byte-stable across peers.
func renderEntryDoc(meta map[string]any, body string) ([]byte, error) {
	metaYAML, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal entry metadata: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(metadataDelimiter + "\n")
	buf.Write(metaYAML)
	buf.WriteString(metadataDelimiter + "\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// splitEntryFile separates an entry file into its metadata map and body.
// A file with no leading delimiter is all body (its missing id then
// fails validation downstream); an opened but never closed metadata
// block is an error.
func splitEntryFile(content []byte) (map[string]any, string, error) {
	text := string(content)
	rest, found := strings.CutPrefix(text, metadataDelimiter)
	if !found {
		return map[string]any{}, text, nil
	}
	metaYAML, body, closed := strings.Cut(rest, "\n"+metadataDelimiter)
	if !closed {
		return nil, "", fmt.Errorf("metadata block is never closed")
	}
	body = strings.TrimPrefix(body, "\n")

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(metaYAML), &meta); err != nil {
		return nil, "", fmt.Errorf("parse entry metadata: %w", err)
	}
	return meta, body, nil
}

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases title, collapses non-alphanumeric runs to single
// hyphens, trims leading/trailing hyphens, and truncates at 60 characters.
func Slug(title string) string {
	s := nonAlnumRun.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 60 {
		s = strings.Trim(s[:60], "-")
	}
	if s == "" {
		s = "untitled"
	}
	return s
}

// Filename returns the canonical <slug>_<id8>.md filename for an entry.
func Filename(title, id string) string {
	id8 := id
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("%s_%s.md", Slug(title), id8)
}

const redirectPrefix = "redirect: "

// RenderRedirectMarker serializes the tiny file left at an entry's old
// slugged path, naming the repo-relative path a concurrent reader should
// follow instead.
func RenderRedirectMarker(target string) []byte {
	return []byte(redirectPrefix + target + "\n")
}

// ParseRedirectMarker reports whether content is a redirect marker and, if
// so, the target path it points to.
func ParseRedirectMarker(content []byte) (string, bool) {
	s := strings.TrimSpace(string(content))
	if !strings.HasPrefix(s, strings.TrimSpace(redirectPrefix)) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, redirectPrefix)), true
}

// EntryToMarkdown serializes an entry to its stable on-disk form. Per the
// stability law, output depends only on shared content fields: updated_at
// and the local usage state (strength, access_count, last_accessed_at,
// synced_version) are never serialized, so timestamp and usage drift
// across machines cannot produce spurious commits.
func EntryToMarkdown(e *record.Entry) ([]byte, error) {
	fm := map[string]any{
		"id":                 e.ID,
		"type":               string(e.Type),
		"title":              e.Title,
		"tags":               normalizeTags(e.Tags),
		"scope":              string(e.Scope),
		"source":             e.Source,
		"status":             string(e.Status),
		"created_at":         e.CreatedAt,
		"version":            e.Version,
		"content_updated_at": e.ContentUpdatedAt,
	}
	if e.Project != nil {
		fm["project"] = *e.Project
	}
	if e.Inaccuracy != 0 {
		fm["inaccuracy"] = e.Inaccuracy
	}
	if e.DeprecationReason != nil && *e.DeprecationReason != "" {
		fm["deprecation_reason"] = *e.DeprecationReason
	}
	if e.FlagReason != nil && *e.FlagReason != "" {
		fm["flag_reason"] = *e.FlagReason
	}
	if e.Declaration != nil && *e.Declaration != "" {
		fm["declaration"] = *e.Declaration
	}
	if e.ParentPageID != nil && *e.ParentPageID != "" {
		fm["parent_page_id"] = *e.ParentPageID
	}
	if links := embeddableLinks(e.Links); len(links) > 0 {
		fm["links"] = links
	}

	return renderEntryDoc(fm, normalizeContent(e.Content))
}

// embeddableLinks drops conflict-provenance links: they are local
// resolution state and are never embedded in a file.
func embeddableLinks(links []record.EmbeddedLink) []map[string]any {
	var out []map[string]any
	for _, l := range links {
		if l.Source == record.ConflictSource || l.Type == record.LinkConflictsWith || l.Type == record.LinkContradicts {
			continue
		}
		m := map[string]any{"target": l.Target, "type": string(l.Type)}
		if l.Description != "" {
			m["description"] = l.Description
		}
		out = append(out, m)
	}
	return out
}

// normalizeContent strips trailing whitespace and enforces exactly one
// terminating newline, or returns an empty string for empty content.
func normalizeContent(content string) string {
	trimmed := strings.TrimRight(content, " \t\r\n")
	if trimmed == "" {
		return ""
	}
	return trimmed + "\n"
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// MarkdownToEntry parses and validates an entry file. Validation failures
// are returned as plain errors; the caller (the repo FS layer) logs the
// file and skips it.
func MarkdownToEntry(content []byte) (*record.Entry, error) {
	meta, body, err := splitEntryFile(content)
	if err != nil {
		return nil, fmt.Errorf("parse entry file: %w", err)
	}

	id := timestampOrString(meta["id"])
	if !uuidRegex.MatchString(id) {
		return nil, fmt.Errorf("entry id %q is not a valid UUID", id)
	}

	entryType := record.EntryType(mustString(meta, "type"))
	if !record.ValidEntryType(entryType) {
		return nil, fmt.Errorf("entry %s: invalid type %q", id, entryType)
	}

	title, _ := stringField(meta, "title")
	if title == "" {
		return nil, fmt.Errorf("entry %s: title is required", id)
	}

	createdAt := timestampOrString(meta["created_at"])
	if createdAt == "" {
		return nil, fmt.Errorf("entry %s: created_at is required", id)
	}

	scope := record.Scope(stringOr(meta, "scope", string(record.ScopeCompany)))
	if !record.ValidScope(scope) {
		return nil, fmt.Errorf("entry %s: invalid scope %q", id, scope)
	}

	status := record.EntryStatus(stringOr(meta, "status", string(record.StatusActive)))
	if !record.ValidStatus(status) {
		return nil, fmt.Errorf("entry %s: invalid status %q", id, status)
	}

	version := intOr(meta, "version", 1)
	if version < 1 {
		version = 1
	}

	contentUpdatedAt := timestampOrString(meta["content_updated_at"])
	if contentUpdatedAt == "" {
		contentUpdatedAt = createdAt
	}

	e := &record.Entry{
		ID:               id,
		Type:             entryType,
		Title:            title,
		Content:          body,
		Tags:             stringSlice(meta["tags"]),
		Scope:            scope,
		Source:           stringOr(meta, "source", "unknown"),
		Status:           status,
		CreatedAt:        createdAt,
		Version:          version,
		ContentUpdatedAt: contentUpdatedAt,
		Inaccuracy:       floatOr(meta, "inaccuracy", 0),
	}

	if project, ok := stringField(meta, "project"); ok && project != "" {
		e.Project = &project
	}
	if v, ok := stringField(meta, "deprecation_reason"); ok && v != "" {
		e.DeprecationReason = &v
	}
	if v, ok := stringField(meta, "flag_reason"); ok && v != "" {
		e.FlagReason = &v
	}
	if v, ok := stringField(meta, "declaration"); ok && v != "" {
		e.Declaration = &v
	}
	if v, ok := stringField(meta, "parent_page_id"); ok && v != "" {
		if !uuidRegex.MatchString(v) {
			return nil, fmt.Errorf("entry %s: parent_page_id %q is not a valid UUID", id, v)
		}
		e.ParentPageID = &v
	}

	if rawLinks, ok := meta["links"].([]any); ok {
		for _, rl := range rawLinks {
			m, ok := rl.(map[string]any)
			if !ok {
				continue
			}
			target, _ := stringField(m, "target")
			linkType := record.CanonicalLinkType(record.LinkType(mustString(m, "type")))
			if target == "" || !record.ValidLinkType(linkType) {
				continue
			}
			desc, _ := stringField(m, "description")
			e.Links = append(e.Links, record.EmbeddedLink{Target: target, Type: linkType, Description: desc})
		}
	}

	return e, nil
}

// timestampOrString accepts the two shapes yaml.v3 hands back for a
// scalar that looks like a date: an actual string (when quoted) or a
// time.Time (when the untrusted author left it unquoted).
func timestampOrString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mustString(m map[string]any, key string) string {
	s, _ := stringField(m, key)
	return s
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := stringField(m, key); ok {
		return s
	}
	return def
}

func intOr(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func floatOr(m map[string]any, key string, def float64) float64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// stringSlice drops non-string elements silently, so tags survive
// forward-compatible schema additions on other fields.
func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
