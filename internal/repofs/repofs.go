// Package repofs implements the on-disk directory layout of one sync
// repo: creating its structure, writing and deleting entry files
// atomically, and enumerating existing entries while following redirect
// markers left behind by renames.
package repofs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cristinecula/knowsync/internal/marshal"
	"github.com/cristinecula/knowsync/internal/record"
)

const entriesDirName = "entries"
const metaFileName = "meta.json"

// SchemaVersion is the schema_version this binary understands. See
// EnsureStructure for the forward-compatibility gate.
const SchemaVersion = 1

type metaFile struct {
	SchemaVersion int `json:"schema_version"`
}

// EnsureStructure creates the repo root and meta.json idempotently, and
// refuses to operate on a repo whose meta.json names a schema_version
// newer than SchemaVersion.
func EnsureStructure(repoPath string) error {
	if err := os.MkdirAll(filepath.Join(repoPath, entriesDirName), 0o755); err != nil {
		return fmt.Errorf("ensure_structure %s: %w", repoPath, err)
	}

	metaPath := filepath.Join(repoPath, metaFileName)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("ensure_structure %s: read meta.json: %w", repoPath, err)
		}
		return writeMeta(metaPath)
	}

	var meta metaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("ensure_structure %s: malformed meta.json: %w", repoPath, err)
	}
	if meta.SchemaVersion > SchemaVersion {
		return fmt.Errorf("ensure_structure %s: repo schema_version %d is newer than this binary understands (%d)", repoPath, meta.SchemaVersion, SchemaVersion)
	}
	return nil
}

func writeMeta(metaPath string) error {
	data, err := json.Marshal(metaFile{SchemaVersion: SchemaVersion})
	if err != nil {
		return err
	}
	return atomicWrite(metaPath, data)
}

// canonicalPath returns the repo-root-relative path for an entry.
func canonicalPath(e *record.Entry) string {
	return filepath.Join(entriesDirName, string(e.Type), marshal.Filename(e.Title, e.ID))
}

// WriteEntry atomically writes the serialized entry at its canonical
// path. Every other file still carrying the entry's ID suffix — the
// previous real file after a slug or type change, plus any markers older
// renames left behind — is rewritten as a redirect marker naming the new
// canonical path, so repeated renames between pushes never leave a stale
// parseable copy on disk.
func WriteEntry(repoPath string, e *record.Entry) error {
	data, err := marshal.EntryToMarkdown(e)
	if err != nil {
		return fmt.Errorf("write_entry %s: %w", e.ID, err)
	}

	relPath := canonicalPath(e)
	absPath := filepath.Join(repoPath, relPath)

	stale, err := entryFilePaths(repoPath, e.ID)
	if err != nil {
		return fmt.Errorf("write_entry %s: locate previous paths: %w", e.ID, err)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("write_entry %s: %w", e.ID, err)
	}
	if err := atomicWrite(absPath, data); err != nil {
		return fmt.Errorf("write_entry %s: %w", e.ID, err)
	}

	marker := marshal.RenderRedirectMarker(filepath.ToSlash(relPath))
	for _, old := range stale {
		if old == relPath {
			continue
		}
		if err := atomicWrite(filepath.Join(repoPath, old), marker); err != nil {
			return fmt.Errorf("write_entry %s: leave redirect marker at %s: %w", e.ID, old, err)
		}
	}
	return nil
}

// entryFilePaths returns the repo-relative path of every file named with
// id's short suffix, across all type directories: the entry's current
// file and any redirect markers earlier renames left behind.
func entryFilePaths(repoPath, id string) ([]string, error) {
	id8 := id
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	pattern := filepath.Join(entriesDirName, "*", "*_"+id8+".md")
	return doublestar.Glob(os.DirFS(repoPath), pattern)
}

// DeleteEntry removes every file carrying id's short suffix. The type
// directory is not trusted as the only location: slug and type changes
// leave redirect markers in sibling directories, so all of them are
// swept.
func DeleteEntry(repoPath, id, entryType string) error {
	matches, err := entryFilePaths(repoPath, id)
	if err != nil {
		return fmt.Errorf("delete_entry %s: %w", id, err)
	}
	for _, m := range matches {
		if err := os.Remove(filepath.Join(repoPath, m)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete_entry %s: %w", id, err)
		}
	}
	return nil
}

// ReadAllEntries yields every valid entry in the repo, following
// redirect markers and skipping malformed files after logging a warning
// rather than failing the whole pull.
func ReadAllEntries(repoPath string) ([]*record.Entry, error) {
	pattern := filepath.Join(entriesDirName, "*", "*.md")
	matches, err := doublestar.Glob(os.DirFS(repoPath), pattern)
	if err != nil {
		return nil, fmt.Errorf("read_all_entries %s: %w", repoPath, err)
	}

	seenPath := make(map[string]bool)
	seenID := make(map[string]bool)
	var entries []*record.Entry
	for _, relPath := range matches {
		absPath := filepath.Join(repoPath, relPath)
		data, err := os.ReadFile(absPath)
		if err != nil {
			log.Printf("[repo] skipping unreadable file %s: %v", relPath, err)
			continue
		}

		if target, ok := marshal.ParseRedirectMarker(data); ok {
			resolved := resolveMarkerTarget(relPath, target)
			data, err = os.ReadFile(filepath.Join(repoPath, resolved))
			if err != nil {
				log.Printf("[repo] redirect marker %s points at missing file %s: %v", relPath, resolved, err)
				continue
			}
			relPath = resolved
		}

		if seenPath[relPath] {
			continue
		}
		seenPath[relPath] = true

		e, err := marshal.MarkdownToEntry(data)
		if err != nil {
			log.Printf("[repo] skipping malformed entry file %s: %v", relPath, err)
			continue
		}
		if seenID[e.ID] {
			log.Printf("[repo] skipping duplicate file %s for entry %s", relPath, e.ID)
			continue
		}
		seenID[e.ID] = true
		entries = append(entries, e)
	}
	return entries, nil
}

// resolveMarkerTarget turns a marker's target into a repo-relative path.
// Markers written by this codebase carry repo-relative, slash-separated
// targets; older ones carried a bare filename in the marker's own
// directory.
func resolveMarkerTarget(markerRelPath, target string) string {
	if strings.ContainsRune(target, '/') {
		return filepath.FromSlash(target)
	}
	return filepath.Join(filepath.Dir(markerRelPath), target)
}

// ReadEntryRaw returns the raw bytes of the real (non-marker) file for
// id under entryType, or (nil, false) if absent. A directory holding
// only a redirect marker for the id counts as absent for that type.
func ReadEntryRaw(repoPath, entryType, id string) ([]byte, bool, error) {
	id8 := id
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	pattern := filepath.Join(entriesDirName, entryType, "*_"+id8+".md")
	matches, err := doublestar.Glob(os.DirFS(repoPath), pattern)
	if err != nil {
		return nil, false, fmt.Errorf("read_entry_raw %s: %w", id, err)
	}
	for _, m := range matches {
		data, err := os.ReadFile(filepath.Join(repoPath, m))
		if err != nil {
			return nil, false, fmt.Errorf("read_entry_raw %s: %w", id, err)
		}
		if _, isMarker := marshal.ParseRedirectMarker(data); isMarker {
			continue
		}
		return data, true, nil
	}
	return nil, false, nil
}

// atomicWrite writes data to a temp file in the same directory then
// renames it into place, so readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// FindEntryPath returns the repo-relative path of the real (non-marker)
// file currently holding id, or "" if the repo has no file for that
// entry. History commands use this to hand the version-control driver an
// exact path.
func FindEntryPath(repoPath, id string) (string, error) {
	matches, err := entryFilePaths(repoPath, id)
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		data, err := os.ReadFile(filepath.Join(repoPath, m))
		if err != nil {
			continue
		}
		if _, isMarker := marshal.ParseRedirectMarker(data); !isMarker {
			return m, nil
		}
	}
	return "", nil
}
