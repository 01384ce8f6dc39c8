package repofs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cristinecula/knowsync/internal/record"
)

func newEntry(id, title string) *record.Entry {
	return &record.Entry{
		ID: id, Type: record.EntryFact, Title: title, Content: "body",
		Scope: record.ScopeCompany, Source: "unknown", Status: record.StatusActive,
		CreatedAt: "2026-01-01T00:00:00Z", Version: 1,
	}
}

func TestEnsureStructureCreatesMeta(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureStructure(dir); err != nil {
		t.Fatalf("EnsureStructure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		t.Fatalf("meta.json not created: %v", err)
	}
	// idempotent
	if err := EnsureStructure(dir); err != nil {
		t.Fatalf("EnsureStructure (second call): %v", err)
	}
}

func TestEnsureStructureRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), []byte(`{"schema_version": 999}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureStructure(dir); err == nil {
		t.Fatalf("expected error for newer schema_version")
	}
}

func TestWriteAndReadEntry(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "My Entry")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != e.ID {
		t.Fatalf("ReadAllEntries = %+v, want one entry with id %s", entries, e.ID)
	}
}

func TestWriteEntryRenameLeavesRedirect(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Old Title")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	oldPath := filepath.Join(dir, canonicalPath(e))

	e.Title = "New Title"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (rename): %v", err)
	}

	data, err := os.ReadFile(oldPath)
	if err != nil {
		t.Fatalf("old path should now hold a redirect marker: %v", err)
	}
	if !containsRedirect(data) {
		t.Fatalf("old path content is not a redirect marker: %q", data)
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "New Title" {
		t.Fatalf("ReadAllEntries after rename = %+v, want one entry titled New Title", entries)
	}
}

func containsRedirect(data []byte) bool {
	return len(data) > 0 && string(data[:9]) == "redirect:"
}

func TestWriteEntryDoubleRenameLeavesOneRealFile(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "First Title")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	e.Title = "Second Title"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (first rename): %v", err)
	}
	e.Title = "Third Title"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (second rename): %v", err)
	}

	// Every stale path for the ID must be a marker, never a second
	// parseable copy of the entry.
	paths, err := entryFilePaths(dir, e.ID)
	if err != nil {
		t.Fatalf("entryFilePaths: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 files (1 real + 2 markers) after two renames, got %v", paths)
	}
	canonical := canonicalPath(e)
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			t.Fatal(err)
		}
		if p == canonical {
			if containsRedirect(data) {
				t.Fatalf("canonical path %s holds a marker", p)
			}
			continue
		}
		if !containsRedirect(data) {
			t.Fatalf("stale path %s is a full entry copy, want a redirect marker", p)
		}
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Third Title" {
		t.Fatalf("ReadAllEntries after double rename = %+v, want exactly the latest entry", entries)
	}
}

func TestWriteEntryTypeChangeRedirectsAcrossDirectories(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Reclassified")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	oldPath := filepath.Join(dir, canonicalPath(e))

	e.Type = record.EntryDecision
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (type change): %v", err)
	}

	data, err := os.ReadFile(oldPath)
	if err != nil {
		t.Fatalf("old type path should hold a marker: %v", err)
	}
	if !containsRedirect(data) {
		t.Fatalf("old type path content is not a redirect marker: %q", data)
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != record.EntryDecision {
		t.Fatalf("ReadAllEntries after type change = %+v, want one decision entry", entries)
	}
}

func TestReadEntryRawIgnoresMarkers(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Original")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	e.Title = "Renamed"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (rename): %v", err)
	}

	data, ok, err := ReadEntryRaw(dir, string(e.Type), e.ID)
	if err != nil || !ok {
		t.Fatalf("ReadEntryRaw: ok=%t err=%v", ok, err)
	}
	if containsRedirect(data) {
		t.Fatalf("ReadEntryRaw returned a marker instead of the entry file")
	}
}

func TestFindEntryPathSkipsMarkers(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Original")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	e.Title = "Renamed"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (rename): %v", err)
	}

	got, err := FindEntryPath(dir, e.ID)
	if err != nil {
		t.Fatalf("FindEntryPath: %v", err)
	}
	if got != canonicalPath(e) {
		t.Fatalf("FindEntryPath = %q, want canonical %q", got, canonicalPath(e))
	}
}

func TestDeleteEntryRemovesFile(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Doomed")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := DeleteEntry(dir, e.ID, string(e.Type)); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ReadAllEntries after delete = %+v, want none", entries)
	}
}

func TestDeleteEntrySweepsMarkers(t *testing.T) {
	dir := t.TempDir()
	e := newEntry("11111111-2222-4333-8444-555555555555", "Original")
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	e.Title = "Renamed"
	if err := WriteEntry(dir, e); err != nil {
		t.Fatalf("WriteEntry (rename): %v", err)
	}

	if err := DeleteEntry(dir, e.ID, string(e.Type)); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	paths, err := entryFilePaths(dir, e.ID)
	if err != nil {
		t.Fatalf("entryFilePaths: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("files left behind after delete: %v", paths)
	}
}

func TestReadAllEntriesSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureStructure(dir); err != nil {
		t.Fatal(err)
	}
	goodEntry := newEntry("11111111-2222-4333-8444-555555555555", "Good")
	if err := WriteEntry(dir, goodEntry); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}

	badDir := filepath.Join(dir, "entries", "fact")
	if err := os.WriteFile(filepath.Join(badDir, "garbage_deadbeef.md"), []byte("---\nid: not-a-uuid\n---\nbad"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAllEntries(dir)
	if err != nil {
		t.Fatalf("ReadAllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Good" {
		t.Fatalf("ReadAllEntries = %+v, want only the good entry", entries)
	}
}

func TestReadEntryRawAbsent(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureStructure(dir); err != nil {
		t.Fatal(err)
	}
	_, ok, err := ReadEntryRaw(dir, "fact", "00000000-0000-4000-8000-000000000000")
	if err != nil {
		t.Fatalf("ReadEntryRaw: %v", err)
	}
	if ok {
		t.Fatalf("ReadEntryRaw should report absent for missing entry")
	}
}
