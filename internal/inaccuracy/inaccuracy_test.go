package inaccuracy

import (
	"context"
	"database/sql"
	"testing"

	"github.com/cristinecula/knowsync/internal/record"
)

// fakeStore is an in-memory EntryStore for testing the propagation
// algorithm without a real database.
type fakeStore struct {
	entries map[string]*record.Entry
	links   []*record.Link
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]*record.Entry{}}
}

func (f *fakeStore) addEntry(id string, status record.EntryStatus) {
	f.entries[id] = &record.Entry{ID: id, Status: status}
}

func (f *fakeStore) addLink(source, target string, t record.LinkType) {
	f.links = append(f.links, &record.Link{SourceID: source, TargetID: target, LinkType: t})
}

func (f *fakeStore) GetByID(ctx context.Context, tx *sql.Tx, id string) (*record.Entry, error) {
	return f.entries[id], nil
}

func (f *fakeStore) Incoming(ctx context.Context, tx *sql.Tx, targetID string, types []record.LinkType) ([]*record.Link, error) {
	var out []*record.Link
	for _, l := range f.links {
		if l.TargetID == targetID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) SetInaccuracy(ctx context.Context, tx *sql.Tx, id string, inaccuracy float64) error {
	f.entries[id].Inaccuracy = inaccuracy
	return nil
}

func TestPropagateSingleHop(t *testing.T) {
	s := newFakeStore()
	s.addEntry("root", record.StatusActive)
	s.addEntry("dependent", record.StatusActive)
	s.addLink("dependent", "root", record.LinkDepends)

	if err := Propagate(context.Background(), nil, s, "root", 1.0); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	want := 1.0 * 0.5 * 0.6
	if got := s.entries["dependent"].Inaccuracy; got != want {
		t.Errorf("dependent inaccuracy = %v, want %v", got, want)
	}
}

func TestPropagateSkipsDeprecatedAndDormant(t *testing.T) {
	s := newFakeStore()
	s.addEntry("root", record.StatusActive)
	s.addEntry("dep-active", record.StatusActive)
	s.addEntry("dep-deprecated", record.StatusDeprecated)
	s.addEntry("dep-dormant", record.StatusDormant)
	s.addLink("dep-active", "root", record.LinkDerived)
	s.addLink("dep-deprecated", "root", record.LinkDerived)
	s.addLink("dep-dormant", "root", record.LinkDerived)

	if err := Propagate(context.Background(), nil, s, "root", 1.0); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if s.entries["dep-active"].Inaccuracy == 0 {
		t.Errorf("active dependent should have received a bump")
	}
	if s.entries["dep-deprecated"].Inaccuracy != 0 {
		t.Errorf("deprecated dependent should be skipped, got %v", s.entries["dep-deprecated"].Inaccuracy)
	}
	if s.entries["dep-dormant"].Inaccuracy != 0 {
		t.Errorf("dormant dependent should be skipped, got %v", s.entries["dep-dormant"].Inaccuracy)
	}
}

func TestPropagateSkipsContradicts(t *testing.T) {
	s := newFakeStore()
	s.addEntry("root", record.StatusActive)
	s.addEntry("dependent", record.StatusActive)
	s.addLink("dependent", "root", record.LinkContradicts)

	if err := Propagate(context.Background(), nil, s, "root", 1.0); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if s.entries["dependent"].Inaccuracy != 0 {
		t.Errorf("contradicts link should carry zero weight, got %v", s.entries["dependent"].Inaccuracy)
	}
}

func TestPropagateClampsToCapAndAccumulates(t *testing.T) {
	s := newFakeStore()
	s.addEntry("root", record.StatusActive)
	s.addEntry("dependent", record.StatusActive)
	s.addLink("dependent", "root", record.LinkDerived)
	s.addLink("dependent", "root", record.LinkSupersedes)
	// Two weight-1.0 links each add 0.5; starting at 1.2 the sum passes the cap.
	s.entries["dependent"].Inaccuracy = 1.2

	if err := Propagate(context.Background(), nil, s, "root", 1.0); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if s.entries["dependent"].Inaccuracy != record.InaccuracyCap {
		t.Errorf("inaccuracy = %v, want cap %v (1.2 + 0.5 + 0.5, clamped)", s.entries["dependent"].Inaccuracy, record.InaccuracyCap)
	}
}

func TestPropagateNoOpOnZeroDiffFactor(t *testing.T) {
	s := newFakeStore()
	s.addEntry("root", record.StatusActive)
	s.addEntry("dependent", record.StatusActive)
	s.addLink("dependent", "root", record.LinkDerived)

	if err := Propagate(context.Background(), nil, s, "root", 0); err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if s.entries["dependent"].Inaccuracy != 0 {
		t.Errorf("zero diff factor should not propagate, got %v", s.entries["dependent"].Inaccuracy)
	}
}

func TestPropagateCycleSafe(t *testing.T) {
	s := newFakeStore()
	s.addEntry("a", record.StatusActive)
	s.addEntry("b", record.StatusActive)
	s.addLink("b", "a", record.LinkDerived)
	s.addLink("a", "b", record.LinkDerived)

	done := make(chan error, 1)
	go func() {
		done <- Propagate(context.Background(), nil, s, "a", 1.0)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Propagate: %v", err)
		}
	}
}
