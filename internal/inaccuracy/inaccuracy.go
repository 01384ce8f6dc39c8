// Package inaccuracy implements the breadth-first inaccuracy-propagation
// algorithm: when a record's content changes, every record that
// depends on it (directly or transitively, against incoming edges) gets
// a scaled inaccuracy bump.
package inaccuracy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cristinecula/knowsync/internal/record"
)

// EntryStore is the subset of the store the propagation needs: reading
// entries and their incoming links, and bumping inaccuracy.
type EntryStore interface {
	GetByID(ctx context.Context, tx *sql.Tx, id string) (*record.Entry, error)
	Incoming(ctx context.Context, tx *sql.Tx, targetID string, types []record.LinkType) ([]*record.Link, error)
	SetInaccuracy(ctx context.Context, tx *sql.Tx, id string, inaccuracy float64) error
}

const (
	hopDecay = 0.5
	capValue = record.InaccuracyCap
	floor    = 1e-3
)

var linkTypeWeight = map[record.LinkType]float64{
	record.LinkDerived:       1.0,
	record.LinkDepends:       0.6,
	record.LinkElaborates:    0.4,
	record.LinkSupersedes:    1.0,
	record.LinkRelated:       0.1,
	record.LinkContradicts:   0,
	record.LinkConflictsWith: 0,
}

type queued struct {
	id    string
	depth int
}

// Propagate walks incoming edges from rootID breadth-first, bumping each
// reached entry's inaccuracy by d * hopDecay^depth * linkTypeWeight(type),
// clamped to cap, skipping deprecated/dormant targets, and stopping once
// the prospective bump falls below floor.
func Propagate(ctx context.Context, tx *sql.Tx, s EntryStore, rootID string, diffFactor float64) error {
	if diffFactor <= 0 {
		return nil
	}

	visited := map[string]bool{rootID: true}
	queue := []queued{{id: rootID, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		incoming, err := s.Incoming(ctx, tx, cur.id, nil)
		if err != nil {
			return fmt.Errorf("inaccuracy propagate: incoming(%s): %w", cur.id, err)
		}

		for _, link := range incoming {
			weight := linkTypeWeight[record.CanonicalLinkType(link.LinkType)]
			if weight <= 0 {
				continue
			}
			targetID := link.SourceID // the record that depends on cur.id
			depth := cur.depth + 1
			bump := diffFactor * pow(hopDecay, depth) * weight
			if bump < floor {
				continue
			}

			target, err := s.GetByID(ctx, tx, targetID)
			if err != nil {
				return fmt.Errorf("inaccuracy propagate: get(%s): %w", targetID, err)
			}
			if target == nil || target.Status == record.StatusDeprecated || target.Status == record.StatusDormant {
				continue
			}

			newInaccuracy := target.Inaccuracy + bump
			if newInaccuracy > capValue {
				newInaccuracy = capValue
			}
			if err := s.SetInaccuracy(ctx, tx, targetID, newInaccuracy); err != nil {
				return fmt.Errorf("inaccuracy propagate: set(%s): %w", targetID, err)
			}

			if !visited[targetID] {
				visited[targetID] = true
				queue = append(queue, queued{id: targetID, depth: depth})
			}
		}
	}
	return nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
