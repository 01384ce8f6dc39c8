// Package merge classifies a (local, remote) entry pair. It is a
// pure, no-I/O package in the same style as internal/routing.
package merge

import (
	"strings"

	"github.com/cristinecula/knowsync/internal/record"
)

// Action is the outcome of detecting a conflict between a local and a
// remote revision of the same entry.
type Action string

const (
	NoChange   Action = "no_change"
	LocalWins  Action = "local_wins"
	RemoteWins Action = "remote_wins"
	Conflict   Action = "conflict"
)

// Detect classifies the pair (local, remote) by comparing each side's
// version against the last synced_version baseline; synced_version =
// nil is treated as 0.
func Detect(local, remote *record.Entry) Action {
	baseline := local.SyncedVersionOrZero()
	localChanged := local.Version > maxInt(baseline, 0)
	remoteChanged := remote.Version > maxInt(baseline, 0)

	switch {
	case !localChanged && !remoteChanged:
		return NoChange
	case !localChanged && remoteChanged:
		return RemoteWins
	case localChanged && !remoteChanged:
		return LocalWins
	default:
		if ContentEqual(local, remote) {
			return NoChange
		}
		return Conflict
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ContentEqual compares every content field, excluding version numbers
// and timestamps, so two peers making the identical edit
// independently converge without a spurious conflict.
func ContentEqual(a, b *record.Entry) bool {
	if a.Type != b.Type || a.Title != b.Title {
		return false
	}
	if normalizeContent(a.Content) != normalizeContent(b.Content) {
		return false
	}
	if !stringSlicesEqual(a.Tags, b.Tags) {
		return false
	}
	if !strPtrEqual(a.Project, b.Project) {
		return false
	}
	if a.Scope != b.Scope || a.Source != b.Source || a.Status != b.Status {
		return false
	}
	if !strPtrEqual(a.ParentPageID, b.ParentPageID) {
		return false
	}
	if !strPtrEqual(a.DeprecationReason, b.DeprecationReason) {
		return false
	}
	if !strPtrEqual(a.Declaration, b.Declaration) {
		return false
	}
	if !strPtrEqual(a.FlagReason, b.FlagReason) {
		return false
	}
	return true
}

func normalizeContent(s string) string {
	return strings.TrimRight(s, " \t\r\n")
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func strPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// DiffFactor measures how much new differs from old on a [0,1] scale
// using a normalized Levenshtein distance, clamped to [0.1, 1.0] for any
// real change, or exactly 0 for no change. Feeds the inaccuracy
// propagation algorithm.
func DiffFactor(oldContent, newContent string) float64 {
	old := normalizeContent(oldContent)
	new_ := normalizeContent(newContent)
	if old == new_ {
		return 0
	}
	dist := levenshtein(old, new_)
	maxLen := len(old)
	if len(new_) > maxLen {
		maxLen = len(new_)
	}
	if maxLen == 0 {
		return 0
	}
	d := float64(dist) / float64(maxLen)
	if d < 0.1 {
		d = 0.1
	}
	if d > 1.0 {
		d = 1.0
	}
	return d
}

// levenshtein computes edit distance with O(min(len)) memory.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}
	cur := make([]int, len(ra)+1)
	for j := 1; j <= len(rb); j++ {
		cur[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[i] + 1
			ins := cur[i-1] + 1
			sub := prev[i-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[i] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(ra)]
}
