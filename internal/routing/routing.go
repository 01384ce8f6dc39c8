// Package routing selects the sync repo that owns an entry of a given
// scope and project. Small, pure, no I/O.
package routing

import "github.com/cristinecula/knowsync/internal/record"

// ChooseRepo applies the first-match-wins rule order:
//  1. scope AND project match
//  2. project match only
//  3. scope match only
//  4. no-filter fallback
//  5. otherwise the first configured repo
//
// repos must be non-empty; callers are responsible for surfacing a
// configuration error otherwise.
func ChooseRepo(scope record.Scope, project string, repos []record.SyncRepo) record.SyncRepo {
	for _, r := range repos {
		if r.HasScopeFilter() && r.HasProjectFilter() && r.Scope == scope && r.Project == project {
			return r
		}
	}
	for _, r := range repos {
		if r.HasProjectFilter() && !r.HasScopeFilter() && r.Project == project {
			return r
		}
	}
	for _, r := range repos {
		if r.HasScopeFilter() && !r.HasProjectFilter() && r.Scope == scope {
			return r
		}
	}
	for _, r := range repos {
		if !r.HasScopeFilter() && !r.HasProjectFilter() {
			return r
		}
	}
	return repos[0]
}
