package syncengine

// ConflictDetail describes one conflict resolved during a pull pass.
type ConflictDetail struct {
	OriginalID string `json:"original_id"`
	ConflictID string `json:"conflict_id"`
	Title      string `json:"title"`
	Reason     string `json:"reason"`
}

// PullResult is returned by a pull pass.
type PullResult struct {
	NewEntries      int              `json:"new_entries"`
	Updated         int              `json:"updated"`
	Deleted         int              `json:"deleted"`
	Conflicts       int              `json:"conflicts"`
	ConflictDetails []ConflictDetail `json:"conflict_details,omitempty"`
	NewLinks        int              `json:"new_links"`
	DeletedLinks    int              `json:"deleted_links"`
}

// PushResult is returned by a push pass.
type PushResult struct {
	Pushed     bool `json:"pushed"`
	NewEntries int  `json:"new_entries"`
	Deleted    int  `json:"deleted"`
}

// SyncResult is returned by every pass; a direction: both pass pulls
// then pushes and fills both halves.
type SyncResult struct {
	Pull *PullResult `json:"pull,omitempty"`
	Push *PushResult `json:"push,omitempty"`
	// Contended is true when the sync lock could not be acquired; Pull
	// and Push are both nil in that case.
	Contended bool `json:"contended,omitempty"`
}
