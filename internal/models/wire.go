// Package models provides data model definitions for the localsync engine.
package models

// AppliedResult is the per-event outcome of a push. An empty Error means
// success, including the idempotent no-op cases (create of an existing
// record, update/delete of an absent one). Merged carries the canonical
// post-apply state where one exists, so clients can reconcile
// server-computed defaults.
type AppliedResult struct {
	ID      UUID    `json:"id"`
	KeyPath KeyPath `json:"key_path"`
	Merged  *Record `json:"merged,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// OK reports whether the event was applied (or no-op'd) successfully.
func (r *AppliedResult) OK() bool {
	return r.Error == ""
}

// PushRequest is the wire body for a push call: outbox events in the
// client's local causal order. The caller's scope is implicit (derived from
// the authenticated session by the transport layer).
type PushRequest struct {
	Events []OutboxEvent `json:"events"`
}

// PushResponse carries one AppliedResult per pushed event, in input order.
type PushResponse struct {
	Results []AppliedResult `json:"results"`
}

// LogWithRecord is a materialized change-log entry: the entry plus the
// entity's current canonical record. Deletes carry a tombstone instead of a
// record. A create/update whose record has since been deleted (the delete
// entry sits at a later id) is returned without a record and counted in
// PullResponse.MissingRecords.
type LogWithRecord struct {
	Entry     ChangeLogEntry `json:"entry"`
	Record    *Record        `json:"record,omitempty"`
	Tombstone bool           `json:"tombstone,omitempty"`
}

// PullResponse is one page of the replication stream. Cursor is the highest
// change-log id included, or the request cursor unchanged when the page is
// empty. Callers repeat the call until a short page is returned.
type PullResponse struct {
	Cursor         int64           `json:"cursor"`
	Logs           []LogWithRecord `json:"logs"`
	MissingRecords int             `json:"missing_records,omitempty"`
}
