// Package models provides data model definitions for the localsync engine.
package models

import "time"

// ChangeLogEntry is one row of the server's append-only change log. The ID is
// assigned by the canonical store inside the same transaction as the mutation
// it describes, so id order equals durable commit order. That total order is
// the sole arbiter of "last writer"; payload timestamps are never consulted.
//
// The entry carries no payload: it is a pointer into canonical storage plus a
// verb. Pulling clients re-fetch the current record via the materializer.
type ChangeLogEntry struct {
	ID        int64     `db:"id" json:"id"`
	ScopeKey  string    `db:"scope_key" json:"scope_key"`
	Model     string    `db:"model" json:"model"`
	Operation Operation `db:"operation" json:"operation"`
	KeyPath   KeyPath   `db:"key_path" json:"key_path"`
	AppliedAt int64     `db:"applied_at" json:"applied_at"`
}

// TableName returns the table name for ChangeLogEntry.
func (ChangeLogEntry) TableName() string {
	return "change_log"
}

// Time returns the AppliedAt as time.Time.
func (c *ChangeLogEntry) Time() time.Time {
	return time.Unix(c.AppliedAt, 0)
}
