// Package models provides data model definitions for the localsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Operation is a mutation verb carried by outbox events and change-log entries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of create/update/delete.
func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// OutboxEvent is one durable mutation intent, created by every local mutating
// operation before the mutation is acknowledged. The sync worker mutates the
// push bookkeeping fields (Tries, LastError, Synced, SyncedAt); pull never
// touches the outbox.
type OutboxEvent struct {
	ID         UUID            `db:"id" json:"id"`
	Model      string          `db:"model" json:"model"`
	KeyPath    KeyPath         `db:"key_path" json:"key_path"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	ClientMeta json.RawMessage `db:"client_meta" json:"client_meta,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	Tries      int             `db:"tries" json:"tries"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	Synced     bool            `db:"synced" json:"synced"`
	SyncedAt   int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for OutboxEvent.
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *OutboxEvent) CreatedAtTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}
