// Package outbox provides the durable client-side queue of pending mutation
// intents. Every local mutating operation appends one event here before it is
// acknowledged; the sync worker drains unsynced events in stable FIFO order
// and records push outcomes against them. Pull never touches the outbox.
package outbox

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/uuid"
)

// Config holds outbox tuning knobs.
type Config struct {
	MaxEvents  int // capacity bound; Append fails with OUTBOX_FULL beyond it
	MaxRetries int // events with tries > MaxRetries are excluded from batches
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEvents:  10000,
		MaxRetries: 5,
	}
}

// Outbox is the durable mutation intent log, stored in the client's SQLite
// database (shared with the local record store).
type Outbox struct {
	db  *sql.DB
	cfg Config
}

// New creates an Outbox on the given database, creating its table if needed.
func New(db *sql.DB, cfg Config) (*Outbox, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox_events (
		id          TEXT PRIMARY KEY,
		model       TEXT NOT NULL,
		key_path    TEXT NOT NULL,
		operation   TEXT NOT NULL,
		payload     TEXT NOT NULL,
		client_meta TEXT,
		created_at  INTEGER NOT NULL,
		tries       INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT,
		synced      INTEGER NOT NULL DEFAULT 0,
		synced_at   INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_unsynced ON outbox_events (synced, created_at);`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to create outbox schema", err)
	}

	return &Outbox{db: db, cfg: cfg}, nil
}

// MaxRetries returns the configured retry bound.
func (o *Outbox) MaxRetries() int {
	return o.cfg.MaxRetries
}

// Append durably persists a new event. The triggering local mutation must
// not be considered complete until Append returns. Missing id/createdAt are
// filled in.
func (o *Outbox) Append(ev *models.OutboxEvent) error {
	if !ev.Operation.Valid() {
		return errors.Newf(errors.ErrInvalid, "invalid operation %q", ev.Operation)
	}
	if ev.ID == "" {
		ev.ID = models.UUID(uuid.New())
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}

	// Count and insert share a transaction so concurrent appends cannot
	// overshoot the capacity bound.
	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var pending int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM outbox_events WHERE synced = 0`).Scan(&pending); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to count pending events", err)
	}
	if pending >= o.cfg.MaxEvents {
		return errors.Newf(errors.ErrOutboxFull, "outbox has %d pending events (max %d)", pending, o.cfg.MaxEvents)
	}

	if _, err := tx.Exec(
		`INSERT INTO outbox_events (id, model, key_path, operation, payload, client_meta, created_at, tries, last_error, synced, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL)`,
		ev.ID, ev.Model, ev.KeyPath, ev.Operation, string(ev.Payload), nullableRaw(ev.ClientMeta), ev.CreatedAt,
	); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to append outbox event", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit", err)
	}
	return nil
}

func nullableRaw(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// NextBatch returns up to limit unsynced events ordered by createdAt (rowid
// as tie-breaker, so the order is stable FIFO: a create always precedes a
// later update to the same entity). Events that exhausted their retries are
// excluded until manually cleared.
func (o *Outbox) NextBatch(limit int) ([]*models.OutboxEvent, error) {
	rows, err := o.db.Query(
		`SELECT id, model, key_path, operation, payload, client_meta, created_at, tries, last_error, synced, synced_at
		 FROM outbox_events
		 WHERE synced = 0 AND tries <= ?
		 ORDER BY created_at, rowid
		 LIMIT ?`,
		o.cfg.MaxRetries, limit,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query outbox", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.OutboxEvent, error) {
	var events []*models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		var payload string
		var clientMeta, lastError sql.NullString
		var syncedAt sql.NullInt64
		err := rows.Scan(&ev.ID, &ev.Model, &ev.KeyPath, &ev.Operation, &payload,
			&clientMeta, &ev.CreatedAt, &ev.Tries, &lastError, &ev.Synced, &syncedAt)
		if err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		if clientMeta.Valid {
			ev.ClientMeta = []byte(clientMeta.String)
		}
		if lastError.Valid {
			ev.LastError = lastError.String
		}
		if syncedAt.Valid {
			ev.SyncedAt = syncedAt.Int64
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkSynced records a successful push for the given event ids.
func (o *Outbox) MarkSynced(ids []models.UUID, syncedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := o.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(
			`UPDATE outbox_events SET synced = 1, synced_at = ?, last_error = NULL WHERE id = ?`,
			syncedAt.Unix(), id,
		); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to mark event synced", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit", err)
	}
	return nil
}

// MarkFailed increments the event's try count and records the error. The
// event is kept and remains eligible for retry until tries exceeds
// MaxRetries.
func (o *Outbox) MarkFailed(id models.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := o.db.Exec(
		`UPDATE outbox_events SET tries = tries + 1, last_error = ? WHERE id = ? AND synced = 0`,
		msg, id,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark event failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "outbox event %s not found", id)
	}
	return nil
}

// Failed returns the permanently failed events (tries exceeded MaxRetries).
// They stay in the outbox for inspection; use Retry or ClearFailed.
func (o *Outbox) Failed() ([]*models.OutboxEvent, error) {
	rows, err := o.db.Query(
		`SELECT id, model, key_path, operation, payload, client_meta, created_at, tries, last_error, synced, synced_at
		 FROM outbox_events
		 WHERE synced = 0 AND tries > ?
		 ORDER BY created_at, rowid`,
		o.cfg.MaxRetries,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query failed events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Retry resets a permanently failed event so it re-enters future batches.
func (o *Outbox) Retry(id models.UUID) error {
	res, err := o.db.Exec(
		`UPDATE outbox_events SET tries = 0, last_error = NULL WHERE id = ? AND synced = 0`,
		id,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "outbox event %s not found", id)
	}
	return nil
}

// ClearFailed drops permanently failed events after inspection.
func (o *Outbox) ClearFailed() (int64, error) {
	res, err := o.db.Exec(
		`DELETE FROM outbox_events WHERE synced = 0 AND tries > ?`,
		o.cfg.MaxRetries,
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear failed events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearSynced purges synced events older than the given time. Housekeeping
// only; retention has no effect on correctness.
func (o *Outbox) ClearSynced(olderThan time.Time) (int64, error) {
	res, err := o.db.Exec(
		`DELETE FROM outbox_events WHERE synced = 1 AND synced_at < ?`,
		olderThan.Unix(),
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear synced events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns event counts by state.
func (o *Outbox) Stats() (map[string]int, error) {
	stats := map[string]int{
		"pending": 0,
		"failed":  0,
		"synced":  0,
	}

	rows, err := o.db.Query(
		`SELECT
			CASE
				WHEN synced = 1 THEN 'synced'
				WHEN tries > ? THEN 'failed'
				ELSE 'pending'
			END AS state,
			COUNT(*)
		 FROM outbox_events GROUP BY state`,
		o.cfg.MaxRetries,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query outbox stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// Pending returns the number of events awaiting push.
func (o *Outbox) Pending() (int, error) {
	var n int
	err := o.db.QueryRow(
		`SELECT COUNT(*) FROM outbox_events WHERE synced = 0 AND tries <= ?`,
		o.cfg.MaxRetries,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}
