// Package server implements the canonical side of the sync engine: the
// authoritative record store, the batch push processor, the append-only
// change log and the pull materializer.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/localsync/internal/models"
)

// StoredRecord is one row of canonical storage: the full entity snapshot
// plus the scope key it was admitted under. The stored scope key authorizes
// later key-only operations (deletes) without re-deriving from a payload.
type StoredRecord struct {
	Model    string          `db:"model" json:"model"`
	KeyPath  models.KeyPath  `db:"key_path" json:"key_path"`
	ScopeKey string          `db:"scope_key" json:"scope_key"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
}

// Record converts the stored row to the wire record shape.
func (r *StoredRecord) Record() *models.Record {
	return &models.Record{
		Model:   r.Model,
		KeyPath: r.KeyPath,
		Fields:  r.Payload,
	}
}

// Store is the server's canonical SQLite store. All writes happen through
// processor transactions; the single-writer connection makes change-log id
// order equal durable commit order.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the canonical store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "canonical.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		model     TEXT NOT NULL,
		key       TEXT NOT NULL,
		key_path  TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		payload   TEXT NOT NULL,
		PRIMARY KEY (model, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_scope ON records (scope_key, model);

	CREATE TABLE IF NOT EXISTS change_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_key  TEXT NOT NULL,
		model      TEXT NOT NULL,
		operation  TEXT NOT NULL,
		key_path   TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_log_scope ON change_log (scope_key, id);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create canonical schema: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for the processor's transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getRecord(q querier, model, key string) (*StoredRecord, error) {
	var rec StoredRecord
	var payload string
	err := q.QueryRow(
		`SELECT model, key_path, scope_key, payload FROM records WHERE model = ? AND key = ?`,
		model, key,
	).Scan(&rec.Model, &rec.KeyPath, &rec.ScopeKey, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func putRecord(q querier, rec *StoredRecord) error {
	_, err := q.Exec(
		`INSERT INTO records (model, key, key_path, scope_key, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(model, key) DO UPDATE SET key_path = excluded.key_path, scope_key = excluded.scope_key, payload = excluded.payload`,
		rec.Model, rec.KeyPath.String(), rec.KeyPath, rec.ScopeKey, string(rec.Payload),
	)
	return err
}

func deleteRecord(q querier, model, key string) error {
	_, err := q.Exec(`DELETE FROM records WHERE model = ? AND key = ?`, model, key)
	return err
}

// childRecords returns the stored records of childModel whose payload field
// refField points at parentKey. Used for cascade deletes down the ownership
// chain.
func childRecords(q querier, childModel, refField, parentKey string) ([]*StoredRecord, error) {
	rows, err := q.Query(
		`SELECT model, key_path, scope_key, payload FROM records
		 WHERE model = ? AND json_extract(payload, '$.' || ?) = ?`,
		childModel, refField, parentKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var payload string
		if err := rows.Scan(&rec.Model, &rec.KeyPath, &rec.ScopeKey, &payload); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// appendLog inserts one change-log row and returns its assigned id. Always
// called inside the same transaction as the mutation it describes.
func appendLog(q querier, scopeKey, model string, op models.Operation, keyPath models.KeyPath, appliedAt time.Time) (int64, error) {
	res, err := q.Exec(
		`INSERT INTO change_log (scope_key, model, operation, key_path, applied_at) VALUES (?, ?, ?, ?, ?)`,
		scopeKey, model, op, keyPath, appliedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRecord retrieves a canonical record; absent records return (nil, nil).
func (s *Store) GetRecord(model, key string) (*StoredRecord, error) {
	return getRecord(s.db, model, key)
}

// LogsAfter returns up to limit change-log entries for one scope with id
// strictly greater than cursor, in ascending id order.
func (s *Store) LogsAfter(scopeKey string, cursor int64, limit int) ([]models.ChangeLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, scope_key, model, operation, key_path, applied_at
		 FROM change_log
		 WHERE scope_key = ? AND id > ?
		 ORDER BY id
		 LIMIT ?`,
		scopeKey, cursor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ChangeLogEntry
	for rows.Next() {
		var e models.ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.ScopeKey, &e.Model, &e.Operation, &e.KeyPath, &e.AppliedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestLogID returns the highest assigned change-log id, 0 when empty.
func (s *Store) LatestLogID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM change_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
