// Package localstore provides the client's embedded keyed record store.
//
// The sync engine treats local storage as a generic store of full-record
// snapshots grouped into per-model collections. The Store interface is the
// boundary; the SQLite implementation below is the default embedded engine.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/localsync/internal/models"
)

// Tx is a read-write transaction spanning collections.
type Tx interface {
	Get(collection, key string) (*models.Record, error)
	GetAll(collection string) ([]*models.Record, error)
	Put(collection string, rec *models.Record) error
	Delete(collection, key string) error
}

// Store is the embedded local record store. Get returns (nil, nil) for an
// absent record. Meta is a small key/value area used for sync bookkeeping
// such as the pull cursor.
type Store interface {
	Get(collection, key string) (*models.Record, error)
	GetAll(collection string) ([]*models.Record, error)
	Put(collection string, rec *models.Record) error
	Delete(collection, key string) error

	// Update runs fn inside one transaction; a returned error rolls back.
	Update(fn func(tx Tx) error) error

	GetMeta(key string) (string, error)
	SetMeta(key, value string) error

	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the local store under dataDir.
// The database is opened with WAL mode and a single writer connection.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "localsync.db")

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

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection so sibling components (the outbox)
// can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		key        TEXT NOT NULL,
		key_path   TEXT NOT NULL,
		fields     TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create local store schema: %w", err)
	}
	return nil
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getRecord(q querier, collection, key string) (*models.Record, error) {
	var rec models.Record
	var fields string
	err := q.QueryRow(
		`SELECT collection, key_path, fields FROM records WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&rec.Model, &rec.KeyPath, &fields)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Fields = json.RawMessage(fields)
	return &rec, nil
}

func putRecord(q querier, collection string, rec *models.Record) error {
	_, err := q.Exec(
		`INSERT INTO records (collection, key, key_path, fields) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET key_path = excluded.key_path, fields = excluded.fields`,
		collection, rec.Key(), rec.KeyPath, string(rec.Fields),
	)
	return err
}

func deleteRecord(q querier, collection, key string) error {
	_, err := q.Exec(`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
	return err
}

// Get retrieves a record by collection and key; absent records return (nil, nil).
func (s *SQLiteStore) Get(collection, key string) (*models.Record, error) {
	return getRecord(s.db, collection, key)
}

func getAllRecords(q querier, collection string) ([]*models.Record, error) {
	rows, err := q.Query(
		`SELECT collection, key_path, fields FROM records WHERE collection = ? ORDER BY key`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.Record
	for rows.Next() {
		var rec models.Record
		var fields string
		if err := rows.Scan(&rec.Model, &rec.KeyPath, &fields); err != nil {
			return nil, err
		}
		rec.Fields = json.RawMessage(fields)
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetAll returns every record of a collection.
func (s *SQLiteStore) GetAll(collection string) ([]*models.Record, error) {
	return getAllRecords(s.db, collection)
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(collection string, rec *models.Record) error {
	return putRecord(s.db, collection, rec)
}

// Delete removes a record; deleting an absent record is a no-op.
func (s *SQLiteStore) Delete(collection, key string) error {
	return deleteRecord(s.db, collection, key)
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(collection, key string) (*models.Record, error) {
	return getRecord(t.tx, collection, key)
}

func (t *sqliteTx) GetAll(collection string) ([]*models.Record, error) {
	return getAllRecords(t.tx, collection)
}

func (t *sqliteTx) Put(collection string, rec *models.Record) error {
	return putRecord(t.tx, collection, rec)
}

func (t *sqliteTx) Delete(collection, key string) error {
	return deleteRecord(t.tx, collection, key)
}

// Update runs fn inside one transaction.
func (s *SQLiteStore) Update(fn func(tx Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMeta returns a meta value; absent keys return "".
func (s *SQLiteStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetMeta inserts or replaces a meta value.
func (s *SQLiteStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
