// Package models provides data model definitions for the localsync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// KeyPath is the ordered list of primary-key field values identifying an
// entity within its model. Stored as a JSON array in SQLite.
type KeyPath []string

// String joins the key path into a single storage key.
func (k KeyPath) String() string {
	return strings.Join(k, "/")
}

// Value implements driver.Valuer for KeyPath.
func (k KeyPath) Value() (driver.Value, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for KeyPath.
func (k *KeyPath) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*k = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into KeyPath", value)
	}
	return json.Unmarshal(data, k)
}

// Record is a full snapshot of one entity: its model, primary key and the
// complete field state as raw JSON.
type Record struct {
	Model   string          `db:"model" json:"model"`
	KeyPath KeyPath         `db:"key_path" json:"key_path"`
	Fields  json.RawMessage `db:"fields" json:"fields"`
}

// Key returns the joined storage key for the record.
func (r *Record) Key() string {
	return r.KeyPath.String()
}
