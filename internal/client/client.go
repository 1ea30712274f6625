// Package client provides the application-facing handle of the sync engine.
// Mutations performed through it are applied to the local store and recorded
// in the outbox in one logical step; remote changes arriving via pull are
// applied through ApplyChanges, which bypasses the outbox so replicated
// state is never re-pushed.
package client

import (
	"encoding/json"
	"strconv"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/localstore"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/outbox"
	"github.com/kimhsiao/localsync/internal/schema"
)

const cursorKey = "pull_cursor"

// Client is the local mutation and query surface.
type Client struct {
	store     localstore.Store
	outbox    *outbox.Outbox
	registry  *schema.Registry
	observers *observerSet
	logger    *logging.Logger
}

// New creates a Client over the local store and outbox.
func New(store localstore.Store, ob *outbox.Outbox, registry *schema.Registry) *Client {
	return &Client{
		store:     store,
		outbox:    ob,
		registry:  registry,
		observers: newObserverSet(),
		logger:    logging.Get().WithComponent("client"),
	}
}

// Get returns the local snapshot of one record, (nil, nil) when absent.
func (c *Client) Get(model, key string) (*models.Record, error) {
	return c.store.Get(model, key)
}

// List returns all local records of a model.
func (c *Client) List(model string) ([]*models.Record, error) {
	return c.store.GetAll(model)
}

// Create validates the payload, records the intent in the outbox and writes
// the record locally. The mutation is acknowledged only after the outbox
// append is durable; a crash between append and local write is reconciled by
// the next pull.
func (c *Client) Create(model string, payload json.RawMessage) (*models.Record, error) {
	return c.mutate(model, models.OpCreate, payload)
}

// Update replaces the local record with the full payload and records the
// intent.
func (c *Client) Update(model string, payload json.RawMessage) (*models.Record, error) {
	return c.mutate(model, models.OpUpdate, payload)
}

func (c *Client) mutate(model string, op models.Operation, payload json.RawMessage) (*models.Record, error) {
	spec, ok := c.registry.Spec(model)
	if !ok {
		return nil, errors.Newf(errors.ErrUnsupportedModel, "unknown model %q", model)
	}
	if err := spec.Validate(payload); err != nil {
		return nil, err
	}
	keyPath, err := spec.Key(payload)
	if err != nil {
		return nil, err
	}

	if err := c.outbox.Append(&models.OutboxEvent{
		Model:     model,
		KeyPath:   keyPath,
		Operation: op,
		Payload:   payload,
	}); err != nil {
		return nil, err
	}

	rec := &models.Record{Model: model, KeyPath: keyPath, Fields: payload}
	if err := c.store.Put(model, rec); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to write local record", err)
	}

	c.observers.notify(Event{Model: model, Operation: op, KeyPath: keyPath, Record: rec, Origin: OriginLocal})
	return rec, nil
}

// Delete records a delete intent and removes the record locally, including
// everything it owns. Only the parent delete enters the outbox; the server
// cascades on its side and the child tombstones arriving via pull are
// idempotent no-ops against the already-clean local store.
func (c *Client) Delete(model string, keyPath models.KeyPath) error {
	spec, ok := c.registry.Spec(model)
	if !ok {
		return errors.Newf(errors.ErrUnsupportedModel, "unknown model %q", model)
	}

	if err := c.outbox.Append(&models.OutboxEvent{
		Model:     model,
		KeyPath:   keyPath,
		Operation: models.OpDelete,
		Payload:   json.RawMessage(`{}`),
	}); err != nil {
		return err
	}

	var removed []*models.Record
	err := c.store.Update(func(tx localstore.Tx) error {
		var err error
		removed, err = c.deleteCascade(tx, spec, model, keyPath.String())
		return err
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete local records", err)
	}

	for _, rec := range removed {
		c.observers.notify(Event{
			Model:     rec.Model,
			Operation: models.OpDelete,
			KeyPath:   rec.KeyPath,
			Origin:    OriginLocal,
		})
	}
	return nil
}

// deleteCascade removes the record and, depth first, every locally stored
// record owned by it. Returns the removed records, children before parents.
func (c *Client) deleteCascade(tx localstore.Tx, spec *schema.ModelSpec, model, key string) ([]*models.Record, error) {
	rec, err := tx.Get(model, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	var removed []*models.Record
	ref := schema.RefField(model)
	for _, child := range spec.Children {
		childSpec, ok := c.registry.Spec(child)
		if !ok {
			continue
		}
		childRecs, err := tx.GetAll(child)
		if err != nil {
			return nil, err
		}
		for _, childRec := range childRecs {
			if !refersTo(childRec.Fields, ref, key) {
				continue
			}
			sub, err := c.deleteCascade(tx, childSpec, child, childRec.Key())
			if err != nil {
				return nil, err
			}
			removed = append(removed, sub...)
		}
	}

	if err := tx.Delete(model, key); err != nil {
		return nil, err
	}
	return append(removed, rec), nil
}

func refersTo(fields json.RawMessage, ref, key string) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(fields, &m); err != nil {
		return false
	}
	s, ok := m[ref].(string)
	return ok && s == key
}

// ApplyChanges applies one pulled page to the local store: records replace
// the local snapshot, tombstones remove it. Entries whose record is missing
// (deleted at a later log id) are skipped; the tombstone follows in a later
// entry. Never touches the outbox.
func (c *Client) ApplyChanges(logs []models.LogWithRecord) error {
	var notifications []Event

	err := c.store.Update(func(tx localstore.Tx) error {
		for _, lw := range logs {
			entry := lw.Entry
			switch {
			case lw.Tombstone:
				if err := tx.Delete(entry.Model, entry.KeyPath.String()); err != nil {
					return err
				}
				notifications = append(notifications, Event{
					Model:     entry.Model,
					Operation: models.OpDelete,
					KeyPath:   entry.KeyPath,
					Origin:    OriginRemote,
				})

			case lw.Record != nil:
				if err := tx.Put(entry.Model, lw.Record); err != nil {
					return err
				}
				notifications = append(notifications, Event{
					Model:     entry.Model,
					Operation: entry.Operation,
					KeyPath:   entry.KeyPath,
					Record:    lw.Record,
					Origin:    OriginRemote,
				})

			default:
				// Record deleted after this entry was logged; the tombstone
				// is on its way.
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to apply pulled changes", err)
	}

	for _, e := range notifications {
		c.observers.notify(e)
	}
	return nil
}

// Cursor returns the persisted pull cursor, 0 before the first pull.
func (c *Client) Cursor() (int64, error) {
	raw, err := c.store.GetMeta(cursorKey)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read pull cursor", err)
	}
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "corrupt pull cursor", err)
	}
	return cursor, nil
}

// SetCursor persists the pull cursor. Called only after a full page has been
// applied, so a crash between apply and persist replays the page instead of
// skipping it.
func (c *Client) SetCursor(cursor int64) error {
	if err := c.store.SetMeta(cursorKey, strconv.FormatInt(cursor, 10)); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to persist pull cursor", err)
	}
	return nil
}
