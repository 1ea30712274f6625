package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/schema"
)

// DefaultMaxBatch bounds the number of events accepted in one push call.
const DefaultMaxBatch = 200

// Processor applies pushed event batches to canonical storage. Each accepted
// event becomes at most one record mutation plus one change-log row, in the
// same transaction; cascaded deletes add one log row per deleted child.
//
// Rejections are whole-batch and atomic: a single bad event (unknown model,
// invalid payload, scope mismatch) aborts the push with nothing applied, so
// the client's causal order is never split.
type Processor struct {
	store    *Store
	registry *schema.Registry
	maxBatch int
	logger   *logging.Logger

	// OnAppend, when set, is invoked after a successful commit with the
	// change-log entries the batch produced. Used to fan out change
	// notifications.
	OnAppend func(entries []models.ChangeLogEntry)
}

// NewProcessor creates a Processor. maxBatch <= 0 selects DefaultMaxBatch.
func NewProcessor(store *Store, registry *schema.Registry, maxBatch int) *Processor {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Processor{
		store:    store,
		registry: registry,
		maxBatch: maxBatch,
		logger:   logging.Get().WithComponent("processor"),
	}
}

// MaxBatch returns the configured batch bound.
func (p *Processor) MaxBatch() int {
	return p.maxBatch
}

// ApplyPush validates and applies one pushed batch under the caller's scope.
// Events are applied in array order, preserving the client's local causal
// order. On success every result is OK; on rejection the returned error
// carries the batch error code and the offending event's result carries the
// detail.
func (p *Processor) ApplyPush(ctx context.Context, scope string, events []models.OutboxEvent) ([]models.AppliedResult, error) {
	if len(events) > p.maxBatch {
		return nil, errors.Newf(errors.ErrBatchTooLarge,
			"batch of %d events exceeds limit %d", len(events), p.maxBatch)
	}

	results := make([]models.AppliedResult, len(events))
	for i := range events {
		results[i] = models.AppliedResult{ID: events[i].ID, KeyPath: events[i].KeyPath}
	}

	// Everything checkable without storage is checked up front, so the
	// transaction below only sees well-formed events.
	for i := range events {
		if err := p.admit(scope, &events[i]); err != nil {
			results[i].Error = err.Error()
			return results, err
		}
	}

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	appliedAt := time.Now()
	var appended []models.ChangeLogEntry

	for i := range events {
		entries, merged, err := p.applyEvent(tx, scope, &events[i], appliedAt)
		if err != nil {
			results[i].Error = err.Error()
			return results, err
		}
		results[i].Merged = merged
		appended = append(appended, entries...)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to commit push", err)
	}

	p.logger.Debug("applied push batch", logging.Fields{
		"scope":   scope,
		"events":  len(events),
		"entries": len(appended),
	})

	if p.OnAppend != nil && len(appended) > 0 {
		p.OnAppend(appended)
	}
	return results, nil
}

// admit runs the storage-free checks for one event: known model, valid
// operation, payload shape and payload-derived scope.
func (p *Processor) admit(scope string, ev *models.OutboxEvent) error {
	if !ev.Operation.Valid() {
		return errors.Newf(errors.ErrValidation, "event %s: invalid operation %q", ev.ID, ev.Operation)
	}

	spec, ok := p.registry.Spec(ev.Model)
	if !ok {
		return errors.Newf(errors.ErrUnsupportedModel, "event %s: unknown model %q", ev.ID, ev.Model)
	}

	// Deletes carry only the key; their scope is checked against the stored
	// record during apply.
	if ev.Operation == models.OpDelete {
		if len(ev.KeyPath) == 0 {
			return errors.Newf(errors.ErrValidation, "event %s: delete without key", ev.ID)
		}
		return nil
	}

	if err := spec.Validate(ev.Payload); err != nil {
		return errors.Wrap(errors.ErrValidation, fmt.Sprintf("event %s", ev.ID), err)
	}

	keyPath, err := spec.Key(ev.Payload)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, fmt.Sprintf("event %s", ev.ID), err)
	}
	if len(ev.KeyPath) > 0 && ev.KeyPath.String() != keyPath.String() {
		return errors.Newf(errors.ErrValidation,
			"event %s: key path %q does not match payload key %q", ev.ID, ev.KeyPath, keyPath)
	}

	eventScope, err := spec.ScopeKey(ev.Payload)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, fmt.Sprintf("event %s", ev.ID), err)
	}
	if eventScope != scope {
		return errors.Newf(errors.ErrScopeMismatch,
			"event %s: payload belongs to scope %q, caller is %q", ev.ID, eventScope, scope)
	}
	return nil
}

// applyEvent applies one admitted event inside the batch transaction and
// returns the change-log entries it produced plus the canonical post-apply
// record (nil for deletes and no-ops).
func (p *Processor) applyEvent(tx *sql.Tx, scope string, ev *models.OutboxEvent, appliedAt time.Time) ([]models.ChangeLogEntry, *models.Record, error) {
	spec, _ := p.registry.Spec(ev.Model)

	switch ev.Operation {
	case models.OpCreate:
		keyPath, _ := spec.Key(ev.Payload)
		existing, err := getRecord(tx, ev.Model, keyPath.String())
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrDatabase, "failed to read record", err)
		}
		if existing != nil {
			// Replayed create: keep the stored state, report success.
			return nil, existing.Record(), nil
		}

		rec := &StoredRecord{Model: ev.Model, KeyPath: keyPath, ScopeKey: scope, Payload: ev.Payload}
		if err := putRecord(tx, rec); err != nil {
			return nil, nil, errors.Wrap(errors.ErrDatabase, "failed to insert record", err)
		}
		entry, err := p.log(tx, scope, ev.Model, models.OpCreate, keyPath, appliedAt)
		if err != nil {
			return nil, nil, err
		}
		return []models.ChangeLogEntry{entry}, rec.Record(), nil

	case models.OpUpdate:
		keyPath, _ := spec.Key(ev.Payload)
		existing, err := getRecord(tx, ev.Model, keyPath.String())
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrDatabase, "failed to read record", err)
		}
		if existing == nil {
			// The record was deleted (or never created) under this scope.
			// Dropping the update silently is the resolution: the delete won.
			return nil, nil, nil
		}
		if existing.ScopeKey != scope {
			return nil, nil, errors.Newf(errors.ErrScopeMismatch,
				"event %s: record %s/%s belongs to another scope", ev.ID, ev.Model, keyPath)
		}

		rec := &StoredRecord{Model: ev.Model, KeyPath: keyPath, ScopeKey: scope, Payload: ev.Payload}
		if err := putRecord(tx, rec); err != nil {
			return nil, nil, errors.Wrap(errors.ErrDatabase, "failed to update record", err)
		}
		entry, err := p.log(tx, scope, ev.Model, models.OpUpdate, keyPath, appliedAt)
		if err != nil {
			return nil, nil, err
		}
		return []models.ChangeLogEntry{entry}, rec.Record(), nil

	case models.OpDelete:
		existing, err := getRecord(tx, ev.Model, ev.KeyPath.String())
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrDatabase, "failed to read record", err)
		}
		if existing == nil {
			// Already gone, nothing to authorize or log.
			return nil, nil, nil
		}
		if existing.ScopeKey != scope {
			return nil, nil, errors.Newf(errors.ErrScopeMismatch,
				"event %s: record %s/%s belongs to another scope", ev.ID, ev.Model, ev.KeyPath)
		}

		entries, err := p.deleteCascade(tx, scope, existing, appliedAt)
		if err != nil {
			return nil, nil, err
		}
		return entries, nil, nil
	}

	return nil, nil, errors.Newf(errors.ErrInvalid, "invalid operation %q", ev.Operation)
}

// deleteCascade removes a record and, depth first, every record owned by it,
// logging one delete entry per removed record. Children are removed before
// their parent so no pull ever observes an owned record without its owner's
// delete still pending.
func (p *Processor) deleteCascade(tx *sql.Tx, scope string, rec *StoredRecord, appliedAt time.Time) ([]models.ChangeLogEntry, error) {
	spec, ok := p.registry.Spec(rec.Model)
	if !ok {
		return nil, errors.Newf(errors.ErrUnsupportedModel, "unknown model %q", rec.Model)
	}

	var entries []models.ChangeLogEntry
	ref := schema.RefField(rec.Model)
	for _, child := range spec.Children {
		childRecs, err := childRecords(tx, child, ref, rec.KeyPath.String())
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to list owned records", err)
		}
		for _, childRec := range childRecs {
			childEntries, err := p.deleteCascade(tx, scope, childRec, appliedAt)
			if err != nil {
				return nil, err
			}
			entries = append(entries, childEntries...)
		}
	}

	if err := deleteRecord(tx, rec.Model, rec.KeyPath.String()); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	entry, err := p.log(tx, scope, rec.Model, models.OpDelete, rec.KeyPath, appliedAt)
	if err != nil {
		return nil, err
	}
	return append(entries, entry), nil
}

func (p *Processor) log(tx *sql.Tx, scope, model string, op models.Operation, keyPath models.KeyPath, appliedAt time.Time) (models.ChangeLogEntry, error) {
	id, err := appendLog(tx, scope, model, op, keyPath, appliedAt)
	if err != nil {
		return models.ChangeLogEntry{}, errors.Wrap(errors.ErrDatabase, "failed to append change log", err)
	}
	return models.ChangeLogEntry{
		ID:        id,
		ScopeKey:  scope,
		Model:     model,
		Operation: op,
		KeyPath:   keyPath,
		AppliedAt: appliedAt.Unix(),
	}, nil
}
