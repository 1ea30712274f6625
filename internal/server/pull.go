package server

import (
	"context"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
)

// DefaultPageSize is the change-log page size for pull calls.
const DefaultPageSize = 50

// Puller serves the replication stream: materialized change-log pages,
// filtered to the caller's scope, ordered by log id.
type Puller struct {
	store    *Store
	pageSize int
	logger   *logging.Logger
}

// NewPuller creates a Puller. pageSize <= 0 selects DefaultPageSize.
func NewPuller(store *Store, pageSize int) *Puller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Puller{
		store:    store,
		pageSize: pageSize,
		logger:   logging.Get().WithComponent("puller"),
	}
}

// PageSize returns the configured page size.
func (p *Puller) PageSize() int {
	return p.pageSize
}

// Pull returns one page of materialized change-log entries for the scope,
// starting strictly after cursor. The returned cursor is the highest id in
// the page, or the request cursor unchanged when the page is empty. A page
// shorter than the page size means the caller has caught up.
func (p *Puller) Pull(ctx context.Context, scope string, cursor int64) (*models.PullResponse, error) {
	if cursor < 0 {
		return nil, errors.Newf(errors.ErrInvalid, "negative cursor %d", cursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := p.store.LogsAfter(scope, cursor, p.pageSize)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read change log", err)
	}

	logs, missing, err := materializeLogs(p.store, entries)
	if err != nil {
		return nil, err
	}

	next := cursor
	if n := len(entries); n > 0 {
		next = entries[n-1].ID
	}

	p.logger.Debug("served pull page", logging.Fields{
		"scope":   scope,
		"cursor":  cursor,
		"next":    next,
		"entries": len(entries),
	})

	return &models.PullResponse{
		Cursor:         next,
		Logs:           logs,
		MissingRecords: missing,
	}, nil
}
