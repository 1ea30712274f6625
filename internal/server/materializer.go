package server

import (
	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/models"
)

// materializeLogs joins change-log entries with the current canonical record
// of the entity each one names. The log row itself carries no payload;
// clients always receive the latest state, however many intermediate writes
// the entry's entity has seen since.
//
// Deletes become tombstones. A create/update whose record has since been
// deleted materializes without a record: the delete entry is guaranteed to
// follow at a higher id, so the client converges once it reaches it. The
// count of such holes is reported so callers can tell them from data loss.
func materializeLogs(store *Store, entries []models.ChangeLogEntry) ([]models.LogWithRecord, int, error) {
	logs := make([]models.LogWithRecord, 0, len(entries))
	missing := 0

	for _, entry := range entries {
		lw := models.LogWithRecord{Entry: entry}

		if entry.Operation == models.OpDelete {
			lw.Tombstone = true
			logs = append(logs, lw)
			continue
		}

		rec, err := store.GetRecord(entry.Model, entry.KeyPath.String())
		if err != nil {
			return nil, 0, errors.Wrap(errors.ErrDatabase, "failed to materialize record", err)
		}
		if rec == nil {
			missing++
		} else {
			lw.Record = rec.Record()
		}
		logs = append(logs, lw)
	}

	return logs, missing, nil
}
