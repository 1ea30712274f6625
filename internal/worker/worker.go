// Package worker runs the background sync loop: it drains the outbox to the
// server (push) and advances the pull cursor through the server's change log
// (pull). Cycles are single-flight; a trigger arriving while a cycle runs is
// dropped, not queued.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/kimhsiao/localsync/internal/client"
	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/outbox"
)

// Pusher sends one outbox batch to the server and returns per-event results.
type Pusher func(ctx context.Context, events []models.OutboxEvent) ([]models.AppliedResult, error)

// Puller fetches one materialized change-log page after cursor.
type Puller func(ctx context.Context, cursor int64) (*models.PullResponse, error)

// State is the worker lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Config holds worker tuning knobs.
type Config struct {
	Interval  time.Duration // scheduled cycle spacing
	BatchSize int           // outbox events per push call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		BatchSize: 100,
	}
}

// Status is a point-in-time snapshot of the worker.
type Status struct {
	State     State     `json:"state"`
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
}

// Worker owns the sync cycle. Push always precedes pull within a cycle, so a
// client sees its own writes reflected in the log it then pulls.
type Worker struct {
	client *client.Client
	outbox *outbox.Outbox
	push   Pusher
	pull   Puller
	cfg    Config
	logger *logging.Logger

	mu         sync.Mutex
	inProgress bool
	stopped    bool
	lastSync   time.Time
	lastErr    error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Worker. The transport is injected as a pair of functions so
// tests and alternative transports plug in without an HTTP server.
func New(c *client.Client, ob *outbox.Outbox, push Pusher, pull Puller, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Worker{
		client: c,
		outbox: ob,
		push:   push,
		pull:   pull,
		cfg:    cfg,
		logger: logging.Get().WithComponent("worker"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduled loop. One cycle runs immediately, then every
// Interval until Stop or ctx cancellation.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if err := w.ForceSync(ctx); err != nil {
			w.logger.Warn("initial sync failed", logging.Fields{"error": err.Error()})
		}

		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.ForceSync(ctx); err != nil {
					w.logger.Warn("scheduled sync failed", logging.Fields{"error": err.Error()})
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight cycle to finish. The cycle
// is never interrupted mid-push; local data is safe regardless.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// ForceSync runs one push+pull cycle now. A cycle already in flight makes
// this a no-op returning nil; the caller's intent is satisfied by the cycle
// that is running. Only a stopped worker returns an error.
func (w *Worker) ForceSync(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return errors.New(errors.ErrSyncFailed, "worker is stopped")
	}
	if w.inProgress {
		w.mu.Unlock()
		return nil
	}
	w.inProgress = true
	w.mu.Unlock()

	err := w.cycle(ctx)

	w.mu.Lock()
	w.inProgress = false
	w.lastErr = err
	if err == nil {
		w.lastSync = time.Now()
	}
	w.mu.Unlock()
	return err
}

func (w *Worker) cycle(ctx context.Context) error {
	// A rejected push must not suppress the pull: the replica keeps
	// converging on remote state while its own batch waits for retry.
	pushErr := w.pushPhase(ctx)
	pullErr := w.pullPhase(ctx)
	return stderrors.Join(pushErr, pullErr)
}

// pushPhase drains the outbox in batches. A transport or batch-level failure
// is recorded against every event in the batch and ends the phase; the next
// cycle retries, bounded by the outbox's MaxRetries.
func (w *Worker) pushPhase(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.outbox.NextBatch(w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		events := make([]models.OutboxEvent, len(batch))
		for i, ev := range batch {
			events[i] = *ev
		}

		results, err := w.push(ctx, events)
		if err != nil {
			for _, ev := range batch {
				if markErr := w.outbox.MarkFailed(ev.ID, err); markErr != nil {
					w.logger.Error("failed to record push failure", markErr, logging.Fields{"event": ev.ID.String()})
				}
			}
			return errors.Wrap(errors.ErrSyncFailed, "push rejected", err)
		}

		var syncedIDs []models.UUID
		for _, res := range results {
			if res.OK() {
				syncedIDs = append(syncedIDs, res.ID)
			} else {
				if markErr := w.outbox.MarkFailed(res.ID, errors.New(errors.ErrSyncFailed, res.Error)); markErr != nil {
					w.logger.Error("failed to record push failure", markErr, logging.Fields{"event": res.ID.String()})
				}
			}
		}
		if err := w.outbox.MarkSynced(syncedIDs, time.Now()); err != nil {
			return err
		}

		w.logger.Debug("pushed batch", logging.Fields{
			"events": len(events),
			"synced": len(syncedIDs),
		})

		// Any per-event failure ends the phase; retrying within the same
		// cycle would spin on the same events.
		if len(syncedIDs) < len(batch) || len(batch) < w.cfg.BatchSize {
			return nil
		}
	}
}

// pullPhase pulls pages until the cursor stops advancing. The cursor is
// persisted only after a page is fully applied, so a crash replays the page
// rather than skipping it; application is idempotent.
func (w *Worker) pullPhase(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cursor, err := w.client.Cursor()
		if err != nil {
			return err
		}

		resp, err := w.pull(ctx, cursor)
		if err != nil {
			return errors.Wrap(errors.ErrSyncFailed, "pull failed", err)
		}
		if resp.Cursor == cursor {
			return nil
		}

		if err := w.client.ApplyChanges(resp.Logs); err != nil {
			return err
		}
		if err := w.client.SetCursor(resp.Cursor); err != nil {
			return err
		}

		w.logger.Debug("applied pull page", logging.Fields{
			"cursor":  resp.Cursor,
			"entries": len(resp.Logs),
		})
	}
}

// Status reports the worker state plus outbox pressure. Permanently failed
// events are surfaced here so callers can expose them for inspection.
func (w *Worker) Status() (Status, error) {
	w.mu.Lock()
	st := Status{LastSync: w.lastSync}
	switch {
	case w.stopped:
		st.State = StateStopped
	case w.inProgress:
		st.State = StateRunning
	default:
		st.State = StateIdle
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	w.mu.Unlock()

	stats, err := w.outbox.Stats()
	if err != nil {
		return st, err
	}
	st.Pending = stats["pending"]
	st.Failed = stats["failed"]
	return st, nil
}
