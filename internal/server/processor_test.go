package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Root: "User",
		Models: []schema.Model{
			{
				Name: "User",
				Key:  []string{"id"},
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, Required: true},
					{Name: "name", Type: schema.TypeString},
				},
			},
			{
				Name:  "Board",
				Key:   []string{"id"},
				Owner: "User",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, Required: true},
					{Name: "user_id", Type: schema.TypeString, Required: true},
					{Name: "title", Type: schema.TypeString},
				},
			},
			{
				Name:  "Todo",
				Key:   []string{"id"},
				Owner: "Board",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, Required: true},
					{Name: "board_id", Type: schema.TypeString, Required: true},
					{Name: "user_id", Type: schema.TypeString, Required: true},
					{Name: "text", Type: schema.TypeString},
					{Name: "done", Type: schema.TypeBool},
				},
			},
		},
	}
}

func testProcessor(t *testing.T) (*Processor, *Store) {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := schema.NewRegistry(testSchema())
	require.NoError(t, err)

	return NewProcessor(store, registry, 10), store
}

func ev(model, key string, op models.Operation, payload string) models.OutboxEvent {
	e := models.OutboxEvent{
		ID:        models.UUID("ev-" + model + "-" + key + "-" + string(op)),
		Model:     model,
		KeyPath:   models.KeyPath{key},
		Operation: op,
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

const scopeU1 = "owner-u1"

func TestApplyPushCreate(t *testing.T) {
	p, store := testProcessor(t)

	results, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1","name":"kim"}`),
		ev("Board", "b1", models.OpCreate, `{"id":"b1","user_id":"u1","title":"inbox"}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.OK())
		assert.NotNil(t, res.Merged)
	}

	rec, err := store.GetRecord("Board", "b1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, scopeU1, rec.ScopeKey)

	entries, err := store.LogsAfter(scopeU1, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "User", entries[0].Model)
	assert.Equal(t, "Board", entries[1].Model)
	assert.Greater(t, entries[1].ID, entries[0].ID)
}

func TestApplyPushIdempotentReplay(t *testing.T) {
	p, store := testProcessor(t)
	ctx := context.Background()

	create := ev("User", "u1", models.OpCreate, `{"id":"u1","name":"kim"}`)
	_, err := p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{create})
	require.NoError(t, err)

	// Replaying the create succeeds but does not overwrite or re-log.
	_, err = p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpUpdate, `{"id":"u1","name":"renamed"}`),
	})
	require.NoError(t, err)

	results, err := p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{create})
	require.NoError(t, err)
	require.True(t, results[0].OK())

	rec, err := store.GetRecord("User", "u1")
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Payload, &fields))
	assert.Equal(t, "renamed", fields["name"], "replayed create must not clobber later state")

	entries, _ := store.LogsAfter(scopeU1, 0, 10)
	assert.Len(t, entries, 2, "replayed create must not append a log entry")
}

func TestApplyPushUpdateAbsentIsNoop(t *testing.T) {
	p, store := testProcessor(t)

	results, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("User", "ghost", models.OpUpdate, `{"id":"ghost","name":"nobody"}`),
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.Nil(t, results[0].Merged)

	rec, err := store.GetRecord("User", "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec, "no-op update must not resurrect the record")

	entries, _ := store.LogsAfter(scopeU1, 0, 10)
	assert.Empty(t, entries)
}

func TestApplyPushDeleteAbsentIsNoop(t *testing.T) {
	p, store := testProcessor(t)

	results, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("Todo", "ghost", models.OpDelete, ""),
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK())

	entries, _ := store.LogsAfter(scopeU1, 0, 10)
	assert.Empty(t, entries)
}

func TestApplyPushDeleteCascades(t *testing.T) {
	p, store := testProcessor(t)
	ctx := context.Background()

	_, err := p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1"}`),
		ev("Board", "b1", models.OpCreate, `{"id":"b1","user_id":"u1"}`),
		ev("Todo", "t1", models.OpCreate, `{"id":"t1","board_id":"b1","user_id":"u1"}`),
		ev("Todo", "t2", models.OpCreate, `{"id":"t2","board_id":"b1","user_id":"u1"}`),
	})
	require.NoError(t, err)

	results, err := p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{
		ev("Board", "b1", models.OpDelete, ""),
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK())

	for _, probe := range [][2]string{{"Board", "b1"}, {"Todo", "t1"}, {"Todo", "t2"}} {
		rec, err := store.GetRecord(probe[0], probe[1])
		require.NoError(t, err)
		assert.Nil(t, rec, "%s/%s should be cascade deleted", probe[0], probe[1])
	}

	entries, _ := store.LogsAfter(scopeU1, 0, 20)
	require.Len(t, entries, 7, "4 creates + 3 deletes")
	deletes := entries[4:]
	// Children are logged before the parent.
	assert.Equal(t, "Todo", deletes[0].Model)
	assert.Equal(t, "Todo", deletes[1].Model)
	assert.Equal(t, "Board", deletes[2].Model)
	for _, d := range deletes {
		assert.Equal(t, models.OpDelete, d.Operation)
	}
}

func TestApplyPushRejectsOversizeBatch(t *testing.T) {
	p, _ := testProcessor(t)

	events := make([]models.OutboxEvent, p.MaxBatch()+1)
	for i := range events {
		events[i] = ev("User", "u1", models.OpCreate, `{"id":"u1"}`)
	}

	_, err := p.ApplyPush(context.Background(), scopeU1, events)
	assert.True(t, errors.Is(err, errors.ErrBatchTooLarge), "got %v", err)
}

func TestApplyPushRejectsUnknownModel(t *testing.T) {
	p, store := testProcessor(t)

	results, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1"}`),
		ev("Widget", "w1", models.OpCreate, `{"id":"w1"}`),
	})
	assert.True(t, errors.Is(err, errors.ErrUnsupportedModel), "got %v", err)
	assert.False(t, results[1].OK())

	// Atomic rejection: the valid first event was not applied either.
	rec, _ := store.GetRecord("User", "u1")
	assert.Nil(t, rec)
}

func TestApplyPushRejectsInvalidPayload(t *testing.T) {
	p, _ := testProcessor(t)

	_, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("Todo", "t1", models.OpCreate, `{"id":"t1","board_id":"b1","user_id":"u1","done":"yes"}`),
	})
	assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
}

func TestApplyPushRejectsScopeMismatch(t *testing.T) {
	p, store := testProcessor(t)
	ctx := context.Background()

	// Payload scope derived from user_id disagrees with the caller's scope.
	_, err := p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{
		ev("Board", "b1", models.OpCreate, `{"id":"b1","user_id":"u2"}`),
	})
	assert.True(t, errors.Is(err, errors.ErrScopeMismatch), "got %v", err)

	// Deleting another scope's record is rejected against stored state.
	_, err = p.ApplyPush(ctx, "owner-u2", []models.OutboxEvent{
		ev("User", "u2", models.OpCreate, `{"id":"u2"}`),
		ev("Board", "b1", models.OpCreate, `{"id":"b1","user_id":"u2"}`),
	})
	require.NoError(t, err)

	_, err = p.ApplyPush(ctx, scopeU1, []models.OutboxEvent{
		ev("Board", "b1", models.OpDelete, ""),
	})
	assert.True(t, errors.Is(err, errors.ErrScopeMismatch), "got %v", err)

	rec, _ := store.GetRecord("Board", "b1")
	require.NotNil(t, rec, "foreign record must survive the rejected delete")
}

func TestApplyPushPreservesBatchOrder(t *testing.T) {
	p, store := testProcessor(t)

	// Create then update of the same entity in one batch: array order applies.
	_, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1","name":"first"}`),
		ev("User", "u1", models.OpUpdate, `{"id":"u1","name":"second"}`),
	})
	require.NoError(t, err)

	rec, err := store.GetRecord("User", "u1")
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Payload, &fields))
	assert.Equal(t, "second", fields["name"])
}

func TestApplyPushNotifies(t *testing.T) {
	p, _ := testProcessor(t)

	var got []models.ChangeLogEntry
	p.OnAppend = func(entries []models.ChangeLogEntry) { got = entries }

	_, err := p.ApplyPush(context.Background(), scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1"}`),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scopeU1, got[0].ScopeKey)
}
