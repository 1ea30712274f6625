// Package client provides unit tests for the local sync handle.
package client

import (
	"encoding/json"
	"testing"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/localstore"
	"github.com/kimhsiao/localsync/internal/models"
	"github.com/kimhsiao/localsync/internal/outbox"
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
				},
			},
		},
	}
}

func testClient(t *testing.T) (*Client, *outbox.Outbox) {
	t.Helper()
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ob, err := outbox.New(store.DB(), outbox.DefaultConfig())
	if err != nil {
		t.Fatalf("outbox.New failed: %v", err)
	}

	registry, err := schema.NewRegistry(testSchema())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	return New(store, ob, registry), ob
}

// TestCreateWritesStoreAndOutbox tests that a create lands in both places.
func TestCreateWritesStoreAndOutbox(t *testing.T) {
	c, ob := testClient(t)

	rec, err := c.Create("User", json.RawMessage(`{"id":"u1","name":"kim"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Key() != "u1" {
		t.Errorf("Expected key u1, got %s", rec.Key())
	}

	got, err := c.Get("User", "u1")
	if err != nil || got == nil {
		t.Fatalf("Expected local record, got %v (%v)", got, err)
	}

	batch, err := ob.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 1 || batch[0].Operation != models.OpCreate || batch[0].Model != "User" {
		t.Fatalf("Expected 1 create event, got %+v", batch)
	}
}

// TestCreateRejectsInvalidPayload tests that validation gates the mutation.
func TestCreateRejectsInvalidPayload(t *testing.T) {
	c, ob := testClient(t)

	_, err := c.Create("User", json.RawMessage(`{"name":"no-id"}`))
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	_, err = c.Create("Widget", json.RawMessage(`{"id":"w1"}`))
	if !errors.Is(err, errors.ErrUnsupportedModel) {
		t.Fatalf("Expected unsupported model error, got %v", err)
	}

	if batch, _ := ob.NextBatch(10); len(batch) != 0 {
		t.Error("Expected no outbox events for rejected mutations")
	}
}

// TestDeleteCascadesLocally tests the local ownership cascade.
func TestDeleteCascadesLocally(t *testing.T) {
	c, ob := testClient(t)

	c.Create("User", json.RawMessage(`{"id":"u1"}`))
	c.Create("Board", json.RawMessage(`{"id":"b1","user_id":"u1"}`))
	c.Create("Todo", json.RawMessage(`{"id":"t1","board_id":"b1","user_id":"u1"}`))
	c.Create("Todo", json.RawMessage(`{"id":"t2","board_id":"b1","user_id":"u1"}`))

	if err := c.Delete("Board", models.KeyPath{"b1"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, probe := range [][2]string{{"Board", "b1"}, {"Todo", "t1"}, {"Todo", "t2"}} {
		if got, _ := c.Get(probe[0], probe[1]); got != nil {
			t.Errorf("Expected %s/%s cascade deleted locally", probe[0], probe[1])
		}
	}

	// Only the parent delete is pushed; the server cascades on its side.
	batch, _ := ob.NextBatch(10)
	var deletes int
	for _, ev := range batch {
		if ev.Operation == models.OpDelete {
			deletes++
			if ev.Model != "Board" {
				t.Errorf("Expected only the Board delete queued, got %s", ev.Model)
			}
		}
	}
	if deletes != 1 {
		t.Errorf("Expected 1 delete event, got %d", deletes)
	}
}

// TestDeleteCompositeKey tests that deletes address composite-key models
// with the full key path, matching the arrays creates emit.
func TestDeleteCompositeKey(t *testing.T) {
	store, err := localstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ob, err := outbox.New(store.DB(), outbox.DefaultConfig())
	if err != nil {
		t.Fatalf("outbox.New failed: %v", err)
	}

	registry, err := schema.NewRegistry(&schema.Schema{
		Root: "User",
		Models: []schema.Model{
			{
				Name: "User",
				Key:  []string{"id"},
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, Required: true},
				},
			},
			{
				Name:  "Membership",
				Key:   []string{"user_id", "board_id"},
				Owner: "User",
				Fields: []schema.Field{
					{Name: "user_id", Type: schema.TypeString, Required: true},
					{Name: "board_id", Type: schema.TypeString, Required: true},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	c := New(store, ob, registry)

	rec, err := c.Create("Membership", json.RawMessage(`{"user_id":"u1","board_id":"b1"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(rec.KeyPath) != 2 {
		t.Fatalf("Expected 2 key segments, got %v", rec.KeyPath)
	}

	if err := c.Delete("Membership", models.KeyPath{"u1", "b1"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := c.Get("Membership", rec.Key()); got != nil {
		t.Error("Expected record deleted locally")
	}

	batch, _ := ob.NextBatch(10)
	var deleteEvent *models.OutboxEvent
	for _, ev := range batch {
		if ev.Operation == models.OpDelete {
			deleteEvent = ev
		}
	}
	if deleteEvent == nil {
		t.Fatal("Expected a delete event in the outbox")
	}
	if len(deleteEvent.KeyPath) != 2 || deleteEvent.KeyPath[0] != "u1" || deleteEvent.KeyPath[1] != "b1" {
		t.Errorf("Expected key path [u1 b1], got %v", deleteEvent.KeyPath)
	}
}

// TestApplyChangesBypassesOutbox tests that pulled state is never re-pushed.
func TestApplyChangesBypassesOutbox(t *testing.T) {
	c, ob := testClient(t)

	logs := []models.LogWithRecord{
		{
			Entry: models.ChangeLogEntry{ID: 1, Model: "User", Operation: models.OpCreate, KeyPath: models.KeyPath{"u1"}},
			Record: &models.Record{
				Model:   "User",
				KeyPath: models.KeyPath{"u1"},
				Fields:  json.RawMessage(`{"id":"u1","name":"remote"}`),
			},
		},
		{
			Entry:     models.ChangeLogEntry{ID: 2, Model: "Board", Operation: models.OpDelete, KeyPath: models.KeyPath{"b9"}},
			Tombstone: true,
		},
		{
			// Record deleted at a later id: entry applies as a skip.
			Entry: models.ChangeLogEntry{ID: 3, Model: "Todo", Operation: models.OpCreate, KeyPath: models.KeyPath{"t9"}},
		},
	}

	if err := c.ApplyChanges(logs); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	if got, _ := c.Get("User", "u1"); got == nil {
		t.Error("Expected pulled record applied")
	}
	if got, _ := c.Get("Todo", "t9"); got != nil {
		t.Error("Expected missing-record entry skipped")
	}

	if batch, _ := ob.NextBatch(10); len(batch) != 0 {
		t.Error("Expected outbox untouched by pull application")
	}
}

// TestApplyChangesIdempotent tests that reapplying the same pulled page
// leaves the local state unchanged.
func TestApplyChangesIdempotent(t *testing.T) {
	c, _ := testClient(t)

	logs := []models.LogWithRecord{
		{
			Entry: models.ChangeLogEntry{ID: 1, Model: "User", Operation: models.OpCreate, KeyPath: models.KeyPath{"u1"}},
			Record: &models.Record{
				Model:   "User",
				KeyPath: models.KeyPath{"u1"},
				Fields:  json.RawMessage(`{"id":"u1","name":"kim"}`),
			},
		},
		{
			Entry:     models.ChangeLogEntry{ID: 2, Model: "Board", Operation: models.OpDelete, KeyPath: models.KeyPath{"b1"}},
			Tombstone: true,
		},
	}

	for i := 0; i < 2; i++ {
		if err := c.ApplyChanges(logs); err != nil {
			t.Fatalf("ApplyChanges pass %d failed: %v", i+1, err)
		}
	}

	users, err := c.List("User")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(users) != 1 || string(users[0].Fields) != `{"id":"u1","name":"kim"}` {
		t.Errorf("Expected single unchanged record, got %+v", users)
	}
	if got, _ := c.Get("Board", "b1"); got != nil {
		t.Error("Expected board still absent after reapply")
	}
}

// TestCursorRoundTrip tests cursor persistence.
func TestCursorRoundTrip(t *testing.T) {
	c, _ := testClient(t)

	cursor, err := c.Cursor()
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("Expected initial cursor 0, got %d", cursor)
	}

	if err := c.SetCursor(42); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	if cursor, _ = c.Cursor(); cursor != 42 {
		t.Errorf("Expected cursor 42, got %d", cursor)
	}
}

// TestObservers tests subscription, origin tagging and disposal.
func TestObservers(t *testing.T) {
	c, _ := testClient(t)

	var events []Event
	dispose := c.Subscribe("User", "", func(e Event) { events = append(events, e) })

	var all int
	c.Subscribe("", "", func(e Event) { all++ })

	var deletes int
	c.Subscribe("", models.OpDelete, func(e Event) { deletes++ })

	c.Create("User", json.RawMessage(`{"id":"u1"}`))
	c.Create("Board", json.RawMessage(`{"id":"b1","user_id":"u1"}`))

	if len(events) != 1 || events[0].Origin != OriginLocal || events[0].Model != "User" {
		t.Fatalf("Expected 1 local User event, got %+v", events)
	}
	if all != 2 {
		t.Errorf("Expected wildcard observer to see 2 events, got %d", all)
	}

	c.ApplyChanges([]models.LogWithRecord{{
		Entry: models.ChangeLogEntry{ID: 1, Model: "User", Operation: models.OpUpdate, KeyPath: models.KeyPath{"u1"}},
		Record: &models.Record{
			Model: "User", KeyPath: models.KeyPath{"u1"}, Fields: json.RawMessage(`{"id":"u1","name":"x"}`),
		},
	}})

	if len(events) != 2 || events[1].Origin != OriginRemote {
		t.Fatalf("Expected remote event, got %+v", events)
	}

	if deletes != 0 {
		t.Errorf("Expected no delete events yet, got %d", deletes)
	}
	c.Delete("Board", models.KeyPath{"b1"})
	if deletes != 1 {
		t.Errorf("Expected 1 delete event, got %d", deletes)
	}

	dispose()
	c.Create("User", json.RawMessage(`{"id":"u2"}`))
	if len(events) != 2 {
		t.Error("Expected no events after dispose")
	}
}
