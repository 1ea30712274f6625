package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/models"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	p, store := testProcessor(t)
	handler := NewHandler(p, NewPuller(store, 10), nil)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doPush(t *testing.T, srv *httptest.Server, scope string, events []models.OutboxEvent) *http.Response {
	t.Helper()
	body, err := json.Marshal(models.PushRequest{Events: events})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sync/push", bytes.NewReader(body))
	require.NoError(t, err)
	if scope != "" {
		req.Header.Set(ScopeHeader, scope)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doPull(t *testing.T, srv *httptest.Server, scope, cursor string) *http.Response {
	t.Helper()
	url := srv.URL + "/sync/pull"
	if cursor != "" {
		url += "?cursor=" + cursor
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if scope != "" {
		req.Header.Set(ScopeHeader, scope)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerPushAndPull(t *testing.T) {
	srv := testServer(t)

	resp := doPush(t, srv, scopeU1, []models.OutboxEvent{
		ev("User", "u1", models.OpCreate, `{"id":"u1","name":"kim"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushResp models.PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushResp))
	require.Len(t, pushResp.Results, 1)
	assert.True(t, pushResp.Results[0].OK())

	resp = doPull(t, srv, scopeU1, "0")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pullResp models.PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pullResp))
	require.Len(t, pullResp.Logs, 1)
	assert.Equal(t, "User", pullResp.Logs[0].Entry.Model)
	assert.NotNil(t, pullResp.Logs[0].Record)
}

func TestHandlerMissingScope(t *testing.T) {
	srv := testServer(t)

	resp := doPush(t, srv, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doPull(t, srv, "", "0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerStatusMapping(t *testing.T) {
	srv := testServer(t)

	// 400 for an undeclared model
	resp := doPush(t, srv, scopeU1, []models.OutboxEvent{
		ev("Widget", "w1", models.OpCreate, `{"id":"w1"}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, errors.ErrUnsupportedModel, body.Code)

	// 422 for a payload failing schema validation
	resp = doPush(t, srv, scopeU1, []models.OutboxEvent{
		ev("Todo", "t1", models.OpCreate, `{"id":"t1","board_id":"b1","user_id":"u1","done":"yes"}`),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// 403 for scope mismatch
	resp = doPush(t, srv, scopeU1, []models.OutboxEvent{
		ev("Board", "b1", models.OpCreate, `{"id":"b1","user_id":"u2"}`),
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// 413 for oversize batches
	events := make([]models.OutboxEvent, 11)
	for i := range events {
		events[i] = ev("User", "u1", models.OpCreate, `{"id":"u1"}`)
	}
	resp = doPush(t, srv, scopeU1, events)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// 400 for a malformed cursor
	resp = doPull(t, srv, scopeU1, "abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	srv := testServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sync/push", nil)
	req.Header.Set(ScopeHeader, scopeU1)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
