package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
)

// scopeHeader mirrors the server's scope header name.
const scopeHeader = "X-Sync-Scope"

// HTTPTransport talks to the sync server over HTTP. Its Push and Pull
// methods satisfy the Pusher and Puller function types.
type HTTPTransport struct {
	baseURL string
	scope   string
	http    *http.Client
	logger  *logging.Logger
}

// NewHTTPTransport creates a transport for one server and scope.
func NewHTTPTransport(baseURL, scope string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		scope:   scope,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logging.Get().WithComponent("transport"),
	}
}

type wireError struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Results []models.AppliedResult `json:"results,omitempty"`
}

// Push sends one event batch to POST /sync/push.
func (t *HTTPTransport) Push(ctx context.Context, events []models.OutboxEvent) ([]models.AppliedResult, error) {
	body, err := json.Marshal(models.PushRequest{Events: events})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode push request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(scopeHeader, t.scope)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransportFailed, "push request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var we wireError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&we); decodeErr == nil && we.Code != "" {
			return we.Results, errors.New(we.Code, we.Message)
		}
		return nil, errors.Newf(errors.ErrTransportFailed, "push returned status %d", resp.StatusCode)
	}

	var pushResp models.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, errors.Wrap(errors.ErrTransportFailed, "failed to decode push response", err)
	}
	return pushResp.Results, nil
}

// Pull fetches one page from GET /sync/pull.
func (t *HTTPTransport) Pull(ctx context.Context, cursor int64) (*models.PullResponse, error) {
	url := fmt.Sprintf("%s/sync/pull?cursor=%s", t.baseURL, strconv.FormatInt(cursor, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build pull request", err)
	}
	req.Header.Set(scopeHeader, t.scope)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransportFailed, "pull request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var we wireError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&we); decodeErr == nil && we.Code != "" {
			return nil, errors.New(we.Code, we.Message)
		}
		return nil, errors.Newf(errors.ErrTransportFailed, "pull returned status %d", resp.StatusCode)
	}

	var pullResp models.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, errors.Wrap(errors.ErrTransportFailed, "failed to decode pull response", err)
	}
	return &pullResp, nil
}

// Listen connects to the server's notification socket and invokes onNotify
// for every change announcement. Reconnects with backoff until ctx is
// cancelled. Notifications are advisory; losing the connection only delays
// convergence until the next scheduled cycle.
func (t *HTTPTransport) Listen(ctx context.Context, onNotify func()) {
	wsURL := strings.Replace(t.baseURL, "http", "ws", 1) + "/sync/ws"
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		header.Set(scopeHeader, t.scope)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			t.logger.Debug("notification connect failed", logging.Fields{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				conn.Close()
				break
			}
			if msg.Type == "changelog.appended" {
				onNotify()
			}
		}
	}
}
