package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/localsync/internal/errors"
	"github.com/kimhsiao/localsync/internal/logging"
	"github.com/kimhsiao/localsync/internal/models"
)

// ScopeHeader carries the caller's authenticated scope key. A production
// deployment derives it from the session; the header stands in for that
// boundary here.
const ScopeHeader = "X-Sync-Scope"

// Handler exposes the sync engine over HTTP:
//
//	POST /sync/push           apply an event batch
//	GET  /sync/pull?cursor=N  fetch one materialized change-log page
//	GET  /sync/ws             change notifications (WebSocket)
type Handler struct {
	processor *Processor
	puller    *Puller
	hub       *Hub
	logger    *logging.Logger
}

// NewHandler creates an HTTP handler over the processor and puller. hub may
// be nil to disable the notification endpoint.
func NewHandler(processor *Processor, puller *Puller, hub *Hub) *Handler {
	h := &Handler{
		processor: processor,
		puller:    puller,
		hub:       hub,
		logger:    logging.Get().WithComponent("http"),
	}
	if hub != nil {
		processor.OnAppend = hub.NotifyAppended
	}
	return h
}

// Routes returns the route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", h.handlePush)
	mux.HandleFunc("/sync/pull", h.handlePull)
	if h.hub != nil {
		mux.HandleFunc("/sync/ws", h.handleWS)
	}
	return mux
}

// statusOf maps an error code to its HTTP status.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.ErrScopeMismatch:
		return http.StatusForbidden
	case errors.ErrValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrUnsupportedModel, errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Results []models.AppliedResult `json:"results,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error, results []models.AppliedResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	json.NewEncoder(w).Encode(errorBody{
		Code:    errors.CodeOf(err),
		Message: err.Error(),
		Results: results,
	})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := r.Header.Get(ScopeHeader)
	if scope == "" {
		h.writeError(w, errors.Newf(errors.ErrInvalid, "missing %s header", ScopeHeader), nil)
		return "", false
	}
	return scope, true
}

// handlePush handles POST /sync/push.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req models.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err), nil)
		return
	}

	results, err := h.processor.ApplyPush(r.Context(), scope, req.Events)
	if err != nil {
		h.logger.Warn("push rejected", logging.Fields{
			"scope": scope,
			"code":  string(errors.CodeOf(err)),
			"error": err.Error(),
		})
		h.writeError(w, err, results)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.PushResponse{Results: results})
}

// handlePull handles GET /sync/pull?cursor=N.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, errors.Newf(errors.ErrInvalid, "invalid cursor %q", raw), nil)
			return
		}
		cursor = parsed
	}

	resp, err := h.puller.Pull(r.Context(), scope, cursor)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleWS handles GET /sync/ws.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	scope := r.Header.Get(ScopeHeader)
	if scope == "" {
		scope = r.URL.Query().Get("scope")
	}
	if scope == "" {
		h.writeError(w, errors.Newf(errors.ErrInvalid, "missing scope"), nil)
		return
	}
	h.hub.handleWebSocket(scope)(w, r)
}
