package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"pyramid-kss/internal/config"
	"pyramid-kss/internal/engine"
	"pyramid-kss/internal/session"
	"pyramid-kss/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	mgr      *engine.Manager
	defaults config.DefaultsConfig
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(mgr *engine.Manager, defaults config.DefaultsConfig, logger *slog.Logger) *Handlers {
	return &Handlers{
		mgr:      mgr,
		defaults: defaults,
		logger:   logger.With("component", "api-handlers"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Responses
// ————————————————————————————————————————————————————————————————————————

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine and session errors onto HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, session.ErrAlreadyTerminal),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, engine.ErrSessionLive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrDispatchFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handlers) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid session id"})
		return 0, false
	}
	return id, true
}

// ————————————————————————————————————————————————————————————————————————
// Sessions
// ————————————————————————————————————————————————————————————————————————

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	session.Params
	Start bool `json:"start"`
}

type createResponse struct {
	Session session.Snapshot `json:"session"`
	Outcome *session.Outcome `json:"outcome,omitempty"`
}

// HandleCreate creates a session; omitted numeric parameters take the
// configured defaults. With "start": true the session is activated and its
// first wave queued in the same call.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	h.defaults.Apply(&req.Params)

	snap, err := h.mgr.Create(r.Context(), req.Params)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := createResponse{Session: snap}
	if req.Start {
		out, err := h.mgr.Start(r.Context(), snap.ID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp.Outcome = out
		resp.Session, _ = h.mgr.Get(snap.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleList returns sessions newest-first, filterable by ?status= and
// ?symbol=.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	status := types.SessionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid status filter"})
		return
	}
	snaps := h.mgr.List(status, r.URL.Query().Get("symbol"))
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

// HandleGet returns one session with its live market overlay.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	view, err := h.mgr.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleAdjust applies a partial parameter update and reports what changed.
func (h *Handlers) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req session.AdjustParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	changes, err := h.mgr.Adjust(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, _ := h.mgr.Get(id)
	msg := "parameters updated"
	if len(changes) == 0 {
		msg = "no changes applied"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": msg,
		"changes": changes,
		"status":  snap.Status,
	})
}

// HandleDelete removes a finished session and its waves.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	if err := h.mgr.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// HandleStart activates a session and queues wave 0.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	out, err := h.mgr.Start(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// HandleStop halts an active session.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body means manual stop
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := h.mgr.Stop(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	snap, _ := h.mgr.Get(id)
	writeJSON(w, http.StatusOK, snap)
}

// HandleCheckTP forces a take-profit evaluation against a fresh price.
func (h *Handlers) HandleCheckTP(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	out, err := h.mgr.CheckTakeProfit(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if out == nil {
		writeJSON(w, http.StatusOK, map[string]any{"triggered": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggered": true, "outcome": out})
}

// HandleClearCompleted drops finished sessions from the registry.
func (h *Handlers) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cleared": h.mgr.ClearCompleted()})
}

// HandleSummary returns the dashboard aggregate.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.GetSummary(r.Context()))
}

// HandlePreview computes the full wave table for a parameter set without
// creating anything.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var p session.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	h.defaults.Apply(&p)

	res, err := h.mgr.Preview(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ————————————————————————————————————————————————————————————————————————
// Platform hooks
// ————————————————————————————————————————————————————————————————————————

// HandleFillHook receives executed-order notifications. Events that don't
// belong to a pyramid session are acknowledged and ignored, so the platform
// can point one webhook at this endpoint for every strategy.
func (h *Handlers) HandleFillHook(w http.ResponseWriter, r *http.Request) {
	var evt types.FillEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	out, err := h.mgr.OnFill(r.Context(), evt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if out == nil {
		writeJSON(w, http.StatusOK, map[string]any{"routed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routed": true, "outcome": out})
}

// HandleApprovedHook receives approval notifications from the order queue.
func (h *Handlers) HandleApprovedHook(w http.ResponseWriter, r *http.Request) {
	var evt types.OrderEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	if err := h.mgr.OnOrderApproved(r.Context(), evt); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRejectedHook receives rejection notifications from the order queue.
func (h *Handlers) HandleRejectedHook(w http.ResponseWriter, r *http.Request) {
	var evt types.OrderEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	if err := h.mgr.OnOrderRejected(r.Context(), evt); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
