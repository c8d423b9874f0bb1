package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/reception-service/internal/models"
	"qms/reception-service/internal/realtime"
	"qms/reception-service/internal/store"
	"qms/reception-service/internal/upstream"

	"github.com/google/uuid"
)

// Subscription is the live subscription manager as seen by the desk API.
type Subscription interface {
	Select(ctx context.Context, counterID string) error
	Refresh(ctx context.Context) error
	State() realtime.State
}

type Upstream interface {
	ListCounters(ctx context.Context, options upstream.FetchOptions) ([]models.CounterSummary, error)
	Act(ctx context.Context, action upstream.Action, counterID string) (upstream.ActionResult, error)
}

type Views interface {
	View() store.View
}

type Handler struct {
	subscription Subscription
	upstream     Upstream
	views        Views
	commandWait  time.Duration
}

type Options struct {
	Subscription Subscription
	Upstream     Upstream
	Views        Views
	// CommandWait bounds how long select/refresh wait for the subscription
	// loop to accept them.
	CommandWait time.Duration
}

type selectRequest struct {
	CounterID string `json:"counter_id"`
}

type actionRequest struct {
	CounterID string `json:"counter_id"`
}

type stateResponse struct {
	CounterID string          `json:"counter_id"`
	State     realtime.State  `json:"state"`
	Current   *models.Ticket  `json:"current"`
	Next      *models.Ticket  `json:"next"`
	Waiting   []models.Ticket `json:"waiting"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type acceptedResponse struct {
	CounterID string `json:"counter_id"`
	State     string `json:"state"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(options Options) *Handler {
	wait := options.CommandWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Handler{
		subscription: options.Subscription,
		upstream:     options.Upstream,
		views:        options.Views,
		commandWait:  wait,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the desk API on mux so the caller can add the push
// endpoint next to it.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/reception/state", h.handleState)
	mux.HandleFunc("/api/reception/select", h.handleSelect)
	mux.HandleFunc("/api/reception/refresh", h.handleRefresh)
	mux.HandleFunc("/api/reception/actions/", h.handleAction)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counters, err := h.upstream.ListCounters(r.Context(), upstream.FetchOptions{})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view := h.views.View()
	writeJSON(w, http.StatusOK, stateResponse{
		CounterID: view.CounterID,
		State:     h.subscription.State(),
		Current:   view.Current,
		Next:      view.Next,
		Waiting:   view.Waiting,
		UpdatedAt: view.UpdatedAt,
	})
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req selectRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)

	ctx, cancel := context.WithTimeout(r.Context(), h.commandWait)
	defer cancel()
	if err := h.subscription.Select(ctx, req.CounterID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{CounterID: req.CounterID, State: string(h.subscription.State())})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.commandWait)
	defer cancel()
	if err := h.subscription.Refresh(ctx); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{CounterID: h.views.View().CounterID, State: string(h.subscription.State())})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reception/actions/"), "/")
	action, err := upstream.ParseAction(name)
	if err != nil {
		writeError(w, requestID(r), http.StatusNotFound, "unknown_action", "unknown counter action")
		return
	}

	var req actionRequest
	if r.Body != nil && r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	counterID := strings.TrimSpace(req.CounterID)
	if counterID == "" {
		counterID = h.views.View().CounterID
	}
	if counterID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "counter_id is required when no counter is selected")
		return
	}

	result, err := h.upstream.Act(r.Context(), action, counterID)
	var fetchErr *upstream.FetchError
	if err != nil && !errors.As(err, &fetchErr) {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

func mapError(err error) (int, string, string) {
	var fetchErr *upstream.FetchError
	switch {
	case errors.Is(err, realtime.ErrNoCounter):
		return http.StatusConflict, "no_counter", "no counter selected"
	case errors.Is(err, upstream.ErrEmptyCounterID):
		return http.StatusBadRequest, "invalid_request", "counter_id is required"
	case errors.Is(err, upstream.ErrUnknownAction):
		return http.StatusNotFound, "unknown_action", "unknown counter action"
	case errors.Is(err, realtime.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down", "service is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "busy", "reception loop did not respond in time"
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, "upstream_error", fetchErr.Message
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
