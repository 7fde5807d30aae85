// Package api exposes job submission and the observation patterns over HTTP:
// request/response, polling, long polling, Server-Sent Events and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/observe"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

const maxBodyBytes = 1 << 20

// Submitter starts jobs. *jobs.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context) (string, error)
	SubmitQueued(ctx context.Context) (string, error)
}

// Config bounds how long a request may observe a job
type Config struct {
	// DefaultTimeout applies when a request has no timeout parameter
	DefaultTimeout time.Duration
	// MaxTimeout caps the timeout parameter
	MaxTimeout time.Duration
	// RequestTimeout bounds POST /api/req_resp/process
	RequestTimeout time.Duration
}

// Handler serves the job API
type Handler struct {
	submitter Submitter
	observer  *observe.Observer
	cfg       Config
}

// NewHandler creates a handler
func NewHandler(submitter Submitter, observer *observe.Observer, cfg Config) *Handler {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Handler{
		submitter: submitter,
		observer:  observer,
		cfg:       cfg,
	}
}

// Register adds the job routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/req_resp/process", h.HandleReqResp)

	mux.HandleFunc("POST /api/polling/process", h.HandleSubmit)
	mux.HandleFunc("GET /api/polling/status/{id}", h.HandleStatus)
	mux.HandleFunc("GET /api/polling/result/{id}", h.HandleResult)

	mux.HandleFunc("GET /api/sse/stream/{id}", h.HandleSnapshotStream)

	mux.HandleFunc("POST /api/sse_2/process", h.HandleSubmitQueued)
	mux.HandleFunc("GET /api/sse_2/stream/{id}", h.HandleQueueStream)

	mux.HandleFunc("GET /api/websocket/ws/{id}", h.HandleWebSocket)
}

// HandleReqResp submits a job and answers with its completed state.
// If the job does not complete within RequestTimeout the answer is a timeout
// state with 504.
func (h *Handler) HandleReqResp(w http.ResponseWriter, r *http.Request) {
	if !readRequestBody(w, r) {
		return
	}

	id, err := h.submitter.SubmitQueued(r.Context())
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	final := types.Timeout(id)
	for state := range h.observer.QueuedWithin(r.Context(), id, h.cfg.RequestTimeout) {
		if state.Status.IsTerminal() {
			final = state
		}
	}

	status := http.StatusOK
	if final.Status != types.JobStatusCompleted {
		slog.Warn("Request ended before job completed", "job", id, "status", final.Status)
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, final)
}

// HandleSubmit starts a snapshot-mode job and returns its id
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.submitter.Submit)
}

// HandleSubmitQueued starts a queue-mode job and returns its id
func (h *Handler) HandleSubmitQueued(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.submitter.SubmitQueued)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, submit func(context.Context) (string, error)) {
	if !readRequestBody(w, r) {
		return
	}

	id, err := submit(r.Context())
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	slog.Debug("Job submitted", "job", id, "path", r.URL.Path)
	writeJSON(w, http.StatusOK, id)
}

// HandleStatus handles GET /api/polling/status/{id}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.observer.Read(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("Failed to read job", "job", r.PathValue("id"), "error", err)
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleResult handles GET /api/polling/result/{id} (long polling)
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	timeout, err := h.timeout(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.observer.Wait(r.Context(), id, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			slog.Debug("Client left during long poll", "job", id)
			return
		}
		slog.Error("Failed to wait for job", "job", id, "error", err)
		http.Error(w, "Failed to wait for job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// timeout reads the timeout query parameter in seconds
func (h *Handler) timeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return h.cfg.DefaultTimeout, nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || secs <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: must be a positive number of seconds", raw)
	}
	if secs >= h.cfg.MaxTimeout.Seconds() {
		return h.cfg.MaxTimeout, nil
	}
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q: below one nanosecond", raw)
	}
	return d, nil
}

func readRequestBody(w http.ResponseWriter, r *http.Request) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if len(body) > 0 && !json.Valid(body) {
		http.Error(w, "Request body must be JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrRunnerClosed) {
		http.Error(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	}
	slog.Error("Failed to submit job", "error", err)
	http.Error(w, "Failed to submit job", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
