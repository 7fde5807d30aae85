package api

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

// HandleSnapshotStream handles GET /api/sse/stream/{id}
func (h *Handler) HandleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	timeout, err := h.timeout(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	streamSSE(w, id, h.observer.Snapshots(r.Context(), id, timeout))
}

// HandleQueueStream handles GET /api/sse_2/stream/{id}. Without a timeout
// parameter the stream stays open until the job completes.
func (h *Handler) HandleQueueStream(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if r.URL.Query().Has("timeout") {
		var err error
		if timeout, err = h.timeout(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	id := r.PathValue("id")
	streamSSE(w, id, h.observer.QueuedWithin(r.Context(), id, timeout))
}

func streamSSE(w http.ResponseWriter, id string, states iter.Seq[types.JobState]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for state := range states {
		if err := writeEvent(w, flusher, state); err != nil {
			slog.Debug("SSE client gone", "job", id, "error", err)
			return
		}
	}
}

// writeEvent writes one state as a data-only SSE event
func writeEvent(w http.ResponseWriter, flusher http.Flusher, state types.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
