package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWebSocket handles GET /api/websocket/ws/{id}. Each snapshot is sent
// as a JSON text message and the connection is closed normally after the
// last one.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	timeout, err := h.timeout(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		slog.Debug("WebSocket upgrade failed", "job", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Control frames are only processed while reading. The reader also
	// notices a client that disconnects between snapshots.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for state := range h.observer.Snapshots(ctx, id, timeout) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(state); err != nil {
			slog.Debug("WebSocket client gone", "job", id, "error", err)
			break
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err == nil {
		// Give the client a moment to answer the close handshake
		select {
		case <-readerDone:
		case <-time.After(wsWriteWait):
		}
	}

	conn.Close()
	<-readerDone
}
