// Package ws is the push-delivery channel: a persistent worker session that
// issues consume requests over a websocket and receives jobs on the same
// registry contract as HTTP long-polling.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"cloudq/pkg/dispatch"
	"cloudq/pkg/store"
)

// request is a worker's message on the socket.
type request struct {
	Action string `json:"action"`
	Queue  string `json:"queue,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Handler upgrades connections into worker sessions.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandler creates a websocket handler over the dispatcher.
func NewHandler(d *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.dispatcher.AttachSession()
	defer h.dispatcher.DetachSession()

	log := h.logger.With("remote", conn.RemoteAddr().String())
	log.Info("worker session opened")
	defer log.Info("worker session closed")

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("worker session read failed", "error", err)
			}
			return
		}

		switch req.Action {
		case "consume":
			h.consume(r, conn, req.Queue)
		case "complete":
			h.complete(r, conn, req.ID)
		default:
			h.writeJSON(conn, map[string]string{"error": "unknown action"})
		}
	}
}

func (h *Handler) consume(r *http.Request, conn *websocket.Conn, queue string) {
	doc, err := h.dispatcher.Consume(r.Context(), queue)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.writeJSON(conn, map[string]string{"error": err.Error()})
		return
	}
	if doc == nil {
		h.writeJSON(conn, map[string]string{"status": "empty"})
		return
	}
	h.writeJSON(conn, doc)
}

func (h *Handler) complete(r *http.Request, conn *websocket.Conn, id string) {
	doc, err := h.dispatcher.Complete(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidState) {
			h.writeJSON(conn, map[string]string{"error": err.Error()})
			return
		}
		h.writeJSON(conn, map[string]string{"error": "internal error"})
		return
	}
	h.writeJSON(conn, doc)
}

func (h *Handler) writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal websocket response failed", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("worker session write failed", "error", err)
	}
}
