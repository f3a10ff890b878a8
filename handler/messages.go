package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"persona-relay/internal/domain"
)

const streamHeartbeat = 25 * time.Second

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type messagesResponse struct {
	Messages []messageView `json:"messages"`
}

func (h *Handler) pull(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.FetchUndisplayed(r.Context(), mux.Vars(r)["conversation_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := messagesResponse{Messages: make([]messageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageView{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Acknowledge(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// stream pushes a "message" event for every message persisted in the
// conversation. Clients acknowledge what they render; anything missed is
// picked up by the pull route.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, fmt.Errorf("handler: response writer does not support flushing"))
		return
	}
	ctx := r.Context()
	convID := mux.Vars(r)["conversation_id"]
	notes, err := h.svc.Subscribe(ctx, convID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, "message", n); err != nil {
				h.log(r).Debug("stream write failed", "conversation_id", convID, "err", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event, n.ID, data)
	return err
}
