package handler

import (
	"net"
	"net/http"
	"strings"

	"persona-relay/internal/usecase"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	User           string `json:"user"`
}

// chatResponse.Response is null while a human operator owns the conversation.
type chatResponse struct {
	Response       *string `json:"response"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id,omitempty"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, invalidInput("invalid_body", err))
		return
	}
	if !h.limiter.Allow(clientAddr(r)) {
		h.writeError(w, r, &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "visitor_rate_limited"})
		return
	}

	out, err := h.svc.HandleVisitorTurn(r.Context(), usecase.TurnInput{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Visitor:        req.User,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := chatResponse{ConversationID: out.ConversationID}
	if out.Reply != nil {
		text := out.Reply.Content
		resp.Response = &text
		resp.MessageID = out.Reply.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientAddr is the rate-limit key. Body fields are chosen by the client and
// never used for it. The last X-Forwarded-For hop, the one the nearest proxy
// appended, is preferred over the socket address.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
			return last
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type lifecycleRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) lifecycle(event usecase.LifecycleEvent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycleRequest
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, r, invalidInput("invalid_body", err))
			return
		}
		if err := h.svc.NotifyLifecycle(r.Context(), req.ConversationID, event, req.Message); err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	}
}
