package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"persona-relay/internal/integrations/slack"
	"persona-relay/internal/usecase"
)

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

// slackEvents receives operator channel events. After verification it always
// acknowledges with 200 so the provider does not retry on our failures.
func (h *Handler) slackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, invalidInput("invalid_body", err))
		return
	}

	if err := h.verifier.Verify(r.Context(), r.Header, body); err != nil {
		reason := rejectionReason(err)
		h.metrics.WebhookRejected(reason)
		if slack.IsRejection(err) {
			h.log(r).Warn("rejected channel webhook", "reason", reason)
		} else {
			h.log(r).Error("cannot verify channel webhook", "err", err)
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized)})
		return
	}

	env, err := slack.ParseEnvelope(body)
	if err != nil {
		h.log(r).Warn("ignoring malformed channel webhook", "err", err)
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored"})
		return
	}

	switch env.Type {
	case slack.EnvelopeURLVerification:
		writeJSON(w, http.StatusOK, challengeResponse{Challenge: env.Challenge})
		return
	case slack.EnvelopeEventCallback:
	default:
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored"})
		return
	}
	if env.Event == nil {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored"})
		return
	}
	if h.dedupe != nil && h.dedupe.CheckAndMark(env.EventID) {
		h.log(r).Debug("dropping retried channel event", "event_id", env.EventID)
		writeJSON(w, http.StatusOK, statusResponse{Status: "duplicate"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.webhookTimeout)
	defer cancel()
	outcome, err := h.svc.OnChannelEvent(ctx, *env.Event)
	if err != nil {
		// Let a provider retry apply the event again.
		if h.dedupe != nil {
			h.dedupe.Forget(env.EventID)
		}
		h.log(r).Error("failed to apply channel event",
			"event_id", env.EventID,
			"thread_handle", env.Event.ThreadHandle,
			"err", err)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(outcome)})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, slack.ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, slack.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, slack.ErrBadSignature):
		return "bad_signature"
	default:
		return "secret_unavailable"
	}
}
