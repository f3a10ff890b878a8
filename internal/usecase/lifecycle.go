package usecase

import (
	"context"
	"strings"
)

// LifecycleEvent is a visitor-side widget event forwarded to the operator.
type LifecycleEvent string

const (
	LifecycleClosed   LifecycleEvent = "closed"
	LifecycleReopened LifecycleEvent = "reopened"
)

func (e LifecycleEvent) defaultNote() string {
	switch e {
	case LifecycleClosed:
		return "Chat closed by the visitor"
	case LifecycleReopened:
		return "Chat reopened by the visitor"
	}
	return ""
}

// NotifyLifecycle posts a notice into the conversation's operator thread.
// It changes neither the mode nor the transcript.
func (c *Coordinator) NotifyLifecycle(ctx context.Context, conversationID string, event LifecycleEvent, note string) error {
	def := event.defaultNote()
	if def == "" {
		return newError(ErrorInvalidInput, "unknown_lifecycle_event", nil)
	}
	conv, err := c.Resolve(ctx, conversationID)
	if err != nil {
		return err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = def
	}
	if _, err := c.post(ctx, ":door: Notification: "+note, conv.ThreadHandle); err != nil {
		c.logger.Error("failed to post lifecycle notice",
			"conversation_id", conv.ID,
			"event", event,
			"err", err)
		return newError(ErrorUpstream, "channel_relay_error", err)
	}
	return nil
}
