package slack

import (
	"encoding/json"
	"errors"
	"fmt"

	"persona-relay/internal/domain"
)

const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"

	subtypeBotMessage = "bot_message"
)

// Envelope is the outer Events API payload.
type Envelope struct {
	Type      string
	Challenge string
	EventID   string
	// Event is set only for event_callback envelopes.
	Event *domain.ChannelEvent
}

type rawEnvelope struct {
	Type      string    `json:"type"`
	Challenge string    `json:"challenge"`
	EventID   string    `json:"event_id"`
	Event     *rawEvent `json:"event"`
}

type rawEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// ParseEnvelope decodes a verified Events API body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("slack: decode envelope: %w", err)
	}
	if raw.Type == "" {
		return Envelope{}, errors.New("slack: envelope has no type")
	}
	env := Envelope{
		Type:      raw.Type,
		Challenge: raw.Challenge,
		EventID:   raw.EventID,
	}
	if raw.Type == EnvelopeEventCallback && raw.Event != nil {
		ev := raw.Event
		env.Event = &domain.ChannelEvent{
			EventID:      raw.EventID,
			Type:         ev.Type,
			Subtype:      ev.Subtype,
			Text:         ev.Text,
			Channel:      ev.Channel,
			ThreadHandle: ev.ThreadTS,
			SenderIsSelf: ev.BotID != "" || ev.Subtype == subtypeBotMessage,
		}
	}
	return env, nil
}
