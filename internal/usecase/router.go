package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

type TurnInput struct {
	ConversationID string
	Message        string
	Visitor        string
}

// TurnOutput carries the automated reply, or a nil Reply when the
// conversation is in manual mode and the answer will arrive asynchronously.
type TurnOutput struct {
	ConversationID string
	Reply          *domain.Message
}

// HandleVisitorTurn records a visitor message and routes it by the
// conversation's current mode. The visitor message stays persisted when a
// later step fails.
func (c *Coordinator) HandleVisitorTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > c.cfg.MaxMessageLength {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	conv, unlock, err := c.openConversation(ctx, in)
	if err != nil {
		return TurnOutput{}, err
	}

	visitorMsg := c.newMessage(conv.ID, domain.RoleVisitor, text, true)
	if err := c.persist(ctx, visitorMsg); err != nil {
		unlock()
		return TurnOutput{}, err
	}

	c.metrics.VisitorTurn(conv.Mode)
	if conv.Mode == domain.ModeManual {
		defer unlock()
		if err := c.relayVisitor(ctx, conv, text); err != nil {
			return TurnOutput{}, err
		}
		return TurnOutput{ConversationID: conv.ID}, nil
	}

	// The responder runs outside the critical section so operator events are
	// not queued behind it; automatedReply re-checks the mode before it
	// persists anything.
	unlock()
	reply, err := c.automatedReply(ctx, conv, visitorMsg)
	if err != nil {
		return TurnOutput{}, err
	}
	return TurnOutput{ConversationID: conv.ID, Reply: reply}, nil
}

func (c *Coordinator) relayVisitor(ctx context.Context, conv domain.Conversation, text string) error {
	if _, err := c.post(ctx, visitorLine(text), conv.ThreadHandle); err != nil {
		c.logger.Error("failed to relay visitor message to operator",
			"conversation_id", conv.ID,
			"err", err)
		return newError(ErrorUpstream, "channel_relay_error", err)
	}
	return nil
}

// openConversation resolves or creates the conversation and returns it with
// its critical section held.
func (c *Coordinator) openConversation(ctx context.Context, in TurnInput) (domain.Conversation, func(), error) {
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		conv, err := c.Create(ctx, in.Visitor)
		if err != nil {
			return domain.Conversation{}, nil, err
		}
		unlock, err := c.lockConversation(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, nil, err
		}
		return conv, unlock, nil
	}

	unlock, err := c.lockConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	conv, err := c.Resolve(ctx, id)
	if err == nil {
		return conv, unlock, nil
	}
	unlock()
	if CodeOf(err) != ErrorNotFound {
		return domain.Conversation{}, nil, err
	}
	c.logger.Info("conversation id did not resolve, starting a new conversation", "conversation_id", id)
	return c.openConversation(ctx, TurnInput{Visitor: in.Visitor})
}

// automatedReply generates and persists the responder's answer. It returns a
// nil reply when an operator took the conversation over while the answer was
// being generated; the visitor turn is then relayed to the operator instead.
func (c *Coordinator) automatedReply(ctx context.Context, conv domain.Conversation, visitorMsg domain.Message) (*domain.Message, error) {
	persona, model, err := c.ensurePrompt(ctx)
	if err != nil {
		c.logger.Error("failed to load persona configuration", "conversation_id", conv.ID, "err", err)
		return nil, newError(ErrorInternal, "param_load_error", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	history, err := c.store.ListMessages(sctx, conv.ID, c.cfg.MaxContextItems)
	cancel()
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to load history", "conversation_id", conv.ID, "err", err)
		return nil, newError(ErrorInternal, "store_read_error", err)
	}

	rctx, cancel := bounded(ctx, c.cfg.ResponderTimeout)
	answer, err := c.responder.Chat(rctx, model, buildTurns(persona, history))
	cancel()
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterResponder)
		c.logger.Error("automated responder failed", "conversation_id", conv.ID, "err", err)
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return nil, newError(ErrorRateLimited, "responder_rate_limited", err)
		}
		return nil, newError(ErrorUpstream, "responder_error", err)
	}

	unlock, err := c.lockConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	current, err := c.Resolve(ctx, conv.ID)
	if err != nil {
		unlock()
		return nil, err
	}
	if current.Mode != domain.ModeAutomatic {
		defer unlock()
		c.logger.Info("operator took over during the automated reply, dropping it", "conversation_id", conv.ID)
		if err := c.relayVisitor(ctx, current, visitorMsg.Content); err != nil {
			return nil, err
		}
		return nil, nil
	}

	reply := c.newMessage(conv.ID, domain.RoleOperator, answer, false)
	if !reply.Timestamp.After(visitorMsg.Timestamp) {
		reply.Timestamp = visitorMsg.Timestamp.Add(1)
	}
	err = c.persist(ctx, reply)
	unlock()
	if err != nil {
		return nil, err
	}

	// Audit copy for the operator; the visitor already has the answer.
	for _, line := range []string{visitorLine(visitorMsg.Content), c.personaLine(answer)} {
		if _, err := c.post(ctx, line, conv.ThreadHandle); err != nil {
			c.logger.Warn("failed to relay audit copy to operator",
				"conversation_id", conv.ID,
				"err", err)
			break
		}
	}
	return &reply, nil
}

func visitorLine(text string) string {
	return ":bust_in_silhouette: Visitor: " + text
}

func (c *Coordinator) personaLine(text string) string {
	return fmt.Sprintf(":robot_face: %s: %s", c.cfg.PersonaName, text)
}
