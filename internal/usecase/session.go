package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

// Resolve looks a conversation up by its visitor-facing id.
func (c *Coordinator) Resolve(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	conv, err := c.store.GetConversation(sctx, conversationID)
	return c.resolved(conv, err, "conversation_id", conversationID)
}

// ResolveByThread looks a conversation up by its operator channel thread.
func (c *Coordinator) ResolveByThread(ctx context.Context, threadHandle string) (domain.Conversation, error) {
	if strings.TrimSpace(threadHandle) == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_thread_handle", nil)
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	conv, err := c.store.GetConversationByThread(sctx, threadHandle)
	return c.resolved(conv, err, "thread_handle", threadHandle)
}

func (c *Coordinator) resolved(conv domain.Conversation, err error, key, value string) (domain.Conversation, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to read conversation", key, value, "err", err)
		return domain.Conversation{}, newError(ErrorInternal, "store_read_error", err)
	}
	return conv, nil
}

// Create announces a new conversation in the operator channel and persists
// it with the returned thread handle. A store failure after the announcement
// leaves an orphaned thread; the conversation is not returned and must not
// be used.
func (c *Coordinator) Create(ctx context.Context, visitor string) (domain.Conversation, error) {
	visitor = strings.TrimSpace(visitor)
	if visitor == "" {
		visitor = defaultVisitor
	}
	id := c.newID()

	thread, err := c.post(ctx, announcement(c.cfg.PersonaName), "")
	if err != nil {
		c.logger.Error("failed to open operator thread", "conversation_id", id, "err", err)
		return domain.Conversation{}, newError(ErrorUpstream, "channel_announce_error", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	conv, err := c.store.CreateConversation(sctx, domain.Conversation{
		ID:           id,
		ThreadHandle: thread,
		Mode:         domain.ModeAutomatic,
		Visitor:      visitor,
		CreatedAt:    c.now(),
	})
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to persist conversation, operator thread orphaned",
			"conversation_id", id,
			"thread_handle", thread,
			"err", err)
		return domain.Conversation{}, newError(ErrorInternal, "store_create_error", err)
	}
	c.logger.Info("conversation created", "conversation_id", conv.ID, "thread_handle", conv.ThreadHandle)
	return conv, nil
}

func announcement(persona string) string {
	return fmt.Sprintf(":speech_balloon: A conversation just started with %s on the website.", persona)
}
