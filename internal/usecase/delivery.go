package usecase

import (
	"context"
	"errors"
	"strings"

	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

// FetchUndisplayed returns the conversation's undisplayed messages in order
// and marks them displayed. A message is returned only once its flag write
// is confirmed; one that fails to mark stays pending for the next pull.
func (c *Coordinator) FetchUndisplayed(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}

	unlock, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sctx, cancel := c.storeCtx(ctx)
	pending, err := c.store.ListUndisplayed(sctx, conversationID)
	cancel()
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to list undisplayed messages", "conversation_id", conversationID, "err", err)
		return nil, newError(ErrorInternal, "store_read_error", err)
	}

	delivered := make([]domain.Message, 0, len(pending))
	for _, m := range pending {
		flipped, err := c.markDisplayed(ctx, m.ID)
		if err != nil {
			c.logger.Warn("failed to mark message displayed, leaving it pending",
				"conversation_id", conversationID,
				"message_id", m.ID,
				"err", err)
			continue
		}
		if !flipped {
			// Acknowledged through the push path in the meantime.
			continue
		}
		m.Displayed = true
		delivered = append(delivered, m)
	}
	c.metrics.Delivered(metrics.PathPull, len(delivered))
	return delivered, nil
}

// Acknowledge marks one message displayed. Acknowledging an already
// displayed message succeeds.
func (c *Coordinator) Acknowledge(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	flipped, err := c.markDisplayed(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorNotFound, "message_not_found", err)
	}
	if err != nil {
		c.logger.Error("failed to acknowledge message", "message_id", messageID, "err", err)
		return newError(ErrorInternal, "store_write_error", err)
	}
	if flipped {
		c.metrics.Delivered(metrics.PathAck, 1)
	}
	return nil
}

// Subscribe streams notifications for messages persisted in the conversation
// until ctx is done. Notifications do not mark anything displayed.
func (c *Coordinator) Subscribe(ctx context.Context, conversationID string) (<-chan domain.Notification, error) {
	if _, err := c.Resolve(ctx, conversationID); err != nil {
		return nil, err
	}
	ch, _ := c.broadcaster.Subscribe(ctx, conversationID)
	return ch, nil
}

func (c *Coordinator) markDisplayed(ctx context.Context, messageID string) (bool, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	flipped, err := c.store.MarkDisplayed(sctx, messageID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.metrics.AdapterError(metrics.AdapterStore)
	}
	return flipped, err
}
