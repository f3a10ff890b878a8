package usecase

import (
	"context"

	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

// Outcome describes what a verified channel event did.
type Outcome string

const (
	OutcomeIgnoredSelf   Outcome = "ignored_self"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUnknownThread Outcome = "unknown_thread"
	OutcomeReactivated   Outcome = "reactivated"
	OutcomePersisted     Outcome = "persisted"
	OutcomeFailed        Outcome = "failed"
)

// OnChannelEvent applies a verified operator channel event. Events that do
// not map to a conversation are acknowledged and dropped with a nil error.
func (c *Coordinator) OnChannelEvent(ctx context.Context, ev domain.ChannelEvent) (Outcome, error) {
	outcome, err := c.onChannelEvent(ctx, ev)
	c.metrics.OperatorEvent(string(outcome))
	return outcome, err
}

func (c *Coordinator) onChannelEvent(ctx context.Context, ev domain.ChannelEvent) (Outcome, error) {
	if ev.SenderIsSelf {
		return OutcomeIgnoredSelf, nil
	}
	if !ev.IsThreadReply() {
		return OutcomeIgnored, nil
	}

	conv, err := c.ResolveByThread(ctx, ev.ThreadHandle)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			c.logger.Debug("dropping event for unknown thread", "thread_handle", ev.ThreadHandle, "event_id", ev.EventID)
			return OutcomeUnknownThread, nil
		}
		return OutcomeFailed, err
	}

	unlock, err := c.lockConversation(ctx, conv.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	defer unlock()

	// Re-read under the lock so the transition starts from the latest mode.
	conv, err = c.Resolve(ctx, conv.ID)
	if err != nil {
		return OutcomeFailed, err
	}

	t := Decide(conv.Mode, ev.Text, c.cfg.ReactivationKeyword)
	if t.Changed() {
		if err := c.setMode(ctx, conv, t.To); err != nil {
			return OutcomeFailed, err
		}
	}
	if t.Reactivation {
		return OutcomeReactivated, nil
	}

	msg := c.newMessage(conv.ID, domain.RoleOperator, ev.Text, false)
	if err := c.persist(ctx, msg); err != nil {
		return OutcomeFailed, err
	}
	return OutcomePersisted, nil
}

func (c *Coordinator) setMode(ctx context.Context, conv domain.Conversation, to domain.Mode) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	prev, err := c.store.SetMode(sctx, conv.StoreRecordID, to)
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to change mode", "conversation_id", conv.ID, "to", to, "err", err)
		return newError(ErrorInternal, "store_write_error", err)
	}
	if prev != to {
		c.metrics.ModeTransition(to)
		c.logger.Info("conversation mode changed", "conversation_id", conv.ID, "from", prev, "to", to)
	}
	return nil
}
