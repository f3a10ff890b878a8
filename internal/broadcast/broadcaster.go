// Package broadcast fans persisted-message notifications out to the live
// subscribers of a conversation.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"persona-relay/internal/domain"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster is an in-process pub/sub keyed by conversation id. Publish
// never blocks; a subscriber whose buffer is full misses the notification
// and picks the message up on its next pull, since pushing never marks a
// message displayed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan domain.Notification // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// New creates a Broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan domain.Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for notifications on conversationID. The returned
// channel is closed when ctx is done, on Unsubscribe, or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan domain.Notification, string) {
	subID := uuid.NewString()
	ch := make(chan domain.Notification, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan domain.Notification)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish delivers n to every subscriber of n.ConversationID and reports how
// many received it.
func (b *Broadcaster) Publish(n domain.Notification) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[n.ConversationID]
	sent := 0
	for id, ch := range subs {
		select {
		case ch <- n:
			sent++
		default:
			b.logger.Debug("dropped notification for slow subscriber",
				"conversation_id", n.ConversationID,
				"sub_id", id,
				"message_id", n.ID)
		}
	}
	return sent
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions for conversationID.
func (b *Broadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.closed = true
}
