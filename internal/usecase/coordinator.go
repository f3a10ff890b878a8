package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"persona-relay/internal/broadcast"
	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

const (
	defaultMaxContext       = 20
	defaultMaxMessageLen    = 2000
	defaultReactivation     = "bot"
	defaultPersonaName      = "the assistant"
	defaultStoreTimeout     = 5 * time.Second
	defaultChannelTimeout   = 5 * time.Second
	defaultResponderTimeout = 20 * time.Second
	defaultVisitor          = "anonymous"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Store is the record store: conversations keyed by id and by
// thread handle, and their ordered messages.
type Store interface {
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetConversationByThread(ctx context.Context, threadHandle string) (domain.Conversation, error)
	SetMode(ctx context.Context, recordID string, mode domain.Mode) (domain.Mode, error)
	SaveMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListUndisplayed(ctx context.Context, conversationID string) ([]domain.Message, error)
	MarkDisplayed(ctx context.Context, messageID string) (bool, error)
}

// Channel is the operator channel. PostMessage with an empty threadHandle
// opens a new thread and returns its handle.
type Channel interface {
	PostMessage(ctx context.Context, channel, text, threadHandle string) (string, error)
}

// Responder generates the automated reply.
type Responder interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Deps struct {
	Store       Store
	Channel     Channel
	Responder   Responder
	Params      ParamGetter
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Config struct {
	ParamPrefix         string
	ChannelName         string
	PersonaName         string
	ReactivationKeyword string
	MaxContextItems     int
	MaxMessageLength    int
	StoreTimeout        time.Duration
	ChannelTimeout      time.Duration
	ResponderTimeout    time.Duration
}

// Coordinator routes visitor turns between the automated responder and the
// operator channel, applies operator events, and tracks delivery.
type Coordinator struct {
	store       Store
	channel     Channel
	responder   Responder
	params      ParamGetter
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
	locks       *keyedLocks

	now   func() time.Time
	newID func() string

	promptMu     sync.RWMutex
	promptLoaded bool
	persona      string
	model        string
}

func NewCoordinator(d Deps, cfg Config) (*Coordinator, error) {
	if d.Store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if d.Channel == nil {
		return nil, errors.New("usecase: channel must not be nil")
	}
	if d.Responder == nil {
		return nil, errors.New("usecase: responder must not be nil")
	}
	if d.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	cfg.ChannelName = strings.TrimSpace(cfg.ChannelName)
	if cfg.ChannelName == "" {
		return nil, errors.New("usecase: operator channel name must not be empty")
	}
	if strings.TrimSpace(cfg.PersonaName) == "" {
		cfg.PersonaName = defaultPersonaName
	}
	cfg.ReactivationKeyword = strings.TrimSpace(cfg.ReactivationKeyword)
	if cfg.ReactivationKeyword == "" {
		cfg.ReactivationKeyword = defaultReactivation
	}
	if cfg.MaxContextItems <= 0 {
		cfg.MaxContextItems = defaultMaxContext
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLen
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = defaultChannelTimeout
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = defaultResponderTimeout
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := d.Broadcaster
	if b == nil {
		b = broadcast.New(logger)
	}
	return &Coordinator{
		store:       d.Store,
		channel:     d.Channel,
		responder:   d.Responder,
		params:      d.Params,
		broadcaster: b,
		metrics:     d.Metrics,
		logger:      logger.With("component", "coordinator"),
		cfg:         cfg,
		locks:       newKeyedLocks(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}, nil
}

// bounded detaches ctx from its caller's cancellation and gives the adapter
// call its own deadline. A caller that gives up stops waiting; the call
// itself runs to completion or timeout.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return bounded(ctx, c.cfg.StoreTimeout)
}

// lockConversation enters the per-conversation critical section.
func (c *Coordinator) lockConversation(ctx context.Context, conversationID string) (func(), error) {
	unlock, err := c.locks.lock(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_busy", err)
	}
	return unlock, nil
}

// persist saves msg and notifies live subscribers.
func (c *Coordinator) persist(ctx context.Context, msg domain.Message) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.store.SaveMessage(sctx, msg); err != nil {
		c.metrics.AdapterError(metrics.AdapterStore)
		c.logger.Error("failed to persist message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"role", msg.Role,
			"err", err)
		return newError(ErrorInternal, "store_write_error", err)
	}
	if sent := c.broadcaster.Publish(domain.NotificationFor(msg)); sent > 0 {
		c.metrics.Delivered(metrics.PathPush, sent)
	}
	return nil
}

// post sends text to the operator channel, into threadHandle when set.
func (c *Coordinator) post(ctx context.Context, text, threadHandle string) (string, error) {
	cctx, cancel := bounded(ctx, c.cfg.ChannelTimeout)
	defer cancel()
	ts, err := c.channel.PostMessage(cctx, c.cfg.ChannelName, text, threadHandle)
	if err != nil {
		c.metrics.AdapterError(metrics.AdapterChannel)
		return "", err
	}
	return ts, nil
}

func (c *Coordinator) newMessage(conversationID string, role domain.Role, content string, displayed bool) domain.Message {
	return domain.Message{
		ID:             c.newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      c.now(),
		Displayed:      displayed,
	}
}
