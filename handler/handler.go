package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
	"persona-relay/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"

	maxBodyBytes          = 1 << 20
	defaultWebhookTimeout = 2500 * time.Millisecond
)

// Coordinator is the usecase surface the HTTP layer drives.
type Coordinator interface {
	HandleVisitorTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	FetchUndisplayed(ctx context.Context, conversationID string) ([]domain.Message, error)
	Acknowledge(ctx context.Context, messageID string) error
	Subscribe(ctx context.Context, conversationID string) (<-chan domain.Notification, error)
	NotifyLifecycle(ctx context.Context, conversationID string, event usecase.LifecycleEvent, note string) error
	OnChannelEvent(ctx context.Context, ev domain.ChannelEvent) (usecase.Outcome, error)
}

// WebhookVerifier authenticates inbound operator channel requests.
type WebhookVerifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) error
}

// EventDeduper remembers provider event ids so retried deliveries are
// acknowledged without being applied twice.
type EventDeduper interface {
	CheckAndMark(key string) bool
	Forget(key string)
}

type Options struct {
	Verifier WebhookVerifier
	Dedupe   EventDeduper
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// WebhookTimeout bounds the work done for one operator event so the
	// provider always gets its acknowledgement in time.
	WebhookTimeout time.Duration

	ChatRPS   float64
	ChatBurst int

	// Streaming enables the SSE push route and /metrics. Both need a
	// long-lived process and are left off under Lambda.
	Streaming bool
}

type Handler struct {
	svc      Coordinator
	verifier WebhookVerifier
	dedupe   EventDeduper
	metrics  *metrics.Metrics
	logger   *slog.Logger
	limiter  *limiterPool

	webhookTimeout time.Duration
	router         *mux.Router
}

func NewHandler(svc Coordinator, opts Options) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: coordinator must not be nil")
	}
	if opts.Verifier == nil {
		return nil, errors.New("handler: webhook verifier must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	h := &Handler{
		svc:            svc,
		verifier:       opts.Verifier,
		dedupe:         opts.Dedupe,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "http"),
		limiter:        newLimiterPool(opts.ChatRPS, opts.ChatBurst),
		webhookTimeout: timeout,
	}
	h.router = h.routes(opts.Streaming)
	return h, nil
}

func (h *Handler) routes(streaming bool) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.withCorrelationID)

	r.HandleFunc("/", h.health).Methods(http.MethodGet)
	r.HandleFunc("/chat", h.chat).Methods(http.MethodPost)
	r.HandleFunc("/chat/closed", h.lifecycle(usecase.LifecycleClosed)).Methods(http.MethodPost)
	r.HandleFunc("/chat/reopened", h.lifecycle(usecase.LifecycleReopened)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{conversation_id}", h.pull).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/displayed", h.acknowledge).Methods(http.MethodPost)
	r.HandleFunc("/slack/events", h.slackEvents).Methods(http.MethodPost)
	if streaming {
		r.HandleFunc("/messages/{conversation_id}/stream", h.stream).Methods(http.MethodGet)
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)})
	})
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+headerCorrelationID)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

type ctxKey struct{}

func (h *Handler) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// log returns the handler logger tagged with the request's correlation id.
func (h *Handler) log(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return h.logger.With("correlation_id", id)
	}
	return h.logger
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log(r).Error("request failed", "path", r.URL.Path, "code", code, "err", err)
	} else {
		h.log(r).Warn("request rejected", "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: string(code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func invalidInput(reason string, err error) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: reason, Err: err}
}
