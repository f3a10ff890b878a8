package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"persona-relay/handler"
	"persona-relay/internal/broadcast"
	"persona-relay/internal/dedupe"
	"persona-relay/internal/integrations/openai"
	"persona-relay/internal/integrations/paramstore"
	"persona-relay/internal/integrations/slack"
	"persona-relay/internal/metrics"
	"persona-relay/internal/repository"
	"persona-relay/internal/usecase"
)

const (
	eventDedupeTTL  = 10 * time.Minute
	eventDedupeSize = 10000
)

type appConfig struct {
	onLambda       bool
	paramPrefix    string
	paramSource    string
	storeBackend   string
	stateTable     string
	boltPath       string
	port           string
	webhookTimeout time.Duration
	chatRPS        float64
	chatBurst      int
	coordinator    usecase.Config
}

func main() {
	// Local runs only; a missing .env is fine.
	_ = godotenv.Load()

	onLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
	logger := newLogger(onLambda, os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	cfg.onLambda = onLambda

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("persona-relay stopped", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment. Nothing else reads it.
func loadConfig() (appConfig, error) {
	paramPrefix, err := requireEnv("PARAM_PREFIX")
	if err != nil {
		return appConfig{}, err
	}
	slackChannel, err := requireEnv("SLACK_CHANNEL")
	if err != nil {
		return appConfig{}, err
	}
	cfg := appConfig{
		paramPrefix:    paramPrefix,
		paramSource:    envString("PARAM_SOURCE", "ssm"),
		storeBackend:   envString("STORE_BACKEND", "dynamodb"),
		stateTable:     os.Getenv("STATE_TABLE"),
		boltPath:       envString("BOLT_PATH", "persona-relay.db"),
		port:           envString("PORT", "8080"),
		webhookTimeout: envDuration("WEBHOOK_TIMEOUT", 2500*time.Millisecond),
		chatRPS:        envFloat("CHAT_RPS", 1),
		chatBurst:      envInt("CHAT_BURST", 5),
		coordinator: usecase.Config{
			ParamPrefix:         paramPrefix,
			ChannelName:         slackChannel,
			PersonaName:         os.Getenv("PERSONA_NAME"),
			ReactivationKeyword: envString("REACTIVATION_KEYWORD", "bot"),
			MaxContextItems:     envInt("MAX_CONTEXT_ITEMS", 20),
			MaxMessageLength:    envInt("MAX_MESSAGE_LENGTH", 2000),
			StoreTimeout:        envDuration("STORE_TIMEOUT", 5*time.Second),
			ChannelTimeout:      envDuration("CHANNEL_TIMEOUT", 5*time.Second),
			ResponderTimeout:    envDuration("RESPONDER_TIMEOUT", 20*time.Second),
		},
	}
	if cfg.storeBackend == "dynamodb" && cfg.stateTable == "" {
		return appConfig{}, errors.New("STATE_TABLE is required for the dynamodb store")
	}
	return cfg, nil
}

// run wires the dependencies and serves until shutdown. Every resource it
// opens is released before it returns.
func run(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.storeBackend == "dynamodb" || cfg.paramSource == "ssm" {
		loaded, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = loaded
	}

	// ---- Clients ----
	var source paramstore.Getter
	switch cfg.paramSource {
	case "ssm":
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return fmt.Errorf("create SSM client: %w", err)
		}
		source = ssmClient
	case "env":
		source = paramstore.NewEnv(cfg.paramPrefix)
	default:
		return fmt.Errorf("unknown PARAM_SOURCE %q", cfg.paramSource)
	}
	params, err := paramstore.NewCache(source)
	if err != nil {
		return fmt.Errorf("create parameter cache: %w", err)
	}

	var store usecase.Store
	switch cfg.storeBackend {
	case "dynamodb":
		dynamoStore, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.stateTable)
		if err != nil {
			return fmt.Errorf("create state store: %w", err)
		}
		store = dynamoStore
	case "bolt":
		boltStore, err := repository.OpenBoltStore(cfg.boltPath)
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		defer func() {
			if err := boltStore.Close(); err != nil {
				logger.Error("failed to close bolt store", "err", err)
			}
		}()
		store = boltStore
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.storeBackend)
	}

	openaiClient, err := openai.NewClient(params, cfg.paramPrefix)
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}
	slackClient, err := slack.NewClient(params, cfg.paramPrefix)
	if err != nil {
		return fmt.Errorf("create Slack client: %w", err)
	}
	verifier, err := slack.NewVerifier(params, cfg.paramPrefix)
	if err != nil {
		return fmt.Errorf("create Slack verifier: %w", err)
	}

	// ---- Coordinator ----
	m := metrics.New()
	bcast := broadcast.New(logger)
	defer bcast.Close()

	coordinator, err := usecase.NewCoordinator(usecase.Deps{
		Store:       store,
		Channel:     slackClient,
		Responder:   openaiClient,
		Params:      params,
		Broadcaster: bcast,
		Metrics:     m,
		Logger:      logger,
	}, cfg.coordinator)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(coordinator, handler.Options{
		Verifier:       verifier,
		Dedupe:         dedupe.New(eventDedupeTTL, eventDedupeSize),
		Metrics:        m,
		Logger:         logger,
		WebhookTimeout: cfg.webhookTimeout,
		ChatRPS:        cfg.chatRPS,
		ChatBurst:      cfg.chatBurst,
		Streaming:      !cfg.onLambda,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if cfg.onLambda {
		adapter, err := handler.NewLambdaAdapter(h)
		if err != nil {
			return fmt.Errorf("create lambda adapter: %w", err)
		}
		lambda.Start(adapter.Handle)
		return nil
	}

	return serve(h, cfg.port, logger)
}

func serve(h http.Handler, port string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newLogger(jsonOutput bool, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func requireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
