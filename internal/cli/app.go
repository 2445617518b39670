package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/batcher"
	"github.com/hession/mnemo/internal/chat"
	"github.com/hession/mnemo/internal/config"
	"github.com/hession/mnemo/internal/history"
	"github.com/hession/mnemo/internal/llm"
	"github.com/hession/mnemo/internal/memory"
	"github.com/hession/mnemo/internal/metrics"
	"github.com/hession/mnemo/internal/stream"
)

// extractionRetries is how many times a failed fact-extraction call is
// retried after the first attempt.
const extractionRetries = 2

// App holds every long-lived component of a running client.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	History *history.SQLiteStore
	Memory  *memory.Manager
	Chat    *chat.Orchestrator

	memStore      *memory.SQLiteStore
	metricsServer *http.Server
	metricsAddr   string
}

// NewApp opens the stores and wires the memory manager, the streaming
// transport and the orchestrator. opts are applied to the orchestrator after
// the defaults. Long-term memory is only attached to turns when
// memory.enabled is set; the manager itself is always available for
// management commands.
func NewApp(cfg *config.Config, logger *zap.Logger, opts ...chat.Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	prompts, err := config.LoadPromptConfig(cfg.Dir)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger}
	reg := prometheus.NewRegistry()
	app.Metrics = metrics.New(reg)

	app.History, err = history.NewSQLiteStore(cfg.History.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	app.memStore, err = memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		app.History.Close()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	completer := &retryingCompleter{
		client: llm.New(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.Model,
			cfg.Model.Temperature, cfg.Model.MaxTokens, config.Seconds(cfg.Model.TimeoutSeconds)),
		retries: extractionRetries,
	}
	embedder := llm.NewEmbeddingClient(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
		cfg.Embedding.Model, config.Seconds(cfg.Embedding.TimeoutSeconds))

	app.Memory = memory.NewManager(
		app.memStore,
		embedder,
		memory.NewLLMExtractor(completer, prompts.GetExtraction()),
		memory.Config{
			SearchThreshold:    cfg.Memory.SearchThreshold,
			ContextThreshold:   cfg.Memory.ContextThreshold,
			SearchLimit:        cfg.Memory.SearchLimit,
			MaxContextMemories: cfg.Memory.MaxContextMemories,
			EmbedConcurrency:   cfg.Memory.EmbedConcurrency,
			ContextHeader:      prompts.GetMemoryContext(),
		},
		logger,
		app.Metrics,
	)

	transport, err := newTransport(cfg, logger)
	if err != nil {
		app.closeStores()
		return nil, err
	}

	chatOpts := []chat.Option{chat.WithLogger(logger), chat.WithMetrics(app.Metrics)}
	if cfg.Memory.Enabled {
		chatOpts = append(chatOpts, chat.WithMemory(app.Memory))
	}
	chatOpts = append(chatOpts, opts...)

	app.Chat = chat.New(transport, app.History, chat.Config{
		MaxHistoryMessages: cfg.Stream.MaxHistoryMessages,
		ContextTimeout:     config.Millis(cfg.Memory.ContextTimeoutMS),
		Batcher: batcher.Config{
			BatchSize:     cfg.Batcher.BatchSize,
			FlushInterval: config.Millis(cfg.Batcher.FlushIntervalMS),
		},
	}, chatOpts...)

	if cfg.Metrics.Addr != "" {
		if err := app.serveMetrics(cfg.Metrics.Addr); err != nil {
			app.closeStores()
			return nil, err
		}
	}

	return app, nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) (stream.Transport, error) {
	switch strings.ToLower(cfg.Stream.Transport) {
	case config.TransportSSE:
		return stream.NewSSETransport(cfg.Stream.URL, cfg.Model.APIKey, config.Seconds(cfg.Stream.TimeoutSeconds), logger), nil
	case config.TransportWebSocket:
		return stream.NewWebSocketTransport(cfg.Stream.URL, cfg.Model.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
	}
}

func (a *App) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()

	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.Logger.Info("serving metrics", zap.String("addr", a.metricsAddr))
	return nil
}

// Close waits for background memory extraction, then stops the metrics
// listener and closes the stores.
func (a *App) Close() error {
	if a.Chat != nil {
		a.Chat.Wait()
	}

	var errs []error
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, a.metricsServer.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.memStore != nil {
		errs = append(errs, a.memStore.Close())
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	return errors.Join(errs...)
}

type chatRetrier interface {
	ChatWithRetry(ctx context.Context, messages []llm.Message, maxAttempts int) (*llm.ChatResponse, error)
}

// retryingCompleter gives fact extraction a few retries before the
// candidate set is dropped.
type retryingCompleter struct {
	client  chatRetrier
	retries int
}

func (r *retryingCompleter) Chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	return r.client.ChatWithRetry(ctx, messages, r.retries+1)
}
