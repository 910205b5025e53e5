package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/david-relay/internal/config"
	"github.com/lexiqai/david-relay/internal/conversation"
	"github.com/lexiqai/david-relay/internal/llm"
	"github.com/lexiqai/david-relay/internal/observability"
	"github.com/lexiqai/david-relay/internal/persona"
	"github.com/lexiqai/david-relay/internal/relay"
	"github.com/lexiqai/david-relay/internal/resilience"
	"github.com/lexiqai/david-relay/internal/store"
	"github.com/lexiqai/david-relay/internal/tts"
)

// configuredChecker is implemented by upstream clients that can report
// whether they are usable without making a paid call.
type configuredChecker interface {
	Configured(ctx context.Context) (bool, error)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("ws_path", cfg.WSPath).
		Str("completion_provider", cfg.CompletionProvider).
		Str("completion_model", cfg.CompletionModel).
		Str("store_driver", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("David relay starting")

	// Base context for every session; cancelled on shutdown
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	recordStore, err := openStore(baseCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer recordStore.Close()

	if err := recordStore.EnsureSharedSecret(baseCtx, cfg.SharedPassword); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed shared password")
	}

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load persona")
	}

	completionBreaker := newBreaker(cfg.CompletionProvider, cfg)
	synthesisBreaker := newBreaker("elevenlabs", cfg)

	completion, err := newCompletionClient(baseCtx, cfg, completionBreaker)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create completion client")
	}
	synthesizer := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		VoiceID:      cfg.TTSVoiceID,
		ModelID:      cfg.TTSModelID,
		OutputFormat: cfg.TTSOutputFormat,
		Breaker:      synthesisBreaker,
		Retry:        retryConfig(cfg),
	})

	deps := relay.Deps{
		Store:        recordStore,
		Conversation: conversation.NewManager(recordStore, completion, cfg.CompletionModel, p),
		Synthesizer:  synthesizer,
		Persona:      p,
		PingInterval: time.Duration(cfg.WSPingInterval) * time.Second,
		WriteTimeout: time.Duration(cfg.WSWriteTimeout) * time.Second,
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register client WebSocket handler
	mux.HandleFunc(cfg.WSPath, relay.NewHandler(deps))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := []observability.NamedCheck{
		{Name: "store", Check: func(ctx context.Context) (bool, error) {
			if err := recordStore.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
		{Name: "synthesis", Check: synthesizer.Configured},
	}
	if c, ok := completion.(configuredChecker); ok {
		checks = append(checks, observability.NamedCheck{Name: "completion", Check: c.Configured})
	}
	if completionBreaker != nil {
		checks = append(checks, breakerCheck("completion_breaker", completionBreaker))
	}
	if synthesisBreaker != nil {
		checks = append(checks, breakerCheck("synthesis_breaker", synthesisBreaker))
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	var grpcHealth *observability.GRPCHealth
	if cfg.GRPCHealthPort != "" {
		grpcHealth, err = observability.StartGRPCHealth(":"+cfg.GRPCHealthPort, 10*time.Second, checks...)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start gRPC health service")
		}
		logger.Info().Str("addr", grpcHealth.Addr()).Msg("gRPC health service listening")
	}

	// WebSocket sessions are long-lived, so no read/write timeouts here;
	// the outbound writer sets per-frame deadlines instead.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return baseCtx },
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.WSPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Hijacked WebSocket connections are not tracked by Shutdown
	cancelSessions()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.SQLStore, error) {
	var s *store.SQLStore
	err := resilience.Reconnect(ctx, "record-store", func(ctx context.Context) error {
		var err error
		s, err = store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
		return err
	}, &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newCompletionClient(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker) (llm.Client, error) {
	retry := retryConfig(cfg)

	switch cfg.CompletionProvider {
	case config.ProviderGemini:
		return llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Breaker: breaker,
			Retry:   retry,
		})
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Breaker: breaker,
			Retry:   retry,
		}), nil
	}
}

// newBreaker returns nil unless CIRCUIT_BREAKER_ENABLED is set; a breaker is
// shared by every session calling the upstream.
func newBreaker(name string, cfg *config.Config) *resilience.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	cb := resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	observability.UpdateCircuitBreakerState(name, int(resilience.StateClosed))
	return cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		_, requests, failures, rate := cb.GetStats()
		logger := observability.GetLogger()
		logger.Warn().
			Str("service", name).
			Str("state", state.String()).
			Int64("requests", requests).
			Int64("failures", failures).
			Float64("failure_rate", rate).
			Msg("Circuit breaker state changed")
	})
}

// breakerCheck reports not ready while the breaker is open.
func breakerCheck(name string, cb *resilience.CircuitBreaker) observability.NamedCheck {
	return observability.NamedCheck{Name: name, Check: func(context.Context) (bool, error) {
		if state := cb.GetState(); state == resilience.StateOpen {
			return false, fmt.Errorf("circuit %s", state)
		}
		return true, nil
	}}
}

func retryConfig(cfg *config.Config) *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.RetryMaxAttempts
	rc.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return rc
}
