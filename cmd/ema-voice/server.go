package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/koscakluka/ema-voice/core"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/auth"
	"github.com/koscakluka/ema-voice/core/connection"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms/groq"
	"github.com/koscakluka/ema-voice/core/llms/openai"
	"github.com/koscakluka/ema-voice/core/metrics"
	sttdeepgram "github.com/koscakluka/ema-voice/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-voice/core/storage/redisturns"
	"github.com/koscakluka/ema-voice/core/storage/sqlstore"
	ttsdeepgram "github.com/koscakluka/ema-voice/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-voice/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type server struct {
	cfg        *config.Config
	store      *sqlstore.Store
	redis      *redis.Client
	manager    *connection.Manager
	httpServer *http.Server
}

func newServer(cfg *config.Config) (*server, error) {
	encoding, err := audio.ParseEncodingInfo(cfg.Speech.SampleRate, cfg.Speech.Encoding)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, err
	}

	store, err := sqlstore.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &server{cfg: cfg, store: store}

	var turnLog conversations.TurnLog = store
	if cfg.Storage.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		turnLog = redisturns.New(s.redis, store, redisturns.WithWindow(cfg.Storage.HistoryWindow))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry, "")

	factory, err := newPipelineFactory(cfg, encoding, turnLog, collector)
	if err != nil {
		s.close()
		return nil, err
	}

	managerOpts := []connection.ManagerOption{
		connection.WithProfileStore(store),
		connection.WithMetrics(collector),
		connection.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
		connection.WithOutboundQueueSize(cfg.Server.OutboundQueueSize),
		connection.WithReadLimit(cfg.Server.ReadLimit),
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowed := cfg.Server.AllowedOrigins
		managerOpts = append(managerOpts, connection.WithCheckOrigin(func(r *http.Request) bool {
			return slices.Contains(allowed, r.Header.Get("Origin"))
		}))
	}
	s.manager = connection.NewManager(verifier, store, factory, managerOpts...)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/sessions/{sessionID}/voice", s.manager)
	mux.Handle("GET /v1/protocol/schema", connection.SchemaHandler())
	mux.Handle("GET /metrics", metrics.Handler(registry))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr: cfg.Server.Addr,
		Handler: otelhttp.NewHandler(mux, "ema-voice",
			// The route pattern is not known before the mux runs, and raw
			// paths carry session ids.
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return operation + " " + r.Method
			}),
		),
	}
	return s, nil
}

// newPipelineFactory builds one orchestrator per accepted session. Vendor
// clients are stateless and shared between sessions.
func newPipelineFactory(cfg *config.Config, encoding audio.EncodingInfo, turnLog conversations.TurnLog, collector *metrics.Collector) (connection.PipelineFactory, error) {
	transcriber := sttdeepgram.NewTranscriptionClient(cfg.Speech.DeepgramAPIKey,
		sttdeepgram.WithModel(cfg.Speech.ListenModel),
		sttdeepgram.WithLanguage(cfg.Speech.Language),
	)

	var synthesizer orchestration.TextToSpeech
	if !cfg.Speech.DisableSynthesis {
		client, err := ttsdeepgram.NewTextToSpeechClient(cfg.Speech.DeepgramAPIKey,
			ttsdeepgram.WithVoice(ttsdeepgram.Voice(cfg.Speech.SpeakVoice)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to configure speech synthesis: %w", err)
		}
		synthesizer = client
	}

	var llm orchestration.LLMWithStream
	switch cfg.LLM.Provider {
	case config.LLMProviderGroq:
		opts := []groq.ClientOption{}
		if cfg.LLM.Model != "" {
			opts = append(opts, groq.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, groq.WithBaseURL(cfg.LLM.BaseURL))
		}
		llm = groq.NewClient(cfg.LLM.APIKey, opts...)
	default:
		opts := []openai.ClientOption{}
		if cfg.LLM.Model != "" {
			opts = append(opts, openai.WithModel(cfg.LLM.Model))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		llm = openai.NewClient(cfg.LLM.APIKey, opts...)
	}

	timeouts := orchestration.Timeouts{
		Open:       cfg.Timeouts.Open,
		Completion: cfg.Timeouts.Completion,
		Synthesis:  cfg.Timeouts.Synthesis,
	}

	return connection.PipelineFactoryFunc(func(_ conversations.SessionContext, handler func(events.Event)) (connection.Pipeline, error) {
		opts := []orchestration.OrchestratorOption{
			orchestration.WithSpeechToTextClient(transcriber),
			orchestration.WithStreamingLLM(llm),
			orchestration.WithTurnLog(turnLog),
			orchestration.WithEventHandler(handler),
			orchestration.WithHistoryWindow(cfg.Storage.HistoryWindow),
			orchestration.WithInstructions(cfg.LLM.Instructions),
			orchestration.WithTimeouts(timeouts),
			orchestration.WithMetrics(collector),
			orchestration.WithEncodingInfo(encoding),
		}
		if synthesizer != nil {
			opts = append(opts, orchestration.WithTextToSpeechClient(synthesizer))
		}
		return orchestration.NewOrchestrator(opts...), nil
	}), nil
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.manager.Connections(),
	})
}

// run serves until ctx is done, then drains the voice connections.
func (s *server) run(ctx context.Context) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("voice server listening", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.manager.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down voice server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server.
		httpErr := s.httpServer.Shutdown(shutdownCtx)
		managerErr := s.manager.Shutdown(shutdownCtx)
		return errors.Join(httpErr, managerErr)
	})

	return g.Wait()
}

func (s *server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}
