package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/wolfman30/dialer-ai-platform/internal/api"
	appconfig "github.com/wolfman30/dialer-ai-platform/internal/config"
	"github.com/wolfman30/dialer-ai-platform/internal/costs"
	"github.com/wolfman30/dialer-ai-platform/internal/dialer"
	"github.com/wolfman30/dialer-ai-platform/internal/didpool"
	"github.com/wolfman30/dialer-ai-platform/internal/dialogue"
	"github.com/wolfman30/dialer-ai-platform/internal/media"
	observemetrics "github.com/wolfman30/dialer-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/dialer-ai-platform/internal/recorder"
	"github.com/wolfman30/dialer-ai-platform/internal/storage"
	"github.com/wolfman30/dialer-ai-platform/internal/telnyx"
	"github.com/wolfman30/dialer-ai-platform/internal/webhook"
	"github.com/wolfman30/dialer-ai-platform/migrations"
	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dialer-ai-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	for _, issue := range cfg.Issues() {
		logger.Error("CONFIGURATION ISSUE", "issue", issue)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("postgres config parse failed", "error", err)
		os.Exit(1)
	}
	// Keep headroom over the dialler's typical concurrent query load.
	minConns := int32(cfg.MaxConcurrentCalls/3 + 5)
	if poolCfg.MaxConns < minConns {
		poolCfg.MaxConns = minConns
	}
	dbPool, err := pgxpool.NewWithConfig(appCtx, poolCfg)
	if err != nil {
		logger.Error("postgres pool init failed", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	runAutoMigrate(dbPool, logger)

	leadRepo := storage.NewLeadRepository(dbPool)
	callRepo := storage.NewCallRepository(dbPool)
	convRepo := storage.NewConversationRepository(dbPool)
	costRepo := storage.NewCostRepository(dbPool)
	transferRepo := storage.NewTransferRepository(dbPool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(appCtx).Err(); err != nil {
			logger.Warn("redis unavailable, live call mirror disabled", "error", err)
			redisClient = nil
		}
	}
	liveStore := recorder.NewLiveStore(redisClient)

	carrier, err := telnyx.New(telnyx.Config{
		APIKey:        cfg.TelnyxAPIKey,
		ConnectionID:  cfg.TelnyxConnectionID,
		WebhookSecret: cfg.TelnyxWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("carrier client init failed", "error", err)
		os.Exit(1)
	}

	pool := buildDIDPool(appCtx, cfg, carrier, logger)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(collectors.NewGoCollector())
	dialerMetrics := observemetrics.NewDialerMetrics(metricsReg)

	ledger := costs.NewLedger(costs.DefaultRates(), costRepo, logger)
	rec := recorder.New(convRepo, liveStore, leadRepo, logger)

	streamServer := media.NewStreamServer(cfg.MaxStreamConns, logger)

	router := webhook.NewRouter(webhook.RouterConfig{
		Carrier:           carrier,
		Recorder:          rec,
		Ledger:            ledger,
		Streams:           streamServer,
		Transfers:         transferStoreAdapter{repo: transferRepo},
		CallStatus:        callRepo,
		Metrics:           dialerMetrics,
		Logger:            logger,
		TransferNumber:    cfg.AgentTransferNumber,
		StreamURL:         streamURL(cfg),
		NoResponseTimeout: cfg.NoResponseTimeout,
		SkipSignature:     cfg.TelnyxSkipSignature || cfg.TelnyxWebhookSecret == "",
	})

	openaiClient := openai.NewClient(cfg.OpenAIAPIKey)
	elevenLabs, err := media.NewElevenLabsClient(media.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoice,
		ModelID: cfg.ElevenLabsModel,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("tts client init failed", "error", err)
		os.Exit(1)
	}
	transcoder := &media.FFmpegTranscoder{}

	engineFactory := func(callID string) *dialogue.Engine {
		return dialogue.NewEngine(dialogue.EngineConfig{
			Client:  openaiClient,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.LLMTimeout,
			Logger:  logger,
			OnUsage: func(prompt, completion int) {
				ledger.AddLLMUsage(callID, prompt, completion)
			},
			OnLatency: func(seconds float64, status string) {
				dialerMetrics.ObserveLLMLatency(cfg.OpenAIModel, status, seconds)
			},
		})
	}
	pipelineFactory := func(callID string) *media.Pipeline {
		return media.NewPipeline(media.PipelineConfig{
			CallID: callID,
			STT: media.NewDeepgramStream(media.DeepgramConfig{
				APIKey: cfg.DeepgramAPIKey,
				Logger: logger,
			}),
			TTS:          elevenLabs,
			Transcoder:   transcoder,
			IsCallActive: router.IsActive,
			Logger:       logger,
			OnTTSSeconds: func(s float64) { ledger.AddTTSSeconds(callID, s) },
			OnSTTSeconds: func(s float64) { ledger.AddSTTSeconds(callID, s) },
		})
	}

	dispatcher := dialer.New(dialer.Config{
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		DelayBetweenCalls:  cfg.DelayBetweenCalls,
		CallTimeout:        cfg.CallTimeout,
		MaxOriginateTries:  cfg.MaxOriginateTries,
	}, dialer.Dependencies{
		Pool:            pool,
		Registry:        dialer.NewPhoneRegistry(),
		Carrier:         carrier,
		Router:          router,
		Leads:           leadRepo,
		Calls:           callStoreAdapter{repo: callRepo},
		EngineFactory:   engineFactory,
		PipelineFactory: pipelineFactory,
		Metrics:         dialerMetrics,
		Logger:          logger,
	})

	apiHandler := api.NewHandler(api.HandlerConfig{
		Dispatcher: dispatcher,
		Router:     router,
		Carrier:    carrier,
		Leads:      leadRepo,
		Convs:      convRepo,
		Transfers:  transferRepo,
		Calls:      callRepo,
		Ledger:     ledger,
		Live:       liveStore,
		Logger:     logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := dbPool.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	r.Post("/webhooks/carrier", router.Handler())
	r.Get(cfg.MediaStreamPath, streamServer.Handler())
	apiHandler.Mount(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-appCtx.Done()
	logger.Info("shutting down")

	dispatcher.Stop()
	router.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not drain before deadline")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildDIDPool loads outbound numbers from config or, failing that, the
// carrier's purchased inventory.
func buildDIDPool(ctx context.Context, cfg *appconfig.Config, carrier *telnyx.Client, logger *logging.Logger) *didpool.Pool {
	var numbers []string
	if cfg.OutboundNumbers != "" {
		for _, raw := range strings.Split(cfg.OutboundNumbers, ",") {
			if n := strings.TrimSpace(raw); n != "" {
				numbers = append(numbers, n)
			}
		}
	} else {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		fetched, err := carrier.ListPurchasedNumbers(fetchCtx)
		if err != nil {
			logger.Error("failed to load carrier number inventory", "error", err)
		}
		numbers = fetched
	}
	if len(numbers) == 0 {
		logger.Error("no outbound numbers configured — origination will fail")
	}
	logger.Info("DID pool configured", "numbers", len(numbers))
	return didpool.New(numbers)
}

func streamURL(cfg *appconfig.Config) string {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + cfg.MediaStreamPath
}

// runAutoMigrate applies embedded migrations at startup.
func runAutoMigrate(pool *pgxpool.Pool, logger *logging.Logger) {
	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		logger.Error("migrate driver init failed", "error", err)
		return
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logger.Error("migrate source init failed", "error", err)
		return
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Error("migrator init failed", "error", err)
		return
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migrate up failed", "error", err)
		return
	}
	logger.Info("database migrations applied")
}

// callStoreAdapter bridges the dispatcher's call-store interface to the
// repository type.
type callStoreAdapter struct {
	repo *storage.CallRepository
}

func (a callStoreAdapter) RecordCall(ctx context.Context, rec dialer.CallRecord) error {
	return a.repo.Insert(ctx, storage.TelnyxCall{
		CallID:      rec.CallID,
		LeadID:      rec.LeadID,
		FromNumber:  rec.FromNumber,
		ToNumber:    rec.ToNumber,
		InitiatedAt: rec.InitiatedAt,
	})
}

// transferStoreAdapter bridges the router's transfer store to the
// repository type.
type transferStoreAdapter struct {
	repo *storage.TransferRepository
}

func (a transferStoreAdapter) RecordTransfer(ctx context.Context, callID string, lead telnyx.LeadSnapshot, fromDID, toAgent string, at time.Time) error {
	return a.repo.Insert(ctx, storage.TransferRecord{
		CallID:        callID,
		LeadID:        lead.ID,
		LeadName:      strings.TrimSpace(lead.FirstName + " " + lead.LastName),
		LeadPhone:     lead.Phone,
		FromNumber:    fromDID,
		ToNumber:      toAgent,
		TransferredAt: at,
	})
}
