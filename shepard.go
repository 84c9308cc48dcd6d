// Package shepard is the public API for embedding the Shepard grounded
// citation server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shepard.New(
//	    shepard.WithVersion(version),
//	    shepard.WithLogger(logger),
//	    shepard.WithCaseFinder(myCourtListenerFinder{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shepard (root) imports
// internal/*, but internal/* never imports shepard (root).
package shepard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/caselaw-ai/shepard/internal/audit"
	"github.com/caselaw-ai/shepard/internal/augment"
	"github.com/caselaw-ai/shepard/internal/auth"
	"github.com/caselaw-ai/shepard/internal/config"
	"github.com/caselaw-ai/shepard/internal/embedding"
	"github.com/caselaw-ai/shepard/internal/evals"
	"github.com/caselaw-ai/shepard/internal/generate"
	"github.com/caselaw-ai/shepard/internal/ingest"
	"github.com/caselaw-ai/shepard/internal/mcp"
	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/ratelimit"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/semantic"
	"github.com/caselaw-ai/shepard/internal/server"
	"github.com/caselaw-ai/shepard/internal/service/answer"
	"github.com/caselaw-ai/shepard/internal/storage"
	"github.com/caselaw-ai/shepard/internal/telemetry"
	"github.com/caselaw-ai/shepard/migrations"
)

// evalWindowSize bounds the sliding verification-rate window served at
// /admin/evals.
const evalWindowSize = 500

// App is the Shepard server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	recorder     *audit.Recorder
	retention    *audit.RetentionJob
	limiter      ratelimit.Limiter
	qdrant       *semantic.QdrantIndex // nil when Qdrant is not configured
	ingestWorker *ingest.Worker        // nil when no document ingester
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shepard server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start the queue worker or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shepard starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.PoolMinConn, cfg.PoolMaxConn, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, time.Hour)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	apiKeyHash := ""
	if cfg.ExternalAPIKey != "" {
		apiKeyHash, err = auth.HashAPIKey(cfg.ExternalAPIKey)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash api key: %w", err)
		}
	} else {
		logger.Warn("EXTERNAL_API_KEY not set — all keyed endpoints will reject requests")
	}

	// Embedding provider for semantic recall — external override takes
	// priority over config.
	embedder := o.embedder
	if embedder == nil {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Neighbor source: Qdrant when configured, pgvector otherwise.
	var neighbors augment.NeighborSource = db
	var qdrantIndex *semantic.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = semantic.NewQdrantIndex(semantic.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantColl,
			Dims:       uint64(cfg.EmbeddingDims),
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		neighbors = semantic.NewSearcher(qdrantIndex, db)
		logger.Info("semantic recall: qdrant", "collection", cfg.QdrantColl)
	} else {
		logger.Info("semantic recall: pgvector (no QDRANT_URL)")
	}

	engine := retrieval.NewEngine(db, cfg.MaxTextChars, logger)

	augmenter := augment.New(engine, embedder, neighbors, augment.Options{
		MinFTSResults:        cfg.MinFTSResults,
		MinTopScore:          cfg.MinTopScore,
		MaxSubqueries:        cfg.MaxSubqueries,
		MaxAugmentCandidates: cfg.MaxAugmentCandidates,
		MaxEmbedCandidates:   cfg.MaxEmbedCandidates,
		StrongBaselineMin:    cfg.StrongBaselineMinSource,
		StrongBaselineScore:  cfg.StrongBaselineMinScore,
		ForcePhase1:          cfg.EvalForcePhase1,
		DecomposeEnabled:     cfg.QueryDecomposeEnabled,
		EmbedRecallEnabled:   cfg.EmbedRecallEnabled,
		Budget:               time.Duration(cfg.Phase1BudgetMS) * time.Millisecond,
	}, logger)

	// Chat client for drafting. Without one the service still answers, via
	// the retrieval-only fallback.
	chat := o.chatClient
	if chat == nil && cfg.OpenAIAPIKey != "" {
		chat = generate.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, nil)
	}
	var drafter answer.Drafter
	if chat != nil {
		drafter = generate.New(chat, model.ModelConfig{
			Model:       cfg.ChatModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, generate.Options{
			Workers:     cfg.LLMWorkers,
			CallTimeout: cfg.LLMTimeout,
			OuterWait:   cfg.OuterDeadline,
		}, logger)
	} else {
		logger.Warn("no chat client configured — serving retrieval-only answers")
	}

	// Audit recorder with circuit breaker and optional sqlite spill.
	breaker := audit.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil)
	var spill *audit.SpillStore
	if cfg.AuditSpillPath != "" {
		spill, err = audit.OpenSpill(cfg.AuditSpillPath)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("audit spill: %w", err)
		}
		logger.Info("audit spill store", "path", cfg.AuditSpillPath)
	}
	recorder := audit.NewRecorder(db, breaker, spill, logger)

	collector := evals.NewCollector(evalWindowSize)

	discoverer := ingest.NewDiscoverer(o.caseFinder, db, logger)

	answerSvc := answer.New(engine, augmenter, db, drafter, recorder, collector, discoverer, cfg.MaxQuestionLen, logger)

	retention := audit.NewRetentionJob(db, audit.RetentionPolicy{
		RedactAfterDays: cfg.RetentionRedactDays,
		DeleteAfterDays: cfg.RetentionDeleteDays,
	}, logger, nil)

	mcpSrv := mcp.New(answerSvc, engine, version, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		Answer:     answerSvc,
		Search:     engine,
		Store:      db,
		JWT:        jwtMgr,
		Retention:  retention,
		Collector:  collector,
		Breaker:    breaker,
		APIKeyHash: apiKeyHash,
		Version:    version,
		Logger:     logger,
	})

	srv := server.New(server.Config{
		Handlers:            handlers,
		Limiter:             limiter,
		MCP:                 mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	var worker *ingest.Worker
	if o.ingester != nil {
		worker = ingest.NewWorker(db, o.ingester, ingest.Options{}, logger)
	} else {
		logger.Info("ingest worker: disabled (no document ingester)")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		recorder:     recorder,
		retention:    retention,
		limiter:      limiter,
		qdrant:       qdrantIndex,
		ingestWorker: worker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.ingestWorker != nil {
		go a.ingestWorker.Run(ctx)
	}
	go a.retentionLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, flushes the audit recorder queue,
// then closes the limiter, vector index, OTEL provider, and database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shepard shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.recorder.Close()
	_ = a.limiter.Close()
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("shepard stopped")
	return nil
}

// retentionLoop runs one cleanup pass per day. The first pass runs shortly
// after startup so a long-idle deployment catches up.
func (a *App) retentionLoop(ctx context.Context) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		if _, err := a.retention.Run(opCtx, false); err != nil {
			a.logger.Warn("retention pass failed", "error", err)
		}
		cancel()
		timer.Reset(24 * time.Hour)
	}
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	if cfg.VoyageEmbeddingsEnabled && cfg.VoyageAPIKey != "" {
		logger.Info("embedding provider: voyage")
		return embedding.New(embedding.Config{APIKey: cfg.VoyageAPIKey, Voyage: true})
	}
	if cfg.OpenAIAPIKey != "" {
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
		return embedding.New(embedding.Config{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.EmbeddingModel,
		})
	}
	logger.Info("embedding provider: disabled (semantic recall off)")
	return embedding.New(embedding.Config{})
}
