// Package bootstrap wires configuration into the services shared by the API
// and the worker.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/analyses"
	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/extract"
	"caseanalysis-backend/internal/llm"
	"caseanalysis-backend/internal/llm/anthropic"
	"caseanalysis-backend/internal/llm/gemini"
	"caseanalysis-backend/internal/llm/openai"
	"caseanalysis-backend/internal/notify"
	"caseanalysis-backend/internal/pipeline"
	"caseanalysis-backend/internal/queue"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/services/health"
	"caseanalysis-backend/internal/shared/config"
	"caseanalysis-backend/internal/shared/server"
	"caseanalysis-backend/internal/shared/server/middleware"
	"caseanalysis-backend/internal/shared/storage/db"
	"caseanalysis-backend/internal/shared/storage/object"
	localstore "caseanalysis-backend/internal/shared/storage/object/local"
	s3store "caseanalysis-backend/internal/shared/storage/object/s3"
	"caseanalysis-backend/internal/throttle"
)

// Role selects pool sizing and whether runs may be enqueued.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Queue           queue.Client
	Runs            runs.Store
	Providers       *llm.Registry
	Pipeline        *pipeline.Orchestrator
	AnalysesService *analyses.Service
	AnalysisHandler *analyses.Handler
	Health          *health.Service
}

// Build prepares shared dependencies and the HTTP router.
func Build(ctx context.Context, cfg config.Config, role Role) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	sqlDB, err := buildDB(ctx, cfg, role)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var queueClient queue.Client
	if role == RoleAPI && cfg.QueueURL != "" {
		sqsClient, err := queue.NewSQSClient(ctx, cfg.QueueURL, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		queueClient = sqsClient
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		DB:        sqlDB,
		Store:     store,
		Queue:     queueClient,
		Providers: providers,
	}
	if err := buildServices(app); err != nil {
		return nil, err
	}

	var pinger health.Pinger
	if sqlDB != nil {
		pinger = sqlDB
	}
	app.Health = health.NewService(pinger, providers)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: app.AnalysisHandler,
		Health:          app.Health,
		Limiter:         middleware.NewRateLimiter(nil),
	})
	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config, role Role) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if config.IsDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory stores")
			return nil, nil
		}
		return nil, errors.New("DATABASE_URL is required")
	}

	defaults := db.DefaultServerOptions()
	if role == RoleWorker {
		defaults = db.DefaultWorkerOptions()
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(defaults))
	if err != nil {
		if config.IsDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory stores: %v", err)
			return nil, nil
		}
		return nil, err
	}
	if config.IsDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			log.Printf("bootstrap: migrations failed: %v", err)
		}
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

type namedProvider struct {
	name     llm.ProviderName
	provider llm.Provider
}

func buildProviders(ctx context.Context, cfg config.Config) (*llm.Registry, error) {
	fallback, err := llm.ParseProviderName(cfg.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("LLM_PROVIDER: %w", err)
	}

	var enabled []namedProvider
	if cfg.OpenAI.Enabled() {
		client, err := openai.NewClient(openai.Config{
			APIKey:           cfg.OpenAI.APIKey,
			Model:            cfg.OpenAI.Model,
			BaseURL:          cfg.OpenAI.BaseURL,
			Timeout:          cfg.OpenAI.Timeout,
			ReasoningTimeout: cfg.OpenAI.ReasoningTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		enabled = append(enabled, namedProvider{llm.ProviderOpenAI, client})
	}
	if cfg.Anthropic.Enabled() {
		client, err := anthropic.NewClient(anthropic.Config{
			APIKey:           cfg.Anthropic.APIKey,
			Model:            cfg.Anthropic.Model,
			BaseURL:          cfg.Anthropic.BaseURL,
			Timeout:          cfg.Anthropic.Timeout,
			ReasoningTimeout: cfg.Anthropic.ReasoningTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		enabled = append(enabled, namedProvider{llm.ProviderAnthropic, client})
	}
	if cfg.Gemini.Enabled() {
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:           cfg.Gemini.APIKey,
			Model:            cfg.Gemini.Model,
			BaseURL:          cfg.Gemini.BaseURL,
			Timeout:          cfg.Gemini.Timeout,
			ReasoningTimeout: cfg.Gemini.ReasoningTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		enabled = append(enabled, namedProvider{llm.ProviderGemini, client})
	}

	return newRegistry(fallback, enabled), nil
}

// newRegistry registers the enabled providers. When the requested default
// has no credentials the first enabled provider becomes the default.
func newRegistry(fallback llm.ProviderName, enabled []namedProvider) *llm.Registry {
	if len(enabled) == 0 {
		log.Printf("bootstrap: no inference provider has an API key; submissions will be rejected")
		return llm.NewRegistry(fallback)
	}
	found := false
	for _, np := range enabled {
		found = found || np.name == fallback
	}
	if !found {
		log.Printf("bootstrap: default provider %s is not configured; using %s", fallback, enabled[0].name)
		fallback = enabled[0].name
	}
	registry := llm.NewRegistry(fallback)
	for _, np := range enabled {
		registry.Register(np.name, np.provider)
	}
	return registry
}

func buildServices(app *App) error {
	cfg := app.Config

	var (
		runStore   runs.Store
		timestamps throttle.TimestampStore
		notifier   notify.Sink = notify.LogSink{}
	)
	if app.DB != nil {
		runStore = runs.NewPGStore(app.DB)
		timestamps = throttle.NewPGStore(app.DB)
		notifier = notify.Multi{notify.LogSink{}, &notify.PGSink{DB: app.DB}}
	} else {
		runStore = runs.NewMemoryStore()
		timestamps = throttle.NewMemoryStore()
	}

	var ocr extract.OCRClient
	if cfg.OCRAPIKey != "" {
		ocr = extract.NewMistralOCR(extract.MistralOCRConfig{
			APIKey:            cfg.OCRAPIKey,
			Model:             cfg.OCRModel,
			RequestsPerSecond: cfg.OCRRequestsPerSecond,
		})
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Store: runStore,
		Fetcher: &documents.Router{
			Store:  documents.NewStoreFetcher(app.Store),
			Remote: documents.NewHTTPFetcher(cfg.DocumentSourceURL, cfg.DocumentSourceTimeout),
		},
		Extractor: extract.NewService(ocr),
		Providers: app.Providers,
		Throttler: throttle.NewGovernor(timestamps),
		RatePerMinute: map[string]int{
			string(llm.ProviderOpenAI):    cfg.OpenAI.RatePerMinute,
			string(llm.ProviderAnthropic): cfg.Anthropic.RatePerMinute,
			string(llm.ProviderGemini):    cfg.Gemini.RatePerMinute,
		},
		Notifier: notifier,
		Config:   cfg.Pipeline,
	})
	if err != nil {
		return err
	}

	svc := &analyses.Service{
		Store:     runStore,
		Processor: orchestrator,
		Queue:     app.Queue,
		Providers: app.Providers,
	}

	app.Runs = runStore
	app.Pipeline = orchestrator
	app.AnalysesService = svc
	app.AnalysisHandler = analyses.NewHandler(svc)
	return nil
}
