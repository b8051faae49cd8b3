package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crewledger/ai-gateway/auth"
	"github.com/crewledger/ai-gateway/config"
	"github.com/crewledger/ai-gateway/handlers"
	"github.com/crewledger/ai-gateway/internal/observability"
	"github.com/crewledger/ai-gateway/internal/router"
	"github.com/crewledger/ai-gateway/middleware"
	"github.com/crewledger/ai-gateway/repositories/postgres"
	"github.com/crewledger/ai-gateway/services/attemptlog"
	"github.com/crewledger/ai-gateway/services/chatcontext"
	"github.com/crewledger/ai-gateway/services/providers"
	"github.com/crewledger/ai-gateway/services/providers/openai"
	"github.com/crewledger/ai-gateway/services/ratelimit"
	"github.com/crewledger/ai-gateway/services/tools"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB // nil when no database is configured
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Upstream
	Providers *providers.Registry
	Tools     *tools.Executor    // nil without a database
	ToolCache *tools.ResultCache // nil when tools or the cache are disabled

	// Gateway core
	Candidates     *router.CandidateList
	Gateway        *router.Gateway
	AttemptLog     *attemptlog.Service
	ContextBuilder chatcontext.Builder

	// Gates
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimitMiddleware *middleware.RateLimitMiddleware // nil when rate limiting is disabled

	// Background jobs
	Janitor *ratelimit.Janitor

	// Handlers
	ChatHandler   *handlers.ChatHandler
	HealthHandler *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Janitor: ratelimit.NewJanitor(logger.Named("janitor"), time.Minute),
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initTools(cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize tools: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initGateway(cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	if err := deps.initAuth(cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	if err := deps.initRateLimit(ctx, cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to initialize rate limiting: %w", err)
	}

	if err := deps.scheduleToolCacheSweep(cfg); err != nil {
		deps.abort()
		return nil, fmt.Errorf("failed to schedule tool cache sweep: %w", err)
	}

	deps.initHandlers(cfg)
	deps.Janitor.Start()

	logger.Info("all dependencies initialized successfully",
		zap.Strings("candidates", deps.Candidates.All()),
		zap.Bool("database", deps.DB != nil),
		zap.Bool("tools", deps.Tools != nil))
	return deps, nil
}

// initDatabase opens the PostgreSQL pool when one is configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Logger.Info("no database configured, running without analytics tools")
		return nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database, d.Logger)
	if err != nil {
		return err
	}

	if err := d.Metrics.RegisterDB(db.DB); err != nil {
		_ = db.Close()
		return err
	}

	d.DB = db
	return nil
}

// initTools binds the analytics tools to the stats repository
func (d *Dependencies) initTools(cfg *config.Config) error {
	if d.DB == nil {
		return nil
	}

	loc, err := cfg.Chat.Location()
	if err != nil {
		return err
	}

	var opts []tools.Option
	if cfg.Chat.ToolCacheTTL > 0 {
		d.ToolCache = tools.NewResultCache(cfg.Chat.ToolCacheSize, cfg.Chat.ToolCacheTTL)
		opts = append(opts, tools.WithCache(d.ToolCache))
		if err := d.Metrics.RegisterToolCache(d.ToolCache); err != nil {
			return err
		}
	}

	stats := postgres.NewStatsRepository(d.DB, loc, d.Logger)
	executor, err := tools.NewExecutor(stats, d.Logger, opts...)
	if err != nil {
		return err
	}

	d.Tools = executor
	return nil
}

// initProviders registers the OpenAI-compatible upstream for every candidate
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	var invoker providers.ToolInvoker
	if d.Tools != nil {
		invoker = d.Tools
	}

	adapter := openai.NewOpenAIAdapter(providers.ProviderConfig{
		Name:           cfg.Upstream.Name,
		APIKey:         cfg.Upstream.APIKey,
		BaseURL:        cfg.Upstream.BaseURL,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		MaxToolRounds:  cfg.Chat.MaxToolRounds,
	}, invoker)

	if err := registry.RegisterProvider(adapter); err != nil {
		return err
	}
	for _, model := range cfg.Chat.Candidates {
		if err := registry.RegisterModelMapping(model, adapter.Name()); err != nil {
			return err
		}
	}
	if err := registry.SetDefault(adapter.Name()); err != nil {
		return err
	}

	if cfg.Upstream.APIKey == "" {
		d.Logger.Warn("no upstream API key configured, every candidate will fail")
	}

	d.Logger.Info("registered upstream provider",
		zap.String("provider", adapter.Name()),
		zap.Int("models", len(cfg.Chat.Candidates)))

	d.Providers = registry
	return nil
}

// initGateway wires the candidate list, attempt log and fallback gateway
func (d *Dependencies) initGateway(cfg *config.Config) error {
	candidates, err := router.NewCandidateList(cfg.Chat.Candidates...)
	if err != nil {
		return err
	}
	d.Candidates = candidates

	d.AttemptLog = attemptlog.NewService(d.Logger, attemptlog.Config{
		Path:       cfg.AttemptLog.Path,
		BufferSize: cfg.AttemptLog.BufferSize,
	}, attemptlog.WithDropHook(d.Metrics.AttemptLogDropped))

	if err := d.AttemptLog.Start(); err != nil {
		return err
	}

	d.Gateway = router.NewGateway(candidates, cfg.Chat.FirstByteTimeout, d.Providers,
		router.WithAttemptRecorder(d.AttemptLog),
		router.WithMetrics(d.Metrics),
		router.WithLogger(d.Logger.Named("gateway")),
	)

	loc, err := cfg.Chat.Location()
	if err != nil {
		return err
	}

	var catalog chatcontext.ToolCatalog
	if d.Tools != nil {
		catalog = d.Tools
	}
	d.ContextBuilder = chatcontext.NewDefaultBuilder(chatcontext.Config{
		AppName:  cfg.Chat.AppName,
		Location: loc,
	}, catalog)

	d.Logger.Info("chat gateway initialized",
		zap.String("candidates", candidates.String()),
		zap.Duration("first_byte_timeout", cfg.Chat.FirstByteTimeout))
	return nil
}

// initAuth configures the bearer token gate
func (d *Dependencies) initAuth(cfg *config.Config) error {
	if cfg.Auth.Disabled {
		d.Logger.Warn("authentication disabled, all callers are anonymous")
		d.AuthMiddleware = middleware.NewAnonymousAuthMiddleware(d.Logger)
		return nil
	}

	validator, err := auth.NewValidator(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(&tokenValidatorAdapter{validator: validator}, d.Logger)
	return nil
}

// initRateLimit selects the limiter backend and schedules its cleanup
func (d *Dependencies) initRateLimit(ctx context.Context, cfg *config.Config) error {
	limits := ratelimit.Limits{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
	}
	if !cfg.RateLimit.Enabled || !limits.Enabled() {
		d.Logger.Info("rate limiting disabled")
		return nil
	}

	var limiter middleware.RateLimitChecker
	switch cfg.RateLimit.Backend {
	case ratelimit.BackendPostgres:
		if d.DB == nil {
			return errors.New("postgres rate limit backend requires a database")
		}
		service := ratelimit.NewRateLimitService(d.DB.DB, limits, d.Logger)
		if err := service.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := d.Janitor.SchedulePostgresCleanup(cfg.RateLimit.CleanupSchedule, service, cfg.RateLimit.Retention); err != nil {
			return err
		}
		limiter = service

	default:
		memory := ratelimit.NewMemoryLimiter(limits, d.Logger)
		if err := d.Janitor.ScheduleMemorySweep(cfg.RateLimit.CleanupSchedule, memory, cfg.RateLimit.IdleTTL); err != nil {
			return err
		}
		limiter = memory
	}

	d.RateLimitMiddleware = middleware.NewRateLimitMiddleware(limiter, d.Metrics, d.Logger)

	d.Logger.Info("rate limiting enabled",
		zap.String("backend", cfg.RateLimit.Backend),
		zap.Int("per_minute", limits.RequestsPerMinute),
		zap.Int("per_hour", limits.RequestsPerHour))
	return nil
}

// scheduleToolCacheSweep drops expired tool results on the cleanup schedule
func (d *Dependencies) scheduleToolCacheSweep(cfg *config.Config) error {
	if d.ToolCache == nil {
		return nil
	}
	spec := cfg.RateLimit.CleanupSchedule
	if spec == "" {
		spec = "@every 10m"
	}
	return d.Janitor.Schedule(spec, "tool_cache_sweep", func(context.Context) error {
		if removed := d.ToolCache.CleanupExpired(); removed > 0 {
			d.Logger.Debug("expired tool results removed", zap.Int("removed", removed))
		}
		return nil
	})
}

func (d *Dependencies) initHandlers(cfg *config.Config) {
	d.ChatHandler = handlers.NewChatHandler(d.Gateway, d.ContextBuilder, d.Metrics, cfg.Chat.MaxBodyBytes, d.Logger)

	var db handlers.HealthChecker
	if d.DB != nil {
		db = d.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, d.Candidates.All(), d.Logger)
}

// tokenValidatorAdapter adapts auth.Validator to middleware.TokenValidator
type tokenValidatorAdapter struct {
	validator *auth.Validator
}

func (a *tokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Sub:   parsed.Subject,
		Name:  parsed.Name,
		Email: parsed.Email,
		Role:  parsed.Role,
		Exp:   parsed.ExpiresAt.Unix(),
		Iat:   parsed.IssuedAt.Unix(),
	}, nil
}

// Close gracefully shuts down all dependencies. In-flight attempt log
// entries are drained within the context's deadline.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	d.Janitor.Stop(ctx)

	if d.AttemptLog != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.AttemptLog.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain attempt log: %w", err))
		}
	}

	if err := d.closeDB(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

// abort releases what was started before a failed initialization step
func (d *Dependencies) abort() {
	if d.AttemptLog != nil {
		_ = d.AttemptLog.Stop(time.Second)
	}
	_ = d.closeDB()
}

func (d *Dependencies) closeDB() error {
	if d.DB == nil {
		return nil
	}
	err := d.DB.Close()
	d.DB = nil
	return err
}
