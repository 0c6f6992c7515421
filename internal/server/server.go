package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/gateway"
	"github.com/promptgate/promptgate/internal/logger"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/storage"
	"github.com/promptgate/promptgate/internal/validator"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	router     *gin.Engine
	keyStore   *storage.KeyStore
	usageStore *storage.UsageStore
	limiter    *ratelimit.Limiter
	gateway    *gateway.Gateway
	memStats   *ratelimit.MemoryStatsStore
	statsSinks []ratelimit.StatsStore
	totals     TotalsReader
	logs       *logger.LogBuffer
	logins     *loginThrottle
	clock      func() time.Time
	startedAt  time.Time
	version    string
}

// Option configures a Server
type Option func(*Server)

// WithClock replaces time.Now for every gateway decision
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// WithStatsSink adds a stats store next to the in-memory counters
func WithStatsSink(sink ratelimit.StatsStore) Option {
	return func(s *Server) { s.statsSinks = append(s.statsSinks, sink) }
}

// TotalsReader reads counters kept outside the process, such as the Redis stats store
type TotalsReader interface {
	Totals(ctx context.Context) (ratelimit.Counters, error)
}

// WithStatsTotals reports r's counters from /admin/stats
func WithStatsTotals(r TotalsReader) Option {
	return func(s *Server) { s.totals = r }
}

// WithKeyStore uses an already loaded key store instead of opening cfg.Storage.KeysDir
func WithKeyStore(ks *storage.KeyStore) Option {
	return func(s *Server) { s.keyStore = ks }
}

// WithLogBuffer sets the buffer served by /admin/logs
func WithLogBuffer(buf *logger.LogBuffer) Option {
	return func(s *Server) { s.logs = buf }
}

// WithVersion sets the version reported by GET /
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a new server instance
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:     cfg,
		logger:  log,
		router:  gin.New(),
		logs:    logger.GlobalBuffer,
		clock:   time.Now,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock()

	// Initialize storage
	if s.keyStore == nil {
		ks, err := storage.OpenKeyStore(cfg.Storage.KeysDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open key store: %w", err)
		}
		s.keyStore = ks
	}
	if err := s.importConfiguredKeys(); err != nil {
		return nil, err
	}
	s.usageStore = storage.NewUsageStore(cfg.Storage.UsageDir)

	s.limiter = ratelimit.New(ratelimit.Options{
		Window:       cfg.RateLimit.Window,
		DefaultQuota: cfg.RateLimit.DefaultQuota,
		Shards:       cfg.RateLimit.Shards,
		IdleTTL:      cfg.RateLimit.IdleTTL,
		CleanupEvery: cfg.RateLimit.CleanupEvery,
	})

	s.memStats = ratelimit.NewMemoryStatsStore(ratelimit.WithTrackKeys(true))
	stats := append(ratelimit.MultiStats{s.memStats}, s.statsSinks...)

	s.gateway = gateway.New(s.keyStore, s.limiter, validator.Default(),
		gateway.WithStats(stats),
		gateway.WithLogger(log))

	s.logins = newLoginThrottle(cfg.Security.AdminLoginRPS, cfg.Security.AdminLoginBurst)

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// importConfiguredKeys loads the static config key and the seed file into the key store
func (s *Server) importConfiguredKeys() error {
	if s.cfg.Security.APIKey != "" {
		if _, err := s.keyStore.Import(s.cfg.Security.APIKey, "config", 0); err != nil {
			return fmt.Errorf("failed to import configured api key: %w", err)
		}
		s.logger.Info("Imported API key from config",
			zap.String("key", logger.MaskKey(s.cfg.Security.APIKey)))
	}

	if s.cfg.Storage.SeedFile != "" {
		n, err := s.keyStore.LoadSeedFile(s.cfg.Storage.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		s.logger.Info("Loaded API keys from seed file",
			zap.String("file", s.cfg.Storage.SeedFile),
			zap.Int("count", n))
	}
	return nil
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// UsageStore exposes the usage store for the final flush on shutdown
func (s *Server) UsageStore() *storage.UsageStore {
	return s.usageStore
}

// StartBackground runs the limiter janitor, the key directory watcher and the
// usage flusher until ctx is done. The returned channel closes once the last
// usage flush finished.
func (s *Server) StartBackground(ctx context.Context) <-chan struct{} {
	s.limiter.StartJanitor(ctx, func(removed int) {
		s.logger.Debug("Evicted idle rate limit windows", zap.Int("count", removed))
	})

	err := s.keyStore.Watch(ctx,
		func(total, active int) {
			s.logger.Info("Reloaded API keys", zap.Int("total", total), zap.Int("active", active))
		},
		func(err error) {
			s.logger.Warn("Failed to reload API keys", zap.Error(err))
		})
	if err != nil {
		// Keys changed from the CLI need a restart without the watcher
		s.logger.Warn("Key directory watcher disabled", zap.Error(err))
	}

	interval := s.cfg.Storage.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return s.usageStore.StartFlusher(ctx, interval, func(err error) {
		s.logger.Error("Failed to flush usage records", zap.Error(err))
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("Handler panicked", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		s.respondError(c, 500, "internal server error")
	}))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggerMiddleware())

	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.root)
	s.router.GET("/health", s.healthCheck)

	// Every API endpoint goes through the gateway
	api := s.router.Group("/api")
	{
		api.POST("/chat", s.gatewayMiddleware(validator.EndpointChat), s.chat)
		api.POST("/vision-analysis", s.gatewayMiddleware(validator.EndpointVision), s.vision)
		api.POST("/code", s.gatewayMiddleware(validator.EndpointCode), s.code)
		api.POST("/analyze", s.gatewayMiddleware(validator.EndpointAnalyze), s.analyze)
		api.POST("/translate", s.gatewayMiddleware(validator.EndpointTranslate), s.translate)
		api.POST("/config", s.gatewayMiddleware(validator.EndpointConfig), s.configure)
		api.GET("/stats", s.gatewayMiddleware(validator.EndpointStats), s.stats)
		api.GET("/models", s.gatewayMiddleware(validator.EndpointModels), s.listModels)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		admin.GET("/verify", s.adminVerify)

		auth := admin.Group("/")
		auth.Use(s.adminAuthMiddleware())
		{
			auth.GET("/keys", s.listKeys)
			auth.POST("/keys", s.createKey)
			auth.DELETE("/keys/:id", s.revokeKey)
			auth.POST("/keys/:id/reset", s.resetKey)

			auth.GET("/usage", s.getUsage)
			auth.GET("/stats", s.getStats)

			auth.GET("/logs", s.getLogs)
			auth.DELETE("/logs", s.clearLogs)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		s.respondError(c, 404, "endpoint not found")
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "healthy",
		"timestamp": timestamp(s.clock()),
	})
}
