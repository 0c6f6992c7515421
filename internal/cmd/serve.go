package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/logger"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long:  `Start the promptgate HTTP server with key authentication, rate limiting and payload validation`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	bindServerFlags(cmd)

	cfg, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if err := initDirectories(cfg); err != nil {
		log.Error("Failed to initialize directories", zap.Error(err))
		return err
	}

	log.Info("Starting promptgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("window", cfg.RateLimit.Window),
		zap.Int("default_quota", cfg.RateLimit.DefaultQuota),
	)

	opts := []server.Option{server.WithVersion(Version)}

	if cfg.Stats.Redis.Enabled {
		rdb, err := connectRedis(cfg.Stats.Redis)
		if err != nil {
			log.Error("Failed to connect to redis stats store", zap.Error(err))
			return err
		}
		defer rdb.Close()

		redisStore := ratelimit.NewRedisStatsStore(rdb,
			ratelimit.WithStatsPrefix(cfg.Stats.Redis.Prefix),
			ratelimit.WithStatsTTL(cfg.Stats.Redis.TTL),
			ratelimit.WithStatsTrackKeys(cfg.Stats.Redis.TrackKeys))
		redisStats := ratelimit.NewAsyncStats(redisStore, 4096, 2*time.Second,
			func(err error) { log.Warn("Failed to write redis stats", zap.Error(err)) })
		defer redisStats.Close()

		opts = append(opts, server.WithStatsSink(redisStats), server.WithStatsTotals(redisStore))
		log.Info("Recording gateway decisions to redis", zap.String("addr", cfg.Stats.Redis.Addr))
	}

	srv, err := server.New(cfg, log, opts...)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	flushed := srv.StartBackground(bgCtx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serveErr:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
			cancelBackground()
			<-flushed
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Error("Server forced to shutdown", zap.Error(shutdownErr))
	}

	// Requests are drained; write the remaining usage
	cancelBackground()
	<-flushed

	log.Info("Server stopped gracefully")
	return shutdownErr
}

func connectRedis(cfg config.RedisStatsConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func initDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.KeysDir,
		cfg.Storage.UsageDir,
		cfg.Storage.LogsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
