// Command tiercache runs the tiered cache behind an HTTP admin API and a
// Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/pkg/api"
	"github.com/tiercache/tiercache/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional .env file loaded before reading the environment")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "tiercache: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := utils.NewLogger(utils.LogConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := cache.New(ctx, &cfg.Cache, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("cache close failed", zap.Error(err))
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(c, &metrics.Config{
			Enabled: true,
			Port:    cfg.Global.MetricsPort,
			Path:    cfg.Metrics.Path,
		}, logger)
		if err != nil {
			return err
		}
		if err := collector.Start(ctx); err != nil {
			return err
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Address = fmt.Sprintf(":%d", cfg.Global.APIPort)
		serverConfig.ReadTimeout = cfg.API.ReadTimeout
		serverConfig.WriteTimeout = cfg.API.WriteTimeout

		var m api.Metrics
		if collector != nil {
			m = collector
		}
		server = api.NewServer(serverConfig, c, m, logger)
		server.StartBackground()
	}

	logger.Info("tiercache started",
		zap.Int("l1_max_size", cfg.Cache.L1MaxSize),
		zap.Int("l2_max_size", cfg.Cache.L2MaxSize),
		zap.Int("l3_max_size", cfg.Cache.L3MaxSize),
		zap.String("l3_backend", cfg.Cache.L3Backend),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}
	if collector != nil {
		if err := collector.Stop(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
	}

	stats := c.Stats()
	logger.Info("final cache stats",
		zap.Uint64("gets", stats.Gets),
		zap.Uint64("hits", stats.Hits),
		zap.Float64("hit_rate", stats.HitRate))
	return nil
}
