package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Portalcake/Soldin/internal/config"
	"github.com/Portalcake/Soldin/internal/logger"
	"github.com/Portalcake/Soldin/internal/square"
	"github.com/Portalcake/Soldin/internal/store"
	"github.com/Portalcake/Soldin/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const banner = `
   _________      .__       .___.__
  /   _____/ ____ |  |    __| _/|__| ____
  \_____  \ /  _ \|  |   / __ | |  |/    \
  /        (  <_> )  |__/ /_/ | |  |   |  \
 /_______  /\____/|____/\____ | |__|___|  /
         \/                  \/         \/
   Soldin Square Server
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/square.yaml", "Configuration file path")
	flag.Parse()

	fmt.Print(banner + "\n")

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadSquare(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init("soldin-square", version, cfg.Tracing.Endpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		}
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		logger.L.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	srv, err := square.New(cfg, st)
	if err != nil {
		logger.L.Fatal("Failed to create square server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("Error during metrics shutdown", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("Error during tracing shutdown", zap.Error(err))
		}
		return nil
	})

	logger.L.Info("Square started",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("name", cfg.Server.Name))

	if err := g.Wait(); err != nil {
		logger.L.Fatal("Square exited", zap.Error(err))
	}
	logger.L.Info("Square closed")
}
