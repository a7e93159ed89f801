package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/dbha/config"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/errors"
	"github.com/migadu/dbha/pkg/resilient"
	"github.com/migadu/dbha/server/adminapi"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbha version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DBHA: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "DBHA: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("DBHA starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	collectInterval, err := cfg.Metrics.GetCollectInterval()
	if err != nil {
		errorHandler.ValidationError("metrics.collect_interval", err)
		os.Exit(errorHandler.WaitForExit())
	}
	builder := resilient.NewBuilder().FromConfig(cfg.Database)
	if cfg.Metrics.Enabled {
		builder = builder.WithMetricsCollector(collectInterval)
	}
	sys, err := builder.Build(ctx)
	if err != nil {
		errorHandler.StartupError("build database HA system", err)
		os.Exit(errorHandler.WaitForExit())
	}
	sys.Start(ctx)

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.AdminAPI.Start {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminapi.Start(ctx, sys, adminapi.ServerOptions{
				Name:         "admin",
				Addr:         cfg.AdminAPI.Addr,
				APIKey:       cfg.AdminAPI.APIKey,
				AllowedHosts: cfg.AdminAPI.AllowedHosts,
				TLS:          cfg.AdminAPI.TLS,
				TLSCertFile:  cfg.AdminAPI.TLSCertFile,
				TLSKeyFile:   cfg.AdminAPI.TLSKeyFile,
			}, errChan)
		}()
	}
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Infof("All listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Listener shutdown timeout reached after 10 seconds")
		}
		if err := sys.Close(); err != nil {
			logger.Warn("Error closing database HA system", "error", err)
		}
	case err := <-errChan:
		cancel()
		_ = sys.Close()
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it. A
// missing default config file falls back to application defaults.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func startMetricsServer(ctx context.Context, mc config.MetricsConfig, errChan chan error) {
	path := mc.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", mc.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
