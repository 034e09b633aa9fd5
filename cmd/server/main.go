package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/frontend-server/internal/application"
	"github.com/eugenenazirov/frontend-server/internal/config"
	"github.com/eugenenazirov/frontend-server/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until a shutdown signal arrives. Errors are returned rather than
// exiting so deferred cleanup always runs.
func run(args []string) error {
	overrides := parseFlags(args)

	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := application.New(cfg, logger, application.WithConfigLoader(func() (config.Config, error) {
		return config.Load(overrides)
	}))
	if err != nil {
		logger.Error("failed to initialize application", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to stop file watcher", zap.Error(err))
		}
	}()

	if err := app.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)
	return nil
}

// parseFlags maps command-line flags onto config overrides; flags left unset
// stay nil so lower-precedence sources apply.
func parseFlags(args []string) *config.CLIOverrides {
	kingpinApp := kingpin.New("frontend-server", "Development server for a single-page frontend with SPA fallback, CORS and auto-reload")
	configFile := kingpinApp.Flag("config", "Path to a YAML or TOML configuration file").Short('c').String()
	host := kingpinApp.Flag("host", "Interface to bind (default 0.0.0.0)").String()
	port := kingpinApp.Flag("port", "HTTP port exposed by the server (default 8000)").Short('p').String()
	staticDir := kingpinApp.Flag("static-dir", "Directory with frontend assets (default frontend)").String()
	indexFile := kingpinApp.Flag("index", "Index document served for directories and unknown paths").String()
	corsOrigins := kingpinApp.Flag("cors-origin", "Allowed cross-origin origin; repeat for several").Strings()
	rateLimitRPS := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurst := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()
	logLevel := kingpinApp.Flag("log-level", "Log level: debug, info, warn, error").String()
	logFormat := kingpinApp.Flag("log-format", "Log format: json or console").String()

	var fallbackSet, reloadSet, credentialsSet bool
	spaFallback := kingpinApp.Flag("spa-fallback", "Serve the index document for unknown paths").IsSetByUser(&fallbackSet).Bool()
	reload := kingpinApp.Flag("reload", "Watch files and reload on change").IsSetByUser(&reloadSet).Bool()
	corsCredentials := kingpinApp.Flag("cors-credentials", "Allow credentialed cross-origin requests (needs explicit origins)").IsSetByUser(&credentialsSet).Bool()

	kingpin.MustParse(kingpinApp.Parse(args))

	overrides := &config.CLIOverrides{
		ConfigFile:  *configFile,
		Host:        nonEmpty(host),
		Port:        nonEmpty(port),
		StaticDir:   nonEmpty(staticDir),
		IndexFile:   nonEmpty(indexFile),
		CORSOrigins: *corsOrigins,
		LogLevel:    nonEmpty(logLevel),
		LogFormat:   nonEmpty(logFormat),
	}

	if fallbackSet {
		overrides.SPAFallback = spaFallback
	}
	if reloadSet {
		overrides.Reload = reload
	}
	if credentialsSet {
		overrides.CORSCredentials = corsCredentials
	}

	if *rateLimitRPS >= 0 {
		overrides.RateLimitRPS = rateLimitRPS
	}

	if *rateLimitBurst >= 0 {
		overrides.RateLimitBurst = rateLimitBurst
	}

	return overrides
}

func nonEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
