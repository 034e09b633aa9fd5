package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eugenenazirov/frontend-server/internal/api"
	"github.com/eugenenazirov/frontend-server/internal/config"
	"github.com/eugenenazirov/frontend-server/internal/reload"
	"github.com/eugenenazirov/frontend-server/internal/static"
)

// ErrNoConfigLoader is returned by Reload when the app was built without a loader.
var ErrNoConfigLoader = errors.New("application: no config loader configured")

// App encapsulates the application dependencies and HTTP server.
type App struct {
	logger *zap.Logger
	loader func() (config.Config, error)
	hub    *reload.Hub
	root   *swapHandler
	server *http.Server

	mu        sync.Mutex
	cfg       config.Config
	staticDir string
	listener  net.Listener
	watcher   *reload.Watcher
	stop      context.CancelFunc
	done      chan struct{}
}

// Option configures an App.
type Option func(*App)

// WithConfigLoader sets how configuration is re-read when the config file changes.
func WithConfigLoader(loader func() (config.Config, error)) Option {
	return func(a *App) {
		a.loader = loader
	}
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	hub := reload.NewHub()

	staticDir, err := resolveProjectPath(cfg.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("failed to locate static directory: %w", err)
	}

	handler, err := BuildRootHandler(cfg, logger, hub)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	root := &swapHandler{}
	root.Store(handler)

	app := &App{
		logger:    logger,
		hub:       hub,
		root:      root,
		server:    NewServer(cfg, root),
		cfg:       cfg,
		staticDir: staticDir,
	}
	for _, opt := range opts {
		opt(app)
	}
	// Shutdown does not cancel request contexts, so open event streams are ended here.
	app.server.RegisterOnShutdown(hub.Close)
	return app, nil
}

// BuildRootHandler constructs the root HTTP handler: static files with SPA
// fallback behind the CORS policy and middleware stack. hub may be nil.
func BuildRootHandler(cfg config.Config, logger *zap.Logger, hub *reload.Hub) (http.Handler, error) {
	staticDir, err := resolveProjectPath(cfg.StaticDir)
	if err != nil {
		return nil, err
	}

	files, err := static.NewDir(staticDir,
		static.WithIndex(cfg.IndexFile),
		static.WithFallback(cfg.SPAFallback),
	)
	if err != nil {
		return nil, err
	}

	policy := corsPolicy(cfg)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	opts := []api.RouterOption{
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithCORS(policy),
		api.WithCompression(cfg.Compress),
	}
	if hub != nil && cfg.Reload {
		opts = append(opts, api.WithReloadHub(hub))
	}

	return api.NewRouter(files, logger, opts...), nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func corsPolicy(cfg config.Config) api.CORSPolicy {
	return api.CORSPolicy{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
		Debug:            cfg.LogLevel == "debug",
	}
}

// Start binds the listener, serves in the background and, when reload is
// enabled, starts watching the static directory and config file.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	cfg := a.cfg
	a.mu.Unlock()

	go func() {
		a.logger.Info("server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("static_dir", a.staticDir),
			zap.Bool("spa_fallback", cfg.SPAFallback),
			zap.Bool("reload", cfg.Reload),
		)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()

	if cfg.Reload {
		if err := a.startWatcher(cfg); err != nil {
			a.logger.Warn("auto-reload disabled", zap.Error(err))
		}
	}
	return nil
}

func (a *App) startWatcher(cfg config.Config) error {
	paths := []string{a.staticDir}
	if cfg.ConfigFile != "" {
		paths = append(paths, cfg.ConfigFile)
	}

	watcher, err := reload.NewWatcher(a.logger, cfg.ReloadDebounce, paths...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.watcher = watcher
	a.stop = cancel
	a.done = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		err := watcher.Run(ctx, a.handleChanges)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, reload.ErrClosed) {
			a.logger.Error("file watcher stopped", zap.Error(err))
		}
	}()

	a.logger.Info("watching for changes", zap.Strings("paths", paths))
	return nil
}

// handleChanges reloads configuration when the config file is among the
// changed paths, then tells connected browsers to refresh.
func (a *App) handleChanges(paths []string) {
	a.logger.Info("change detected", zap.Strings("paths", paths))

	if configFile := a.configFilePath(); configFile != "" && slices.Contains(paths, configFile) {
		if err := a.Reload(); err != nil {
			a.logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
		}
	}

	a.hub.Publish()
}

func (a *App) configFilePath() string {
	a.mu.Lock()
	path := a.cfg.ConfigFile
	a.mu.Unlock()

	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Reload re-reads configuration through the loader and atomically swaps in a
// handler built from it. On error the running handler is left untouched.
func (a *App) Reload() error {
	if a.loader == nil {
		return ErrNoConfigLoader
	}

	cfg, err := a.loader()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	handler, err := BuildRootHandler(cfg, a.logger, a.hub)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	a.mu.Lock()
	previous := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	a.root.Store(handler)

	if cfg.Addr() != previous.Addr() {
		a.logger.Warn("listen address changed, restart required to apply",
			zap.String("current", previous.Addr()),
			zap.String("configured", cfg.Addr()),
		)
	}
	if cfg.StaticDir != previous.StaticDir {
		a.logger.Warn("static directory changed, restart required to watch it",
			zap.String("static_dir", cfg.StaticDir),
		)
	}
	a.logger.Info("configuration reloaded")
	return nil
}

// Config returns the configuration currently in effect.
func (a *App) Config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Addr returns the bound listener address, or the configured one before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Close stops the file watcher. The HTTP server is shut down separately.
func (a *App) Close() error {
	a.mu.Lock()
	watcher, stop, done := a.watcher, a.stop, a.done
	a.watcher, a.stop, a.done = nil, nil, nil
	a.mu.Unlock()

	if watcher == nil {
		return nil
	}
	stop()
	<-done
	return watcher.Close()
}

// swapHandler delegates to a handler that can be replaced while serving.
type swapHandler struct {
	current atomic.Pointer[http.Handler]
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func (s *swapHandler) Store(h http.Handler) {
	s.current.Store(&h)
}

// resolveProjectPath locates a file or directory relative to the project root by
// walking up the directory tree. Absolute paths are returned unchanged.
func resolveProjectPath(relative string) (string, error) {
	if filepath.IsAbs(relative) {
		return relative, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}
