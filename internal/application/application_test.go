package application

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/frontend-server/internal/config"
)

const indexBody = "<!doctype html><title>spa</title>"

func staticDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(indexBody), 0o600); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("void 0"), 0o600); err != nil {
		t.Fatalf("write app.js: %v", err)
	}
	return dir
}

func baseTestConfig(t *testing.T, port string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.StaticDir = staticDir(t)
	cfg.Reload = false
	cfg.ReloadDebounce = 20 * time.Millisecond
	cfg.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.ReadHeaderTimeout = time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.IdleTimeout = 2 * time.Second
	cfg.EnableRequestLogging = false
	cfg.RateLimitRPS = 0
	cfg.RateLimitBurst = 0
	return cfg
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func shutdown(t *testing.T, app *App) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Server().Shutdown(ctx)
		_ = app.Close()
	})
}

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(t, "8085")

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if app.server == nil || app.root == nil || app.hub == nil {
		t.Fatalf("expected server, handler, and hub to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if app.Addr() != "127.0.0.1:8085" {
		t.Fatalf("expected configured address before Start, got %s", app.Addr())
	}
	if app.Config().StaticDir != cfg.StaticDir {
		t.Fatalf("expected config to be retained")
	}

	rec := get(t, app.Server().Handler, "/missions/7")
	if rec.Code != http.StatusOK || rec.Body.String() != indexBody {
		t.Fatalf("expected SPA fallback, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig(t, "9090")
	cfg.Host = "0.0.0.0"
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != "0.0.0.0:9090" {
		t.Fatalf("expected address 0.0.0.0:9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestNewReturnsErrorForMissingStaticDir(t *testing.T) {
	cfg := baseTestConfig(t, "8000")
	cfg.StaticDir = filepath.Join(t.TempDir(), "missing")

	if _, err := New(cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected error for missing static directory")
	}
}

func TestNewRejectsCredentialedWildcard(t *testing.T) {
	cfg := baseTestConfig(t, "8000")
	cfg.CORS.AllowCredentials = true

	if _, err := New(cfg, zaptest.NewLogger(t)); !errors.Is(err, config.ErrCredentialedWildcard) {
		t.Fatalf("expected config.ErrCredentialedWildcard, got %v", err)
	}
}

func TestStartServesOverTCP(t *testing.T) {
	app, err := New(baseTestConfig(t, "0"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	shutdown(t, app)

	resp, err := http.Get(fmt.Sprintf("http://%s/app.js", app.Addr()))
	if err != nil {
		t.Fatalf("GET app.js: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "void 0" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestStartFailsWhenPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	_, port, _ := net.SplitHostPort(busy.Addr().String())
	app, err := New(baseTestConfig(t, port), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := app.Start(); err == nil {
		t.Fatalf("expected Start to fail on a busy port")
	}
}

func TestShutdownEndsLiveReloadStreams(t *testing.T) {
	cfg := baseTestConfig(t, "0")
	cfg.Reload = true

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	resp, err := http.Get(fmt.Sprintf("http://%s/__reload", app.Addr()))
	if err != nil {
		t.Fatalf("GET /__reload: %v", err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "retry:") {
		t.Fatalf("expected event stream preamble, got %q (%v)", line, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := app.Server().Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error with an open event stream: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown took %s with an open event stream", elapsed)
	}
}

func TestReloadSwapsHandler(t *testing.T) {
	cfg := baseTestConfig(t, "8000")
	next := cfg
	next.SPAFallback = false

	app, err := New(cfg, zaptest.NewLogger(t), WithConfigLoader(func() (config.Config, error) {
		return next, nil
	}))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if rec := get(t, app.Server().Handler, "/unknown"); rec.Code != http.StatusOK {
		t.Fatalf("expected fallback before reload, got %d", rec.Code)
	}

	if err := app.Reload(); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	if rec := get(t, app.Server().Handler, "/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after reload, got %d", rec.Code)
	}
	if app.Config().SPAFallback {
		t.Fatalf("expected reloaded config to be current")
	}
}

func TestReloadKeepsHandlerOnError(t *testing.T) {
	cfg := baseTestConfig(t, "8000")
	broken := cfg
	broken.StaticDir = filepath.Join(t.TempDir(), "gone")

	loaders := map[string]func() (config.Config, error){
		"loader error":  func() (config.Config, error) { return config.Config{}, errors.New("bad yaml") },
		"build failure": func() (config.Config, error) { return broken, nil },
	}

	for name, loader := range loaders {
		t.Run(name, func(t *testing.T) {
			app, err := New(cfg, zaptest.NewLogger(t), WithConfigLoader(loader))
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}

			if err := app.Reload(); err == nil {
				t.Fatalf("expected Reload to fail")
			}
			if rec := get(t, app.Server().Handler, "/unknown"); rec.Code != http.StatusOK {
				t.Fatalf("previous handler should keep serving, got %d", rec.Code)
			}
			if app.Config().StaticDir != cfg.StaticDir {
				t.Fatalf("previous config should stay current")
			}
		})
	}
}

func TestReloadWithoutLoader(t *testing.T) {
	app, err := New(baseTestConfig(t, "8000"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Reload(); !errors.Is(err, ErrNoConfigLoader) {
		t.Fatalf("expected ErrNoConfigLoader, got %v", err)
	}
}

func TestConfigFileChangeTriggersReload(t *testing.T) {
	dir := staticDir(t)
	configFile := filepath.Join(t.TempDir(), "server.yaml")
	writeConfig := func(fallback bool) {
		content := fmt.Sprintf("static_dir: %q\nspa_fallback: %t\nenable_request_logging: false\nreload_debounce: 20ms\n", dir, fallback)
		if err := os.WriteFile(configFile, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	writeConfig(true)

	loader := func() (config.Config, error) {
		cfg, err := config.Load(&config.CLIOverrides{ConfigFile: configFile})
		if err != nil {
			return config.Config{}, err
		}
		cfg.Host, cfg.Port = "127.0.0.1", "0"
		return cfg, nil
	}

	cfg, err := loader()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	cfg.Reload = true

	app, err := New(cfg, zaptest.NewLogger(t), WithConfigLoader(loader))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	shutdown(t, app)

	writeConfig(false)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if rec := get(t, app.Server().Handler, "/unknown"); rec.Code == http.StatusNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("config change was not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestResolveProjectPathFindsGoMod(t *testing.T) {
	path, err := resolveProjectPath("go.mod")
	if err != nil {
		t.Fatalf("resolveProjectPath returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected go.mod to exist at %s: %v", path, err)
	}
}

func TestResolveProjectPathUnknownTarget(t *testing.T) {
	if _, err := resolveProjectPath("definitely-not-a-real-file"); err == nil {
		t.Fatalf("expected error for missing resource")
	}
}

func TestResolveProjectPathKeepsAbsolutePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "anything")
	path, err := resolveProjectPath(abs)
	if err != nil || path != abs {
		t.Fatalf("expected %s unchanged, got %s (%v)", abs, path, err)
	}
}
