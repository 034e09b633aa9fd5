package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost           = "0.0.0.0"
	defaultPort           = "8000"
	defaultStaticDir      = "frontend"
	defaultIndexFile      = "index.html"
	defaultRateLimitRPS   = 100.0
	defaultRateLimitBurst = 200
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// Wildcard matches every origin, method or header in a CORS list.
const Wildcard = "*"

// AllMethods is what a wildcard entry in CORS.AllowedMethods expands to.
var AllMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

// ErrCredentialedWildcard is returned when credentials are allowed for every origin.
// Browsers refuse such responses, so explicit origins must be listed instead.
var ErrCredentialedWildcard = errors.New("cors: allow_credentials requires explicit allowed origins, not \"*\"")

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > config file > Environment variables > Defaults
type Config struct {
	Host                 string
	Port                 string
	StaticDir            string
	IndexFile            string
	SPAFallback          bool
	Reload               bool
	ReloadDebounce       time.Duration
	Compress             bool
	CORS                 CORS
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	LogLevel             string
	LogFormat            string

	// ConfigFile is the file the configuration was read from, empty if none.
	ConfigFile string
}

// CORS describes the cross-origin policy attached to every response.
type CORS struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// Addr returns the host:port pair the server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// AllowsAnyOrigin reports whether the origin list contains the wildcard.
func (c CORS) AllowsAnyOrigin() bool {
	return slices.Contains(c.AllowedOrigins, Wildcard)
}

// fileConfig mirrors the on-disk layout shared by the YAML and TOML formats.
// Pointers distinguish an absent key from a zero value.
type fileConfig struct {
	Host                 string        `yaml:"host" toml:"host"`
	Port                 string        `yaml:"port" toml:"port"`
	StaticDir            string        `yaml:"static_dir" toml:"static_dir"`
	IndexFile            string        `yaml:"index_file" toml:"index_file"`
	SPAFallback          *bool         `yaml:"spa_fallback" toml:"spa_fallback"`
	Reload               *bool         `yaml:"reload" toml:"reload"`
	ReloadDebounce       string        `yaml:"reload_debounce" toml:"reload_debounce"`
	Compress             *bool         `yaml:"compress" toml:"compress"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period" toml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout" toml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout" toml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging" toml:"enable_request_logging"`
	RateLimit            fileRateLimit `yaml:"rate_limit" toml:"rate_limit"`
	CORS                 fileCORS      `yaml:"cors" toml:"cors"`
	Log                  fileLog       `yaml:"log" toml:"log"`
}

type fileRateLimit struct {
	RPS   *float64 `yaml:"rps" toml:"rps"`
	Burst *int     `yaml:"burst" toml:"burst"`
}

type fileCORS struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" toml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers" toml:"exposed_headers"`
	AllowCredentials *bool    `yaml:"allow_credentials" toml:"allow_credentials"`
	MaxAge           string   `yaml:"max_age" toml:"max_age"`
}

type fileLog struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// CLIOverrides holds command-line flag overrides. Nil fields were not set.
type CLIOverrides struct {
	ConfigFile      string
	Host            *string
	Port            *string
	StaticDir       *string
	IndexFile       *string
	SPAFallback     *bool
	Reload          *bool
	CORSOrigins     []string
	CORSCredentials *bool
	RateLimitRPS    *float64
	RateLimitBurst  *int
	LogLevel        *string
	LogFormat       *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > config file > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := Default()

	applyEnvConfig(&cfg)

	if overrides != nil && overrides.ConfigFile != "" {
		fileCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
		if err := applyFileConfig(&cfg, fileCfg); err != nil {
			return Config{}, fmt.Errorf("apply config file: %w", err)
		}
		cfg.ConfigFile = overrides.ConfigFile
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	normalize(&cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns a Config with default values: ./frontend served on
// 0.0.0.0:8000 with SPA fallback, open CORS without credentials, reload on.
func Default() Config {
	return Config{
		Host:           defaultHost,
		Port:           defaultPort,
		StaticDir:      defaultStaticDir,
		IndexFile:      defaultIndexFile,
		SPAFallback:    true,
		Reload:         true,
		ReloadDebounce: 200 * time.Millisecond,
		Compress:       true,
		CORS: CORS{
			AllowedOrigins: []string{Wildcard},
			AllowedMethods: slices.Clone(AllMethods),
			AllowedHeaders: []string{Wildcard},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         10 * time.Minute,
		},
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
	}
}

// loadFromFile decodes a YAML or TOML file depending on its extension.
func loadFromFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	return &fileCfg, nil
}

// applyFileConfig applies file configuration to the Config struct.
func applyFileConfig(cfg *Config, fileCfg *fileConfig) error {
	setString(&cfg.Host, fileCfg.Host)
	setString(&cfg.Port, fileCfg.Port)
	setString(&cfg.StaticDir, fileCfg.StaticDir)
	setString(&cfg.IndexFile, fileCfg.IndexFile)
	setBool(&cfg.SPAFallback, fileCfg.SPAFallback)
	setBool(&cfg.Reload, fileCfg.Reload)
	setBool(&cfg.Compress, fileCfg.Compress)
	setBool(&cfg.EnableRequestLogging, fileCfg.EnableRequestLogging)
	setString(&cfg.LogLevel, fileCfg.Log.Level)
	setString(&cfg.LogFormat, fileCfg.Log.Format)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reload_debounce", fileCfg.ReloadDebounce, &cfg.ReloadDebounce},
		{"shutdown_grace_period", fileCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", fileCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", fileCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", fileCfg.IdleTimeout, &cfg.IdleTimeout},
		{"cors.max_age", fileCfg.CORS.MaxAge, &cfg.CORS.MaxAge},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = value
	}

	if fileCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *fileCfg.RateLimit.RPS
	}
	if fileCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *fileCfg.RateLimit.Burst
	}

	setList(&cfg.CORS.AllowedOrigins, fileCfg.CORS.AllowedOrigins)
	setList(&cfg.CORS.AllowedMethods, fileCfg.CORS.AllowedMethods)
	setList(&cfg.CORS.AllowedHeaders, fileCfg.CORS.AllowedHeaders)
	setList(&cfg.CORS.ExposedHeaders, fileCfg.CORS.ExposedHeaders)
	setBool(&cfg.CORS.AllowCredentials, fileCfg.CORS.AllowCredentials)

	return nil
}

// applyEnvConfig applies environment variable configuration.
// Malformed values are ignored and leave the default in place.
func applyEnvConfig(cfg *Config) {
	setString(&cfg.Host, env("HOST"))
	setString(&cfg.Port, env("PORT"))
	setString(&cfg.StaticDir, env("STATIC_DIR"))
	setString(&cfg.IndexFile, env("INDEX_FILE"))
	setString(&cfg.LogLevel, env("LOG_LEVEL"))
	setString(&cfg.LogFormat, env("LOG_FORMAT"))

	setEnvBool(&cfg.SPAFallback, "SPA_FALLBACK")
	setEnvBool(&cfg.Reload, "RELOAD")
	setEnvBool(&cfg.CORS.AllowCredentials, "CORS_ALLOW_CREDENTIALS")

	setList(&cfg.CORS.AllowedOrigins, splitList(env("CORS_ALLOWED_ORIGINS")))
	setList(&cfg.CORS.AllowedMethods, splitList(env("CORS_ALLOWED_METHODS")))
	setList(&cfg.CORS.AllowedHeaders, splitList(env("CORS_ALLOWED_HEADERS")))

	if rps := env("RATE_LIMIT_RPS"); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := env("RATE_LIMIT_BURST"); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Host != nil {
		setString(&cfg.Host, *overrides.Host)
	}
	if overrides.Port != nil {
		setString(&cfg.Port, *overrides.Port)
	}
	if overrides.StaticDir != nil {
		setString(&cfg.StaticDir, *overrides.StaticDir)
	}
	if overrides.IndexFile != nil {
		setString(&cfg.IndexFile, *overrides.IndexFile)
	}
	if overrides.LogLevel != nil {
		setString(&cfg.LogLevel, *overrides.LogLevel)
	}
	if overrides.LogFormat != nil {
		setString(&cfg.LogFormat, *overrides.LogFormat)
	}

	setBool(&cfg.SPAFallback, overrides.SPAFallback)
	setBool(&cfg.Reload, overrides.Reload)
	setBool(&cfg.CORS.AllowCredentials, overrides.CORSCredentials)
	setList(&cfg.CORS.AllowedOrigins, overrides.CORSOrigins)

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// normalize expands wildcard methods and canonicalises case.
func normalize(cfg *Config) {
	methods := make([]string, 0, len(AllMethods))
	seen := make(map[string]struct{}, len(AllMethods))
	add := func(method string) {
		if _, ok := seen[method]; ok {
			return
		}
		seen[method] = struct{}{}
		methods = append(methods, method)
	}
	for _, method := range cfg.CORS.AllowedMethods {
		if method == Wildcard {
			for _, m := range AllMethods {
				add(m)
			}
			continue
		}
		add(strings.ToUpper(method))
	}
	cfg.CORS.AllowedMethods = methods

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535, got %q", cfg.Port)
	}
	if cfg.StaticDir == "" {
		return fmt.Errorf("static directory cannot be empty")
	}
	if cfg.IndexFile == "" {
		return fmt.Errorf("index file cannot be empty")
	}
	if strings.ContainsAny(cfg.IndexFile, `/\`) {
		return fmt.Errorf("index file must be a file name, got %q", cfg.IndexFile)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors: at least one allowed origin is required")
	}
	if cfg.CORS.AllowCredentials && cfg.CORS.AllowsAnyOrigin() {
		return ErrCredentialedWildcard
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setEnvBool(dst *bool, key string) {
	raw := env(key)
	if raw == "" {
		return
	}
	if value, err := strconv.ParseBool(raw); err == nil {
		*dst = value
	}
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

func setList(dst *[]string, values []string) {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
