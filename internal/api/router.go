package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/frontend-server/internal/reload"
)

// HealthPath reports liveness; it shadows a static file of the same name.
const HealthPath = "/healthz"

const defaultCompressionLevel = 5

// RouterOption configures the behaviour of NewRouter.
type RouterOption func(*routerConfig)

// WithLogging controls whether access logs are emitted.
func WithLogging(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.enableLogging = enabled
	}
}

// WithRateLimiter overrides the default request rate limiter (primarily for tests).
func WithRateLimiter(limiter rateLimiter) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = limiter
	}
}

// WithRateLimit sets a token bucket limiter. Zero rate or burst disables limiting.
func WithRateLimit(rps float64, burst int) RouterOption {
	return func(cfg *routerConfig) {
		if rps <= 0 || burst <= 0 {
			cfg.rateLimiter = nil
			return
		}
		cfg.rateLimiter = newTokenBucketLimiter(rps, burst)
	}
}

// WithCORS replaces the permissive default cross-origin policy.
func WithCORS(policy CORSPolicy) RouterOption {
	return func(cfg *routerConfig) {
		cfg.cors = policy
	}
}

// WithCompression toggles gzip/deflate compression of static responses.
func WithCompression(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.compress = enabled
	}
}

// WithReloadHub exposes the live reload event stream backed by hub.
func WithReloadHub(hub *reload.Hub) RouterOption {
	return func(cfg *routerConfig) {
		cfg.hub = hub
	}
}

// WithHandler overrides the health handler (primarily for tests).
func WithHandler(handler *Handler) RouterOption {
	return func(cfg *routerConfig) {
		cfg.handler = handler
	}
}

type routerConfig struct {
	enableLogging bool
	logger        *zap.Logger
	rateLimiter   rateLimiter
	cors          CORSPolicy
	compress      bool
	hub           *reload.Hub
	handler       *Handler
}

// NewRouter creates the root HTTP handler: the server's own endpoints plus
// static content for every other path, behind the standard middleware stack.
func NewRouter(static http.Handler, logger *zap.Logger, opts ...RouterOption) http.Handler {
	cfg := routerConfig{
		enableLogging: true,
		logger:        logger,
		rateLimiter:   newTokenBucketLimiter(100, 200),
		cors:          PermissiveCORS(),
		compress:      true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.handler == nil {
		cfg.handler = NewHandler()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if cfg.enableLogging {
		r.Use(loggingMiddleware(cfg.logger))
	}
	r.Use(recoveryMiddleware(cfg.logger))
	// CORS headers go on every response, rejections included.
	r.Use(newCORSMiddleware(cfg.cors, cfg.logger))
	r.Use(rateLimitMiddleware(cfg.rateLimiter))

	r.Get(HealthPath, cfg.handler.handleHealth)
	if cfg.hub != nil {
		r.Get(LiveReloadPath, liveReloadHandler(cfg.hub, cfg.logger))
	}

	r.Group(func(r chi.Router) {
		if cfg.compress {
			r.Use(skipRanged(middleware.Compress(defaultCompressionLevel)))
		}
		r.Handle("/*", static)
	})

	return r
}

// skipRanged bypasses mw for Range requests: Content-Range describes the
// identity body, so a partial response must not be re-encoded.
func skipRanged(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestIDFromContext(r.Context())),
			)
		})
	}
}

func recoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestIDFromContext(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "Internal error", "unexpected server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := contextWithRequestID(r.Context(), requestID)

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
