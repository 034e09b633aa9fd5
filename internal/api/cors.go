package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/eugenenazirov/frontend-server/internal/config"
)

// ErrCredentialedWildcard rejects policies that allow credentials for every origin.
// It is the same sentinel config validation returns.
var ErrCredentialedWildcard = config.ErrCredentialedWildcard

// CORSPolicy is the cross-origin policy applied to every response.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
	// Debug logs every CORS decision at debug level.
	Debug bool
}

// PermissiveCORS allows any origin, method and header without credentials.
func PermissiveCORS() CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         10 * time.Minute,
	}
}

// Validate reports policies browsers would refuse.
func (p CORSPolicy) Validate() error {
	if p.AllowCredentials && slices.Contains(p.AllowedOrigins, config.Wildcard) {
		return ErrCredentialedWildcard
	}
	return nil
}

func newCORSMiddleware(policy CORSPolicy, logger *zap.Logger) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   policy.AllowedOrigins,
		AllowedMethods:   policy.AllowedMethods,
		AllowedHeaders:   policy.AllowedHeaders,
		ExposedHeaders:   policy.ExposedHeaders,
		AllowCredentials: policy.AllowCredentials,
		MaxAge:           int(policy.MaxAge / time.Second),
	}
	if policy.Debug && logger != nil {
		opts.Debug = true
		opts.Logger = zap.NewStdLog(logger.Named("cors"))
	}
	return cors.New(opts).Handler
}
