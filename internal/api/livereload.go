package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/frontend-server/internal/reload"
)

// LiveReloadPath is the event stream browsers subscribe to for reload notifications.
const LiveReloadPath = "/__reload"

const keepAliveInterval = 25 * time.Second

// liveReloadHandler streams a server-sent "reload" event whenever the hub publishes.
func liveReloadHandler(hub *reload.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		// The stream outlives the server's write timeout.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			logger.Debug("live reload: cannot clear write deadline", zap.Error(err))
		}

		notifications, cancel := hub.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if _, err := fmt.Fprint(w, "retry: 1000\n\n"); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			logger.Warn("live reload: streaming unsupported", zap.Error(err))
			return
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			var frame string
			select {
			case <-r.Context().Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				frame = "event: reload\ndata: {}\n\n"
			case <-ticker.C:
				frame = ": ping\n\n"
			}
			if _, err := fmt.Fprint(w, frame); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
