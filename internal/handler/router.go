// internal/handler/router.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Routes is implemented by anything that registers endpoints on the router.
type Routes interface {
	Register(r chi.Router)
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type RouterConfig struct {
	MetricsPath    string
	Metrics        http.Handler // nil disables the endpoint
	Health         map[string]Pinger
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with the shared middleware stack and the
// ops endpoints, then lets each Routes register itself.
func NewRouter(cfg RouterConfig, log zerolog.Logger, routes ...Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", health(cfg.Health))
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, cfg.Metrics)
	}

	for _, rt := range routes {
		rt.Register(r)
	}
	return r
}

func health(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{}
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": result})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			ev := log.Info()
			if ww.Status() >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
