package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries the handlers the router mounts.
type Deps struct {
	Delivery *DeliveryHandler
	Admin    *AdminHandler
	Telegram *TelegramHandler
	Logger   *slog.Logger

	// Health is polled by the health endpoint; nil entries are skipped.
	Health map[string]func() error

	// UserCount reports registered telegram users for the health payload.
	UserCount func() int
}

// NewRouter assembles the full API surface.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(d.Logger))

	r.Get("/api/health", healthHandler(d.Health, d.UserCount))
	r.Handle("/metrics", promhttp.Handler())

	d.Delivery.Register(r)
	d.Admin.Register(r)
	d.Telegram.Register(r)

	return r
}

type healthResponse struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	TelegramUsers int               `json:"telegram_users"`
	Components    map[string]string `json:"components,omitempty"`
}

func healthHandler(checks map[string]func() error, userCount func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:     "ok",
			Service:    "hale-oracle",
			Components: make(map[string]string, len(checks)),
		}
		if userCount != nil {
			resp.TelegramUsers = userCount()
		}
		status := http.StatusOK
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				resp.Components[name] = "ok"
			}
		}
		writeJSON(w, status, resp)
	}
}

// requestLogger logs one line per request with method, path, status, and
// latency.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
