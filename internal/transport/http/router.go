// Package httptransport assembles the HTTP surface: middleware stack,
// client-facing consent routes, trainer-facing routes, and ops endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	consenthandler "trainshare/internal/consent/handler"
	"trainshare/internal/platform/middleware"
	"trainshare/internal/trainer"
	"trainshare/pkg/domain"
	"trainshare/pkg/platform/httputil"
)

// Deps carries everything the router mounts.
type Deps struct {
	Logger    *slog.Logger
	Validator middleware.TokenValidator
	Consent   *consenthandler.Handler
	Trainer   *trainer.Handler
	// Health reports readiness of backing stores; nil checks are skipped.
	Health func() error
}

// NewRouter wires all endpoints with the shared middleware stack.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if d.Health != nil {
			if err := d.Health(); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(g chi.Router) {
		g.Use(middleware.RequireAuth(d.Validator, d.Logger))
		g.Use(middleware.RequireRole(domain.RoleClient))
		d.Consent.Register(g)
	})

	r.Group(func(g chi.Router) {
		g.Use(middleware.RequireAuth(d.Validator, d.Logger))
		g.Use(middleware.RequireRole(domain.RoleTrainer))
		d.Trainer.Register(g)
	})

	return r
}
