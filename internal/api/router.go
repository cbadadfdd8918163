package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"utm-content-engine/internal/config"
	"utm-content-engine/internal/observability"
)

func Router(cfg config.Config, h *ContentHandler, ev *EventHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	// embedded on third-party landing pages, so any origin may call us
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", SiteHeader},
		MaxAge:         3600,
	}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.HTTP.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.HTTP.RateLimit, cfg.HTTP.RateWindow))
		}
		r.Post("/content", h.Content)
		r.Options("/content", noContent)
		r.Post("/event", ev.Record)
		r.Options("/event", noContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}

func noContent(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }
