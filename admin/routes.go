package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/telemetry"
)

// RegisterRoutes registers the admin API and the metrics endpoint.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	r.Route("/importers", func(r chi.Router) {
		r.Get("/", handlers.handleListImporters)
		r.Get("/{name}", handlers.wrapWithName(handlers.handleGetImporter))
		r.Post("/{name}/stop", handlers.wrapWithName(handlers.handleStopImporter))
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/importers")
}

func (h *AdminHandlers) wrapWithName(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" {
			writeErrorResponse(w, http.StatusBadRequest, "importer name is required")
			return
		}
		fn(w, r, name)
	}
}
