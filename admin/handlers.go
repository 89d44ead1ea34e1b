package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/importer"
)

// AdminHandlers serves importer status over HTTP.
type AdminHandlers struct {
	registry *importer.Registry
}

// NewAdminHandlers creates handlers over the importer registry.
func NewAdminHandlers(registry *importer.Registry) *AdminHandlers {
	return &AdminHandlers{registry: registry}
}

type importerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	InFlight int    `json:"in_flight"`
	Error    string `json:"error,omitempty"`
}

func statusOf(imp *importer.Importer) importerStatus {
	status := importerStatus{
		Name:     imp.Name(),
		State:    imp.State().String(),
		InFlight: imp.InFlight(),
	}
	if err := imp.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// handleListImporters handles GET /admin/importers
func (h *AdminHandlers) handleListImporters(w http.ResponseWriter, r *http.Request) {
	statuses := make([]importerStatus, 0)
	h.registry.Each(func(imp *importer.Importer) {
		statuses = append(statuses, statusOf(imp))
	})
	writeJSONResponse(w, statuses)
}

// handleGetImporter handles GET /admin/importers/{name}
func (h *AdminHandlers) handleGetImporter(w http.ResponseWriter, r *http.Request, name string) {
	imp, ok := h.registry.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "importer not found")
		return
	}
	writeJSONResponse(w, statusOf(imp))
}

// handleStopImporter handles POST /admin/importers/{name}/stop
func (h *AdminHandlers) handleStopImporter(w http.ResponseWriter, r *http.Request, name string) {
	imp, ok := h.registry.Get(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "importer not found")
		return
	}
	imp.Stop()
	writeJSONResponse(w, statusOf(imp))
}

// handleHealth handles GET /admin/health
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status":  "ok",
		"running": h.registry.RunningImporters(),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
