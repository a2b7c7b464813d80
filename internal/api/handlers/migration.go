package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/domain/migration"
)

// MigrationHandler handles version cutover endpoints
type MigrationHandler struct {
	scheduler *migration.Scheduler
	logger    *zap.Logger
}

// NewMigrationHandler creates a new handler
func NewMigrationHandler(scheduler *migration.Scheduler, logger *zap.Logger) *MigrationHandler {
	return &MigrationHandler{scheduler: scheduler, logger: logger}
}

// Routes returns the handler routes
func (h *MigrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/run", h.Run)
	r.Post("/{jobID}/rollback", h.Rollback)
	return r
}

// Status handles GET /migration/status
func (h *MigrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.CheckStatus(r.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("migration status check failed", zap.Error(err))
		h.jsonError(w, "failed to check migration status", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// Run handles POST /migration/run. A run before the cutover is a no-op and
// answers 412 with the NOT_DUE job so cron callers can tell it apart.
func (h *MigrationHandler) Run(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Migrate(r.Context(), time.Now().UTC())
	if err != nil {
		h.migrationError(w, err)
		return
	}
	if job.Status == migration.StatusNotDue {
		h.writeJSON(w, http.StatusPreconditionFailed, job)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// Rollback handles POST /migration/{jobID}/rollback
func (h *MigrationHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.scheduler.Rollback(r.Context(), jobID)
	if err != nil {
		h.migrationError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *MigrationHandler) migrationError(w http.ResponseWriter, err error) {
	var inProgress *migration.InProgressError
	var conflict *migration.ConflictError
	var notFound *migration.JobNotFoundError

	switch {
	case errors.As(err, &inProgress):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &conflict):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("migration operation failed", zap.Error(err))
		h.jsonError(w, "migration operation failed", http.StatusInternalServerError)
	}
}

func (h *MigrationHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *MigrationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
