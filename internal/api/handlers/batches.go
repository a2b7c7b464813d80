// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/api/middleware"
	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/generation"
	"github.com/claimware/go-tiss/internal/tiss/resolve"
	"github.com/claimware/go-tiss/internal/tiss/validate"
)

var validate10 = validator.New()

// BatchHandler handles claim batch endpoints
type BatchHandler struct {
	repo      *batch.Repository
	tenants   generation.TenantDirectory
	resolver  *resolve.Resolver
	generator *generation.Service
	logger    *zap.Logger
}

// NewBatchHandler creates a new handler
func NewBatchHandler(repo *batch.Repository, tenants generation.TenantDirectory, resolver *resolve.Resolver, generator *generation.Service, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		repo:      repo,
		tenants:   tenants,
		resolver:  resolver,
		generator: generator,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *BatchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/guides", h.AddGuide)
	r.Get("/{id}/validation", h.Validation)
	r.Post("/{id}/close", h.Close)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/generate", h.Generate)
	r.Post("/{id}/transmit", h.Transmit)
	return r
}

// CreateBatchRequest is the request body for creating a batch
type CreateBatchRequest struct {
	ClinicID    string            `json:"clinic_id" validate:"required"`
	InsuranceID string            `json:"insurance_id" validate:"required"`
	Sequence    int64             `json:"sequence" validate:"gt=0"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateBatchResponse is the response for creating a batch
type CreateBatchResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Create handles POST /batches
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("batch-handler")
	ctx, span := tracer.Start(ctx, "create_batch")
	defer span.End()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate10.Struct(req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	batchID := uuid.New().String()
	span.SetAttributes(attribute.String("batch_id", batchID))

	b := batch.New(batchID, req.ClinicID, req.InsuranceID, req.Sequence)
	for k, v := range req.Metadata {
		if err := b.SetMetadata(k, v); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := h.repo.Create(ctx, b); err != nil {
		h.logger.Error("batch create failed", zap.Error(err))
		h.jsonError(w, "failed to create batch", http.StatusInternalServerError)
		return
	}

	h.logger.Info("batch created",
		zap.String("id", batchID),
		zap.String("clinic_id", req.ClinicID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, CreateBatchResponse{
		ID:        batchID,
		Status:    string(b.Status()),
		CreatedAt: time.Now().UTC(),
	})
}

// Get handles GET /batches/{id}
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}

	guides := make([]map[string]interface{}, 0, len(b.Guides()))
	for _, g := range b.Guides() {
		guides = append(guides, map[string]interface{}{
			"id":             g.ID,
			"position":       g.Position,
			"procedure_code": g.ProcedureCode,
			"amount_cents":   g.AmountCents,
			"status":         g.Status,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            b.ID(),
		"clinic_id":     b.ClinicID(),
		"insurance_id":  b.InsuranceID(),
		"sequence":      b.Sequence(),
		"status":        b.Status(),
		"version":       b.Version(),
		"document_url":  b.DocumentURL(),
		"failure_cause": b.FailureCause(),
		"total_cents":   b.TotalCents(),
		"guides":        guides,
	})
}

// AddGuideRequest is the request body for appending a guide
type AddGuideRequest struct {
	ProcedureCode   string `json:"procedure_code" validate:"required"`
	PatientName     string `json:"patient_name" validate:"required"`
	PatientDocument string `json:"patient_document"`
	AmountCents     int64  `json:"amount_cents" validate:"gt=0"`
}

// AddGuide handles POST /batches/{id}/guides
func (h *BatchHandler) AddGuide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req AddGuideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate10.Struct(req); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}

	g := &batch.Guide{
		ID:              uuid.New().String(),
		ProcedureCode:   req.ProcedureCode,
		PatientName:     req.PatientName,
		PatientDocument: req.PatientDocument,
		AmountCents:     req.AmountCents,
	}
	if err := b.AddGuide(g); err != nil {
		h.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.repo.AppendGuide(ctx, g); err != nil {
		h.logger.Error("guide append failed", zap.Error(err))
		h.jsonError(w, "failed to add guide", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       g.ID,
		"batch_id": id,
		"position": g.Position,
	})
}

// Validation handles GET /batches/{id}/validation. Dry run: resolves the
// version the batch would bill under right now and reports every violation
// without touching batch state.
func (h *BatchHandler) Validation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}

	resolution, err := h.resolveFor(r, b)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report := validate.Batch(resolution.Config, b)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        resolution.Config.Version,
		"version_source": resolution.Source,
		"report":         report,
	})
}

// Close handles POST /batches/{id}/close
func (h *BatchHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}

	resolution, err := h.resolveFor(r, b)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report := validate.Batch(resolution.Config, b)
	if err := b.Close(report.Critical); err != nil {
		if errors.Is(err, batch.ErrCriticalViolations) {
			h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  err.Error(),
				"report": report,
			})
			return
		}
		h.jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := h.repo.UpdateStatus(ctx, b); err != nil {
		h.persistError(w, "close", b.ID(), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       b.ID(),
		"status":   b.Status(),
		"warnings": report.Warnings,
	})
}

// Cancel handles POST /batches/{id}/cancel
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}
	if err := b.Cancel(); err != nil {
		h.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.repo.UpdateStatus(ctx, b); err != nil {
		h.persistError(w, "cancel", b.ID(), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     b.ID(),
		"status": b.Status(),
	})
}

// Generate handles POST /batches/{id}/generate. The optional "version"
// query parameter forces a protocol version for regeneration.
func (h *BatchHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	forced := r.URL.Query().Get("version")

	result, err := h.generator.Generate(ctx, id, forced)
	if err != nil {
		h.generateError(w, id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// Transmit handles POST /batches/{id}/transmit. Called once the generated
// document has been handed to the operator channel.
func (h *BatchHandler) Transmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := h.repo.Load(ctx, id)
	if err != nil {
		h.batchError(w, id, err)
		return
	}
	if err := b.MarkTransmitted(); err != nil {
		h.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.repo.UpdateStatus(ctx, b); err != nil {
		h.persistError(w, "transmit", b.ID(), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     b.ID(),
		"status": b.Status(),
	})
}

func (h *BatchHandler) generateError(w http.ResponseWriter, id string, err error) {
	var busy *batch.BatchBusyError
	var notFound *batch.NotFoundError
	var transition *batch.TransitionError
	var notActive *resolve.VersionNotActiveError
	var invalid *generation.ValidationError

	switch {
	case errors.As(err, &busy):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &transition):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notActive):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &invalid):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"report": invalid.Report,
		})
	default:
		h.logger.Error("generation failed", zap.String("batch_id", id), zap.Error(err))
		h.jsonError(w, "generation failed", http.StatusInternalServerError)
	}
}

// resolveFor runs version resolution the same way generation will, honoring
// an optional forced version query parameter.
func (h *BatchHandler) resolveFor(r *http.Request, b *batch.Batch) (*resolve.Resolution, error) {
	ctx := r.Context()
	req := resolve.Request{
		ForcedVersion: r.URL.Query().Get("version"),
		Now:           time.Now().UTC(),
	}
	var err error
	if req.Insurance, err = h.tenants.InsurancePointer(ctx, b.InsuranceID()); err != nil {
		return nil, err
	}
	if req.Clinic, err = h.tenants.ClinicPointer(ctx, b.ClinicID()); err != nil {
		return nil, err
	}
	return h.resolver.Resolve(req)
}

// persistError maps status-write failures. A TransitionError here means the
// row changed between load and write; the client should reload and retry.
func (h *BatchHandler) persistError(w http.ResponseWriter, action, id string, err error) {
	var transition *batch.TransitionError
	var notFound *batch.NotFoundError
	switch {
	case errors.As(err, &transition):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notFound):
		h.jsonError(w, "batch not found", http.StatusNotFound)
	default:
		h.logger.Error("batch "+action+" failed", zap.String("batch_id", id), zap.Error(err))
		h.jsonError(w, "failed to "+action+" batch", http.StatusInternalServerError)
	}
}

func (h *BatchHandler) batchError(w http.ResponseWriter, id string, err error) {
	var notFound *batch.NotFoundError
	if errors.As(err, &notFound) {
		h.jsonError(w, "batch not found", http.StatusNotFound)
		return
	}
	h.logger.Error("batch load failed", zap.String("batch_id", id), zap.Error(err))
	h.jsonError(w, "failed to load batch", http.StatusInternalServerError)
}

func (h *BatchHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *BatchHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
