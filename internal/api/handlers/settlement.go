package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/observability/metrics"
	"github.com/claimware/go-tiss/internal/settlement"
	"github.com/claimware/go-tiss/pkg/idempotency"
)

// maxReturnFileBytes caps uploaded return files. Operators ship daily files
// well under this.
const maxReturnFileBytes = 32 << 20

// SettlementHandler handles settlement return file endpoints
type SettlementHandler struct {
	registry *settlement.Registry
	store    *settlement.Store
	inbox    *idempotency.Inbox
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewSettlementHandler creates a new handler
func NewSettlementHandler(registry *settlement.Registry, store *settlement.Store, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{
		registry: registry,
		store:    store,
		inbox:    inbox,
		logger:   logger,
		metrics:  m,
	}
}

// Routes returns the handler routes
func (h *SettlementHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/operators", h.Operators)
	r.Post("/{operator}/returns", h.UploadReturn)
	r.Get("/guides/{guideID}/returns", h.GuideReturns)
	return r
}

// Operators handles GET /settlement/operators
func (h *SettlementHandler) Operators(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"operators": h.registry.Operators(),
	})
}

// UploadReturn handles POST /settlement/{operator}/returns. The body is the
// raw return file in the operator's native encoding. Re-uploads of the same
// file return the original result without reprocessing.
func (h *SettlementHandler) UploadReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator := chi.URLParam(r, "operator")
	tracer := otel.Tracer("settlement-handler")
	ctx, span := tracer.Start(ctx, "upload_return_file",
		trace.WithAttributes(attribute.String("operator", operator)))
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReturnFileBytes))
	if err != nil {
		h.jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		h.jsonError(w, "empty return file", http.StatusBadRequest)
		return
	}

	fileKey := idempotency.GenerateFileKey(operator, body)
	span.SetAttributes(attribute.String("file_key", fileKey))

	outcome, err := h.inbox.Process(ctx, fileKey, "settlement-return", nil,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return h.processFile(ctx, operator, fileKey, body)
		})
	if err != nil {
		h.uploadError(w, operator, err)
		return
	}

	status := http.StatusOK
	if outcome.IsNew {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(outcome.Result)
}

func (h *SettlementHandler) processFile(ctx context.Context, operator, fileKey string, body []byte) (json.RawMessage, error) {
	result, err := h.registry.Parse(ctx, operator, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	merge, err := h.store.Apply(ctx, fileKey, result.Header, result.Records)
	if err != nil {
		return nil, err
	}

	if h.metrics != nil {
		h.metrics.SettlementFilesParsed.WithLabelValues(operator).Inc()
		h.metrics.SettlementLineErrors.WithLabelValues(operator).Add(float64(len(result.LineErrors)))
	}
	h.logger.Info("settlement return file processed",
		zap.String("operator", operator),
		zap.String("file_key", fileKey),
		zap.Int("records", len(result.Records)),
		zap.Int("line_errors", len(result.LineErrors)),
		zap.Int("guides_updated", merge.GuidesUpdated),
		zap.Int("stale_skipped", merge.StaleSkipped),
		zap.Strings("batches_reconciled", merge.BatchesReconciled),
	)

	return json.Marshal(map[string]interface{}{
		"file_key":           fileKey,
		"operator":           operator,
		"reference_date":     result.Header.ReferenceDate,
		"records":            len(result.Records),
		"line_errors":        result.LineErrors,
		"guides_updated":     merge.GuidesUpdated,
		"stale_skipped":      merge.StaleSkipped,
		"batches_reconciled": merge.BatchesReconciled,
	})
}

// GuideReturns handles GET /settlement/guides/{guideID}/returns
func (h *SettlementHandler) GuideReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guideID := chi.URLParam(r, "guideID")

	records, err := h.store.ReturnsForGuide(ctx, guideID)
	if err != nil {
		h.logger.Error("failed to load guide returns", zap.Error(err))
		h.jsonError(w, "failed to load returns", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"guide_id": guideID,
		"returns":  records,
	})
}

func (h *SettlementHandler) uploadError(w http.ResponseWriter, operator string, err error) {
	var unsupported *settlement.UnsupportedOperatorError
	var header *settlement.HeaderError

	switch {
	case errors.As(err, &unsupported):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &header):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, idempotency.ErrMessageInProgress):
		h.jsonError(w, "file is being processed", http.StatusConflict)
	default:
		h.logger.Error("return file processing failed",
			zap.String("operator", operator), zap.Error(err))
		h.jsonError(w, "failed to process return file", http.StatusInternalServerError)
	}
}

func (h *SettlementHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *SettlementHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
