// Package generation orchestrates turning a closed claim batch into a
// versioned XML document: claim the batch, resolve the protocol version,
// validate every guide against the version's guide rules, encode, upload,
// and record the outcome atomically with the outbox event.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/infrastructure/postgres"
	"github.com/claimware/go-tiss/internal/infrastructure/redpanda"
	"github.com/claimware/go-tiss/internal/observability/metrics"
	"github.com/claimware/go-tiss/internal/storage"
	"github.com/claimware/go-tiss/internal/tiss/codec"
	"github.com/claimware/go-tiss/internal/tiss/resolve"
	"github.com/claimware/go-tiss/internal/tiss/validate"
	"github.com/claimware/go-tiss/pkg/circuitbreaker"
)

// BatchStore is the persistence surface Generate needs. Satisfied by
// batch.Repository.
type BatchStore interface {
	Load(ctx context.Context, id string) (*batch.Batch, error)
	BeginGeneration(ctx context.Context, id string) error
	FinishGeneration(ctx context.Context, id, version, documentURL string, entry *postgres.OutboxEntry) error
	RecordFailure(ctx context.Context, id, cause string) error
	RevertToClosed(ctx context.Context, id string) error
}

// TenantDirectory resolves the version pointers configured for the tenants
// a batch bills under.
type TenantDirectory interface {
	InsurancePointer(ctx context.Context, id string) (*resolve.TenantPointer, error)
	ClinicPointer(ctx context.Context, id string) (*resolve.TenantPointer, error)
}

// ValidationError aborts generation when any guide carries a critical
// violation. The full report travels with the error.
type ValidationError struct {
	BatchID string
	Report  *validate.Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch %s failed validation: %d critical violations", e.BatchID, e.Report.Critical)
}

// Result describes a completed generation.
type Result struct {
	BatchID       string               `json:"batch_id"`
	Version       string               `json:"version"`
	VersionSource string               `json:"version_source"`
	DocumentURL   string               `json:"document_url"`
	Warnings      []validate.Violation `json:"warnings,omitempty"`
}

// Service runs document generation. Single-flight per batch is enforced in
// the store via the CLOSED to GENERATING transition, so Service itself
// carries no locks and is safe for concurrent use.
type Service struct {
	batches  BatchStore
	tenants  TenantDirectory
	resolver *resolve.Resolver
	encoder  *codec.Encoder
	store    storage.DocumentStore
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the resolution clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches application metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBreaker guards document uploads with a circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = cb }
}

func NewService(batches BatchStore, tenants TenantDirectory, resolver *resolve.Resolver, store storage.DocumentStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		batches:  batches,
		tenants:  tenants,
		resolver: resolver,
		encoder:  codec.NewEncoder(),
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer("generation-service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate produces the billing document for one batch. forcedVersion, when
// non-empty, overrides every tenant pointer and must be active now.
//
// The batch is claimed first; on any failure after the claim the batch
// lands in FAILED with the cause recorded, except cancellation, which
// returns it to CLOSED untouched.
func (s *Service) Generate(ctx context.Context, batchID, forcedVersion string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "generate_batch_document",
		trace.WithAttributes(attribute.String("batch.id", batchID)))
	defer span.End()

	start := s.now()

	if err := s.batches.BeginGeneration(ctx, batchID); err != nil {
		return nil, err
	}

	result, err := s.generate(ctx, batchID, forcedVersion)
	if err != nil {
		span.RecordError(err)
		s.release(ctx, batchID, err)
		if s.metrics != nil {
			s.metrics.BatchesFailed.Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BatchesGenerated.WithLabelValues(result.Version).Inc()
		s.metrics.GenerationDuration.Observe(s.now().Sub(start).Seconds())
	}
	span.SetAttributes(attribute.String("tiss.version", result.Version))
	s.logger.Info("batch document generated",
		zap.String("batch_id", batchID),
		zap.String("version", result.Version),
		zap.String("version_source", result.VersionSource),
		zap.String("document_url", result.DocumentURL))
	return result, nil
}

func (s *Service) generate(ctx context.Context, batchID, forcedVersion string) (*Result, error) {
	b, err := s.batches.Load(ctx, batchID)
	if err != nil {
		return nil, err
	}

	req := resolve.Request{ForcedVersion: forcedVersion, Now: s.now()}
	if req.Insurance, err = s.tenants.InsurancePointer(ctx, b.InsuranceID()); err != nil {
		return nil, fmt.Errorf("failed to load insurance pointer: %w", err)
	}
	if req.Clinic, err = s.tenants.ClinicPointer(ctx, b.ClinicID()); err != nil {
		return nil, fmt.Errorf("failed to load clinic pointer: %w", err)
	}
	resolution, err := s.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	cfg := resolution.Config

	report := validate.Batch(cfg, b)
	if s.metrics != nil {
		s.metrics.ValidationViolations.WithLabelValues("critical").Add(float64(report.Critical))
		s.metrics.ValidationViolations.WithLabelValues("warning").Add(float64(report.Warnings))
	}
	if report.HasCritical() {
		return nil, &ValidationError{BatchID: batchID, Report: report}
	}

	document, err := s.encoder.Encode(b, cfg)
	if err != nil {
		return nil, err
	}

	key := storage.ObjectKey(b.ClinicID(), b.ID(), cfg.Version)
	url, err := s.upload(ctx, key, document)
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	entry, err := s.generatedEvent(b, cfg.Version, url)
	if err != nil {
		return nil, err
	}
	if err := s.batches.FinishGeneration(ctx, batchID, cfg.Version, url, entry); err != nil {
		return nil, err
	}

	var warnings []validate.Violation
	for _, v := range report.Violations {
		if v.Severity == validate.SeverityWarning {
			warnings = append(warnings, v)
		}
	}
	return &Result{
		BatchID:       batchID,
		Version:       cfg.Version,
		VersionSource: resolution.Source,
		DocumentURL:   url,
		Warnings:      warnings,
	}, nil
}

func (s *Service) upload(ctx context.Context, key string, document []byte) (string, error) {
	if s.breaker == nil {
		return s.store.Put(ctx, key, "application/xml", document)
	}
	url, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.store.Put(ctx, key, "application/xml", document)
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

// release decides where a failed batch lands. Cancellation means the caller
// gave up, not that the batch is bad: it goes back to CLOSED for a clean
// retry. Everything else is recorded as a failure.
func (s *Service) release(ctx context.Context, batchID string, cause error) {
	// The triggering context may already be dead.
	cleanup := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if err := s.batches.RevertToClosed(cleanup, batchID); err != nil {
			s.logger.Error("failed to revert cancelled batch",
				zap.String("batch_id", batchID), zap.Error(err))
		}
		return
	}
	if err := s.batches.RecordFailure(cleanup, batchID, cause.Error()); err != nil {
		s.logger.Error("failed to record batch failure",
			zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (s *Service) generatedEvent(b *batch.Batch, version, url string) (*postgres.OutboxEntry, error) {
	payload, err := json.Marshal(map[string]any{
		"batch_id":     b.ID(),
		"clinic_id":    b.ClinicID(),
		"insurance_id": b.InsuranceID(),
		"version":      version,
		"document_url": url,
		"guide_count":  len(b.Guides()),
		"total_cents":  b.TotalCents(),
		"generated_at": s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated event: %w", err)
	}
	return &postgres.OutboxEntry{
		AggregateID:   b.ID(),
		AggregateType: "claim_batch",
		EventType:     "batch.generated",
		Payload:       payload,
		KafkaTopic:    redpanda.TopicBatchEvents,
		KafkaKey:      b.ID(),
	}, nil
}
