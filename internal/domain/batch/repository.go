// Package batch provides the pgx-backed batch repository.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/infrastructure/postgres"
)

// Repository persists batches and guides. Batches are never hard-deleted;
// terminal states preserve the audit trail.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create inserts a draft batch and its guides in one transaction.
func (r *Repository) Create(ctx context.Context, b *Batch) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	meta, err := json.Marshal(b.Metadata())
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO batches (id, clinic_id, insurance_id, sequence, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, b.ID(), b.ClinicID(), b.InsuranceID(), b.Sequence(), b.Status(), meta); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, g := range b.Guides() {
		if err := insertGuide(ctx, tx, g); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertGuide(ctx context.Context, tx pgx.Tx, g *Guide) error {
	query := `
		INSERT INTO guides (id, batch_id, position, procedure_code, patient_name, patient_document, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		g.ID, g.BatchID, g.Position, g.ProcedureCode,
		g.PatientName, g.PatientDocument, g.AmountCents, g.Status,
	)
	if err != nil {
		return fmt.Errorf("insert guide %s: %w", g.ID, err)
	}
	return nil
}

// AppendGuide persists a guide added to a draft batch.
func (r *Repository) AppendGuide(ctx context.Context, g *Guide) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertGuide(ctx, tx, g); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Load retrieves a batch with its guides in insertion order.
func (r *Repository) Load(ctx context.Context, id string) (*Batch, error) {
	query := `
		SELECT id, clinic_id, insurance_id, sequence, status, COALESCE(version, ''),
		       COALESCE(document_url, ''), COALESCE(failure_cause, ''), metadata
		FROM batches
		WHERE id = $1
	`

	var batchID, clinicID, insuranceID string
	var sequence int64
	var status Status
	var version, documentURL, failCause string
	var metaRaw []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&batchID, &clinicID, &insuranceID, &sequence, &status,
		&version, &documentURL, &failCause, &metaRaw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{BatchID: id}
		}
		return nil, fmt.Errorf("load batch: %w", err)
	}

	metadata := make(map[string]string)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	guides, err := r.loadGuides(ctx, id)
	if err != nil {
		return nil, err
	}

	return Restore(batchID, clinicID, insuranceID, sequence, status, version, documentURL, failCause, metadata, guides), nil
}

func (r *Repository) loadGuides(ctx context.Context, batchID string) ([]*Guide, error) {
	query := `
		SELECT id, batch_id, position, procedure_code, patient_name,
		       COALESCE(patient_document, ''), amount_cents, status, last_return_at
		FROM guides
		WHERE batch_id = $1
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("load guides: %w", err)
	}
	defer rows.Close()

	var guides []*Guide
	for rows.Next() {
		g := &Guide{}
		err := rows.Scan(
			&g.ID, &g.BatchID, &g.Position, &g.ProcedureCode,
			&g.PatientName, &g.PatientDocument, &g.AmountCents, &g.Status, &g.LastReturnAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan guide: %w", err)
		}
		guides = append(guides, g)
	}
	return guides, rows.Err()
}

// BeginGeneration is the durable per-batch single-flight guard: a
// conditional CLOSED -> GENERATING update. A batch already GENERATING yields
// BatchBusyError; any other state yields a TransitionError.
func (r *Repository) BeginGeneration(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusGenerating, id, StatusClosed)
	if err != nil {
		return fmt.Errorf("begin generation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current Status
	err = r.pool.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{BatchID: id}
		}
		return fmt.Errorf("inspect batch status: %w", err)
	}
	if current == StatusGenerating {
		return &BatchBusyError{BatchID: id}
	}
	return &TransitionError{From: current, To: StatusGenerating}
}

// FinishGeneration marks a batch GENERATED, fixes its resolved version and
// document reference, and writes the lifecycle event to the outbox in the
// same transaction.
func (r *Repository) FinishGeneration(ctx context.Context, id, version, documentURL string, entry *postgres.OutboxEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batches
		SET status = $1, version = $2, document_url = $3, failure_cause = NULL,
		    generated_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5 AND (version IS NULL OR version = $2)
	`, StatusGenerated, version, documentURL, id, StatusGenerating)
	if err != nil {
		return fmt.Errorf("finish generation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &TransitionError{From: StatusGenerating, To: StatusGenerated, Reason: "batch state changed underneath generation"}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE guides SET status = $1 WHERE batch_id = $2 AND status = $3
	`, GuideIncluded, id, GuidePending); err != nil {
		return fmt.Errorf("mark guides included: %w", err)
	}

	if entry != nil {
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// RecordFailure moves a GENERATING batch to FAILED with its cause attached.
func (r *Repository) RecordFailure(ctx context.Context, id, cause string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = $1, failure_cause = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, StatusFailed, cause, id, StatusGenerating, StatusTransmitted)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// RevertToClosed returns a GENERATING or FAILED batch to CLOSED. Used on
// cancellation and for generation retries; guides stay intact.
func (r *Repository) RevertToClosed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batches
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, StatusClosed, id, StatusGenerating, StatusFailed)
	if err != nil {
		return fmt.Errorf("revert to closed: %w", err)
	}
	return nil
}

// UpdateStatus persists a lifecycle transition already validated on the
// aggregate (CLOSED, CANCELLED, TRANSMITTED, RECONCILED). The write is a
// compare-and-set against the status the aggregate was loaded with, so a
// concurrent writer cannot be silently overwritten: the in-memory guard
// alone would let a racing Cancel flip a row another request had already
// moved to GENERATING.
func (r *Repository) UpdateStatus(ctx context.Context, b *Batch) error {
	column := map[Status]string{
		StatusClosed:      "closed_at",
		StatusTransmitted: "transmitted_at",
		StatusReconciled:  "reconciled_at",
	}[b.Status()]

	query := `UPDATE batches SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	if column != "" {
		query = fmt.Sprintf(`UPDATE batches SET status = $1, %s = NOW(), updated_at = NOW() WHERE id = $2 AND status = $3`, column)
	}

	tag, err := r.pool.Exec(ctx, query, b.Status(), b.ID(), b.LoadedStatus())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		var current Status
		err = r.pool.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, b.ID()).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{BatchID: b.ID()}
			}
			return fmt.Errorf("inspect batch status: %w", err)
		}
		return &TransitionError{From: current, To: b.Status(), Reason: "batch changed since it was loaded"}
	}
	return nil
}

// GeneratedUnderVersionSince reports batch ids generated under the given
// version for any of the listed insurances or clinics after the instant.
// The migration rollback conflict check is built on this.
func (r *Repository) GeneratedUnderVersionSince(ctx context.Context, version string, insuranceIDs, clinicIDs []string, since time.Time) ([]string, error) {
	query := `
		SELECT id
		FROM batches
		WHERE version = $1
		  AND generated_at > $2
		  AND (insurance_id = ANY($3) OR clinic_id = ANY($4))
		ORDER BY generated_at ASC
	`

	rows, err := r.pool.Query(ctx, query, version, since, insuranceIDs, clinicIDs)
	if err != nil {
		return nil, fmt.Errorf("query generated batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
