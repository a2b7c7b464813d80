package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimware/go-tiss/internal/domain/batch"
)

// Store persists parsed return records and folds them into guide state.
// Records are append-only; guides converge via latest-wins on record time.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// MergeResult reports how a file's records landed against guide state.
type MergeResult struct {
	Inserted          int
	GuidesUpdated     int
	StaleSkipped      int
	BatchesReconciled []string
}

// guide statuses derived from settlement outcomes. Partial payments still
// count as paid; the paid amount carries the shortfall.
var outcomeGuideStatus = map[string]string{
	OutcomePaid:    string(batch.GuidePaid),
	OutcomePartial: string(batch.GuidePaid),
	OutcomeDenied:  string(batch.GuideRejectedByOperator),
}

// Apply inserts the file's records and updates each referenced guide,
// atomically. A record only moves a guide forward when its record time is
// at or after the guide's last applied return; older records are kept for
// audit but skipped during the merge. Batches whose guides have all settled
// move TRANSMITTED to RECONCILED in the same transaction.
func (s *Store) Apply(ctx context.Context, fileKey string, header *FileHeader, records []*ReturnRecord) (*MergeResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &MergeResult{}
	now := time.Now().UTC()
	touched := make(map[string]struct{})

	for _, rec := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO settlement_returns (
				file_key, operator, guide_id, status_code, paid_cents,
				denial_code, record_time, line_number, raw_line, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			fileKey, header.Operator, rec.GuideID, rec.StatusCode, rec.PaidCents,
			nullIfEmpty(rec.DenialCode), rec.RecordTime, rec.LineNumber, rec.RawLine, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert return record for guide %s: %w", rec.GuideID, err)
		}
		result.Inserted++

		var batchID string
		err = tx.QueryRow(ctx, `
			UPDATE guides
			SET status = $1, paid_cents = $2, denial_code = $3, last_return_at = $4
			WHERE id = $5
			  AND (last_return_at IS NULL OR last_return_at <= $4)
			RETURNING batch_id`,
			outcomeGuideStatus[rec.StatusCode], rec.PaidCents, nullIfEmpty(rec.DenialCode),
			rec.RecordTime, rec.GuideID,
		).Scan(&batchID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result.StaleSkipped++
		case err != nil:
			return nil, fmt.Errorf("failed to apply return to guide %s: %w", rec.GuideID, err)
		default:
			result.GuidesUpdated++
			touched[batchID] = struct{}{}
		}
	}

	for batchID := range touched {
		reconciled, err := s.reconcile(ctx, tx, batchID, now)
		if err != nil {
			return nil, err
		}
		if reconciled {
			result.BatchesReconciled = append(result.BatchesReconciled, batchID)
		}
	}
	sort.Strings(result.BatchesReconciled)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement merge: %w", err)
	}
	return result, nil
}

// reconcile closes the lifecycle loop for one batch: once every guide has
// left PENDING and INCLUDED, a TRANSMITTED batch becomes RECONCILED. The
// guard repeats the aggregate's transition rule at the row level so a
// concurrent writer cannot reconcile a batch in any other state.
func (s *Store) reconcile(ctx context.Context, tx pgx.Tx, batchID string, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE batches b
		SET status = $1, updated_at = $2
		WHERE b.id = $3
		  AND b.status = $4
		  AND NOT EXISTS (
			SELECT 1 FROM guides g
			WHERE g.batch_id = b.id AND g.status = ANY($5)
		  )`,
		string(batch.StatusReconciled), now, batchID,
		string(batch.StatusTransmitted),
		[]string{string(batch.GuidePending), string(batch.GuideIncluded)},
	)
	if err != nil {
		return false, fmt.Errorf("failed to reconcile batch %s: %w", batchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReturnsForGuide lists the audit trail of returns for one guide, newest
// record time first.
func (s *Store) ReturnsForGuide(ctx context.Context, guideID string) ([]*ReturnRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guide_id, status_code, paid_cents, COALESCE(denial_code, ''),
		       record_time, line_number, raw_line
		FROM settlement_returns
		WHERE guide_id = $1
		ORDER BY record_time DESC, line_number DESC`,
		guideID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query returns for guide %s: %w", guideID, err)
	}
	defer rows.Close()

	var records []*ReturnRecord
	for rows.Next() {
		rec := &ReturnRecord{}
		if err := rows.Scan(&rec.GuideID, &rec.StatusCode, &rec.PaidCents, &rec.DenialCode,
			&rec.RecordTime, &rec.LineNumber, &rec.RawLine); err != nil {
			return nil, fmt.Errorf("failed to scan return record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
