package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// BatchLookup answers whether any batches were generated under a version
// for the given tenants after an instant. Used for rollback safety.
type BatchLookup interface {
	GeneratedUnderVersionSince(ctx context.Context, version string, insuranceIDs, clinicIDs []string, since time.Time) ([]string, error)
}

// Scheduler owns the cutover lifecycle: status checks, the migration run,
// and rollback. Exclusivity comes from a session advisory lock keyed by the
// cutover instant plus a unique constraint on migration_jobs.cutover_at, so
// two racing processes can never both complete.
type Scheduler struct {
	pool        *pgxpool.Pool
	batches     BatchLookup
	logger      *zap.Logger
	fromVersion string
	toVersion   string
	cutoverAt   time.Time
}

func NewScheduler(pool *pgxpool.Pool, batches BatchLookup, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, _ := registry.Default().ConfigFor(registry.Version401)
	return &Scheduler{
		pool:        pool,
		batches:     batches,
		logger:      logger,
		fromVersion: registry.Version305,
		toVersion:   registry.Version401,
		cutoverAt:   cfg.EffectiveFrom,
	}
}

func (s *Scheduler) lockKey() int64 {
	return s.cutoverAt.Unix()
}

// CheckStatus reports the cutover state without acquiring locks or writing
// anything. Safe to poll.
func (s *Scheduler) CheckStatus(ctx context.Context, now time.Time) (*Status, error) {
	status := &Status{CutoverAt: s.cutoverAt}

	job, err := s.loadJobByCutover(ctx)
	if err != nil {
		return nil, err
	}
	status.Job = job

	remaining, err := s.countRemaining(ctx)
	if err != nil {
		return nil, err
	}
	status.Remaining = remaining

	switch {
	case job != nil:
		status.State = job.Status
	case now.Before(s.cutoverAt):
		status.State = StatusNotDue
	default:
		status.State = StatusDue
	}
	return status, nil
}

// Migrate executes the cutover. Idempotent: a second call after completion
// returns the completed job without touching any pointer. Concurrent calls
// lose the advisory lock and get InProgressError.
func (s *Scheduler) Migrate(ctx context.Context, now time.Time) (*Job, error) {
	// Before the cutover the run is a no-op, mirroring CheckStatus.
	if now.Before(s.cutoverAt) {
		return &Job{
			FromVersion: s.fromVersion,
			ToVersion:   s.toVersion,
			CutoverAt:   s.cutoverAt,
			Status:      StatusNotDue,
		}, nil
	}

	// The advisory lock must live on a single connection for the whole run.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", s.lockKey()).Scan(&acquired); err != nil {
		return nil, fmt.Errorf("failed to acquire cutover lock: %w", err)
	}
	if !acquired {
		return nil, &InProgressError{CutoverAt: s.cutoverAt}
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", s.lockKey())

	if existing, err := s.loadJobByCutover(ctx); err != nil {
		return nil, err
	} else if existing != nil && existing.Status == StatusCompleted {
		s.logger.Info("cutover already completed, skipping",
			zap.String("job_id", existing.ID))
		return existing, nil
	}

	job := &Job{
		ID:          uuid.New().String(),
		FromVersion: s.fromVersion,
		ToVersion:   s.toVersion,
		CutoverAt:   s.cutoverAt,
		Status:      StatusRunning,
		StartedAt:   now.UTC(),
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO migration_jobs (id, from_version, to_version, cutover_at, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.FromVersion, job.ToVersion, job.CutoverAt, job.Status, job.StartedAt,
	)
	if err != nil {
		return nil, s.classifyJobInsertError(err)
	}

	migrated := 0
	for _, entity := range []string{"insurance", "clinic"} {
		n, err := s.migrateEntities(ctx, tx, job.ID, entity)
		if err != nil {
			return nil, err
		}
		migrated += n
	}

	finished := time.Now().UTC()
	job.Status = StatusCompleted
	job.FinishedAt = &finished
	job.Migrated = migrated

	_, err = tx.Exec(ctx, `
		UPDATE migration_jobs SET status = $1, finished_at = $2, migrated = $3 WHERE id = $4`,
		job.Status, finished, migrated, job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete migration job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cutover: %w", err)
	}

	s.logger.Info("cutover completed",
		zap.String("job_id", job.ID),
		zap.String("from", job.FromVersion),
		zap.String("to", job.ToVersion),
		zap.Int("migrated", migrated))
	return job, nil
}

// migrateEntities snapshots then flips every pointer still on the old
// version for one entity table. Snapshot insert and pointer update happen
// in the caller's transaction.
func (s *Scheduler) migrateEntities(ctx context.Context, tx pgx.Tx, jobID, entityType string) (int, error) {
	table := entityType + "s" // insurances, clinics

	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO migration_snapshots (job_id, entity_type, entity_id, previous_version)
		SELECT $1, $2, id, tiss_version FROM %s WHERE tiss_version = $3`, table),
		jobID, entityType, s.fromVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot %s pointers: %w", entityType, err)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET tiss_version = $1 WHERE tiss_version = $2`, table),
		s.toVersion, s.fromVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s pointers: %w", entityType, err)
	}
	return int(tag.RowsAffected()), nil
}

// Rollback restores every snapshot of a completed job, unless any batch was
// generated under the new version for a migrated tenant since the job
// started. Generated documents pin their tenants to the new version. The
// cutover advisory lock serializes rollback against a concurrent Migrate,
// and the conflict check runs again right before commit so a batch
// generated while the restore was underway still blocks it.
func (s *Scheduler) Rollback(ctx context.Context, jobID string) (*Job, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", s.lockKey()).Scan(&acquired); err != nil {
		return nil, fmt.Errorf("failed to acquire cutover lock: %w", err)
	}
	if !acquired {
		return nil, &InProgressError{CutoverAt: s.cutoverAt}
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", s.lockKey())

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != StatusCompleted {
		return nil, &JobNotFoundError{JobID: jobID}
	}

	snapshots, err := s.loadSnapshots(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var insuranceIDs, clinicIDs []string
	for _, snap := range snapshots {
		switch snap.EntityType {
		case "insurance":
			insuranceIDs = append(insuranceIDs, snap.EntityID)
		case "clinic":
			clinicIDs = append(clinicIDs, snap.EntityID)
		}
	}

	if err := s.checkRollbackConflicts(ctx, job, insuranceIDs, clinicIDs); err != nil {
		return nil, err
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, entity := range []string{"insurance", "clinic"} {
		table := entity + "s"
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s t
			SET tiss_version = snap.previous_version
			FROM migration_snapshots snap
			WHERE snap.job_id = $1 AND snap.entity_type = $2 AND snap.entity_id = t.id`, table),
			jobID, entity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s pointers: %w", entity, err)
		}
	}

	finished := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE migration_jobs SET status = $1, finished_at = $2 WHERE id = $3`,
		StatusRolledBack, finished, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job rolled back: %w", err)
	}

	// A generation that finished after the first check would otherwise
	// survive the restore.
	if err := s.checkRollbackConflicts(ctx, job, insuranceIDs, clinicIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit rollback: %w", err)
	}

	job.Status = StatusRolledBack
	job.FinishedAt = &finished
	s.logger.Info("cutover rolled back",
		zap.String("job_id", jobID),
		zap.Int("restored", len(snapshots)))
	return job, nil
}

// classifyJobInsertError maps the unique constraint on
// migration_jobs.cutover_at to InProgressError. The constraint is the
// second line of defense behind the advisory lock: even if two processes
// slip past the lock, only one job row can ever exist per cutover.
func (s *Scheduler) classifyJobInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &InProgressError{CutoverAt: s.cutoverAt}
	}
	return fmt.Errorf("failed to create migration job: %w", err)
}

// checkRollbackConflicts refuses rollback when any batch was generated
// under the new version for a migrated tenant after the job started.
func (s *Scheduler) checkRollbackConflicts(ctx context.Context, job *Job, insuranceIDs, clinicIDs []string) error {
	generated, err := s.batches.GeneratedUnderVersionSince(ctx, job.ToVersion, insuranceIDs, clinicIDs, job.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to check generated batches: %w", err)
	}
	if len(generated) > 0 {
		return &ConflictError{JobID: job.ID, GeneratedCount: len(generated)}
	}
	return nil
}

func (s *Scheduler) loadJobByCutover(ctx context.Context) (*Job, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, from_version, to_version, cutover_at, status, started_at, finished_at, migrated
		FROM migration_jobs WHERE cutover_at = $1`, s.cutoverAt))
}

func (s *Scheduler) loadJob(ctx context.Context, jobID string) (*Job, error) {
	return s.scanJob(s.pool.QueryRow(ctx, `
		SELECT id, from_version, to_version, cutover_at, status, started_at, finished_at, migrated
		FROM migration_jobs WHERE id = $1`, jobID))
}

func (s *Scheduler) scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	err := row.Scan(&job.ID, &job.FromVersion, &job.ToVersion, &job.CutoverAt,
		&job.Status, &job.StartedAt, &job.FinishedAt, &job.Migrated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load migration job: %w", err)
	}
	return job, nil
}

func (s *Scheduler) loadSnapshots(ctx context.Context, jobID string) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, previous_version
		FROM migration_snapshots WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		if err := rows.Scan(&snap.EntityType, &snap.EntityID, &snap.PreviousVersion); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (s *Scheduler) countRemaining(ctx context.Context) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM insurances WHERE tiss_version = $1)
		     + (SELECT COUNT(*) FROM clinics WHERE tiss_version = $1)`,
		s.fromVersion,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining tenants: %w", err)
	}
	return remaining, nil
}
