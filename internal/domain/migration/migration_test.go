package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// fakeLookup stands in for the batch repository during conflict checks.
type fakeLookup struct {
	generated []string
	err       error

	gotVersion    string
	gotInsurances []string
	gotClinics    []string
	gotSince      time.Time
	calls         int
}

func (f *fakeLookup) GeneratedUnderVersionSince(_ context.Context, version string, insuranceIDs, clinicIDs []string, since time.Time) ([]string, error) {
	f.calls++
	f.gotVersion = version
	f.gotInsurances = insuranceIDs
	f.gotClinics = clinicIDs
	f.gotSince = since
	return f.generated, f.err
}

func TestMigrateBeforeCutoverIsNoOp(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	job, err := s.Migrate(context.Background(), time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, StatusNotDue, job.Status)
	assert.Equal(t, s.cutoverAt, job.CutoverAt)
	assert.Empty(t, job.ID) // nothing was created
	assert.Equal(t, registry.Version305, job.FromVersion)
	assert.Equal(t, registry.Version401, job.ToVersion)
}

func TestCutoverInstantMatchesSuccessorActivation(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	cfg, err := registry.Default().ConfigFor(registry.Version401)
	require.NoError(t, err)

	assert.Equal(t, cfg.EffectiveFrom, s.cutoverAt)
	assert.Equal(t, registry.Version305, s.fromVersion)
	assert.Equal(t, registry.Version401, s.toVersion)
}

func TestLockKeyIsStablePerCutover(t *testing.T) {
	a := NewScheduler(nil, nil, nil)
	b := NewScheduler(nil, nil, nil)

	assert.Equal(t, a.lockKey(), b.lockKey())
	assert.Equal(t, a.cutoverAt.Unix(), a.lockKey())
}

func TestRollbackConflictCheckRefusesGeneratedBatches(t *testing.T) {
	lookup := &fakeLookup{generated: []string{"batch-1", "batch-2"}}
	s := NewScheduler(nil, lookup, nil)

	started := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	job := &Job{ID: "job-1", FromVersion: s.fromVersion, ToVersion: s.toVersion, StartedAt: started}

	err := s.checkRollbackConflicts(context.Background(), job, []string{"ins-1"}, []string{"cl-1"})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "job-1", conflict.JobID)
	assert.Equal(t, 2, conflict.GeneratedCount)

	// The check scopes to the new version, the migrated tenants, and the
	// window since the job started.
	assert.Equal(t, registry.Version401, lookup.gotVersion)
	assert.Equal(t, []string{"ins-1"}, lookup.gotInsurances)
	assert.Equal(t, []string{"cl-1"}, lookup.gotClinics)
	assert.Equal(t, started, lookup.gotSince)
}

func TestRollbackConflictCheckPassesWhenNothingGenerated(t *testing.T) {
	lookup := &fakeLookup{}
	s := NewScheduler(nil, lookup, nil)

	job := &Job{ID: "job-1", ToVersion: s.toVersion, StartedAt: time.Now().UTC()}

	require.NoError(t, s.checkRollbackConflicts(context.Background(), job, nil, nil))
	assert.Equal(t, 1, lookup.calls)
}

func TestDuplicateJobInsertMapsToInProgress(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	// Only one job row can exist per cutover instant; a second insert hits
	// the unique constraint and surfaces as the cutover already running.
	err := s.classifyJobInsertError(&pgconn.PgError{Code: "23505", ConstraintName: "migration_jobs_cutover_at_key"})

	var inProgress *InProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, s.cutoverAt, inProgress.CutoverAt)

	plain := s.classifyJobInsertError(errors.New("connection reset"))
	assert.NotErrorAs(t, plain, &inProgress)
}

func TestConflictErrorNamesTheJob(t *testing.T) {
	err := &ConflictError{JobID: "job-1", GeneratedCount: 3}

	assert.Contains(t, err.Error(), "job-1")
	assert.Contains(t, err.Error(), "3 batches")
}
