package generation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/infrastructure/postgres"
	"github.com/claimware/go-tiss/internal/storage"
	"github.com/claimware/go-tiss/internal/tiss/registry"
	"github.com/claimware/go-tiss/internal/tiss/resolve"
)

// fakeBatchStore drives the real aggregate through the same transitions the
// SQL repository performs.
type fakeBatchStore struct {
	batches  map[string]*batch.Batch
	outbox   []*postgres.OutboxEntry
	finishAt string // batch ID whose FinishGeneration should fail
}

func newFakeBatchStore(batches ...*batch.Batch) *fakeBatchStore {
	s := &fakeBatchStore{batches: make(map[string]*batch.Batch)}
	for _, b := range batches {
		s.batches[b.ID()] = b
	}
	return s
}

func (s *fakeBatchStore) Load(_ context.Context, id string) (*batch.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, &batch.NotFoundError{BatchID: id}
	}
	return b, nil
}

func (s *fakeBatchStore) BeginGeneration(_ context.Context, id string) error {
	b, ok := s.batches[id]
	if !ok {
		return &batch.NotFoundError{BatchID: id}
	}
	if b.Status() == batch.StatusGenerating {
		return &batch.BatchBusyError{BatchID: id}
	}
	return b.BeginGeneration()
}

func (s *fakeBatchStore) FinishGeneration(_ context.Context, id, version, documentURL string, entry *postgres.OutboxEntry) error {
	if id == s.finishAt {
		return fmt.Errorf("storage write lost")
	}
	b := s.batches[id]
	if err := b.MarkGenerated(version, documentURL); err != nil {
		return err
	}
	s.outbox = append(s.outbox, entry)
	return nil
}

func (s *fakeBatchStore) RecordFailure(_ context.Context, id, cause string) error {
	return s.batches[id].Fail(cause)
}

func (s *fakeBatchStore) RevertToClosed(_ context.Context, id string) error {
	return s.batches[id].RevertToClosed()
}

type fakeTenants struct {
	insurance *resolve.TenantPointer
	clinic    *resolve.TenantPointer
}

func (t *fakeTenants) InsurancePointer(_ context.Context, _ string) (*resolve.TenantPointer, error) {
	return t.insurance, nil
}

func (t *fakeTenants) ClinicPointer(_ context.Context, _ string) (*resolve.TenantPointer, error) {
	return t.clinic, nil
}

func overlapClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	}
}

func closedBatch(t *testing.T, id string) *batch.Batch {
	t.Helper()
	b := batch.New(id, "clinic-1", "ins-1", 42)
	require.NoError(t, b.SetMetadata("registry_id", "REG-001"))
	require.NoError(t, b.SetMetadata("privacy_consent_ref", "CONSENT-9"))
	require.NoError(t, b.AddGuide(&batch.Guide{
		ID:              "g-1",
		ProcedureCode:   "10101012",
		PatientName:     "Maria da Silva",
		PatientDocument: "12345678900",
		AmountCents:     150075,
	}))
	require.NoError(t, b.Close(0))
	return b
}

func newTestService(store BatchStore, tenants TenantDirectory, docs storage.DocumentStore) *Service {
	return NewService(store, tenants, resolve.New(registry.Default()), docs, nil,
		WithClock(overlapClock()))
}

func TestGenerateHappyPath(t *testing.T) {
	b := closedBatch(t, "b-1")
	batches := newFakeBatchStore(b)
	docs := storage.NewMemoryStore()
	svc := newTestService(batches, &fakeTenants{
		insurance: &resolve.TenantPointer{ID: "ins-1", Version: registry.Version401},
	}, docs)

	result, err := svc.Generate(context.Background(), "b-1", "")
	require.NoError(t, err)

	assert.Equal(t, registry.Version401, result.Version)
	assert.Equal(t, "insurance", result.VersionSource)
	assert.Equal(t, batch.StatusGenerated, b.Status())
	assert.Equal(t, result.DocumentURL, b.DocumentURL())

	data, ok := docs.Get(storage.ObjectKey("clinic-1", "b-1", registry.Version401))
	require.True(t, ok)
	assert.Contains(t, string(data), "0010101012") // padded to ten digits
	assert.Contains(t, string(data), "M.D.S")

	require.Len(t, batches.outbox, 1)
	assert.Equal(t, "batch.generated", batches.outbox[0].EventType)
	assert.Equal(t, "b-1", batches.outbox[0].KafkaKey)
}

func TestGenerateForcedVersionWins(t *testing.T) {
	b := closedBatch(t, "b-2")
	svc := newTestService(newFakeBatchStore(b), &fakeTenants{
		insurance: &resolve.TenantPointer{ID: "ins-1", Version: registry.Version401},
	}, storage.NewMemoryStore())

	result, err := svc.Generate(context.Background(), "b-2", registry.Version305)
	require.NoError(t, err)

	assert.Equal(t, registry.Version305, result.Version)
	assert.Equal(t, "forced", result.VersionSource)
}

func TestGenerateBusyBatchIsRejected(t *testing.T) {
	b := closedBatch(t, "b-3")
	require.NoError(t, b.BeginGeneration())
	svc := newTestService(newFakeBatchStore(b), &fakeTenants{}, storage.NewMemoryStore())

	_, err := svc.Generate(context.Background(), "b-3", "")

	var busy *batch.BatchBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "b-3", busy.BatchID)
}

func TestGenerateCriticalViolationFailsBatch(t *testing.T) {
	b := batch.New("b-4", "clinic-1", "ins-1", 7)
	require.NoError(t, b.SetMetadata("registry_id", "REG-001"))
	require.NoError(t, b.AddGuide(&batch.Guide{
		ID:            "g-bad",
		ProcedureCode: "not-a-code",
		PatientName:   "Jo",
		AmountCents:   100,
	}))
	require.NoError(t, b.Close(0))

	batches := newFakeBatchStore(b)
	svc := newTestService(batches, &fakeTenants{}, storage.NewMemoryStore())

	_, err := svc.Generate(context.Background(), "b-4", "")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Report.HasCritical())
	assert.Equal(t, batch.StatusFailed, b.Status())
	assert.Empty(t, batches.outbox)

	// Validation reports carry the offending codes for the caller.
	codes := make([]string, 0, len(verr.Report.Violations))
	for _, v := range verr.Report.Violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, "PROCEDURE_CODE_NOT_NUMERIC")
}

func TestGenerateCancellationRevertsToClosed(t *testing.T) {
	b := closedBatch(t, "b-5")
	ctx, cancel := context.WithCancel(context.Background())
	svc := newTestService(newFakeBatchStore(b), &fakeTenants{}, &cancellingStore{cancel: cancel})

	_, err := svc.Generate(ctx, "b-5", "")

	require.Error(t, err)
	assert.Equal(t, batch.StatusClosed, b.Status())
	assert.Empty(t, b.FailureCause())
}

// cancellingStore cancels the surrounding context and fails, simulating an
// upload interrupted by shutdown.
type cancellingStore struct {
	cancel context.CancelFunc
}

func (s *cancellingStore) Put(ctx context.Context, _ string, _ string, _ []byte) (string, error) {
	if s.cancel != nil {
		s.cancel()
	}
	return "", ctx.Err()
}

func TestGenerateFinishFailureRecordsCause(t *testing.T) {
	b := closedBatch(t, "b-6")
	batches := newFakeBatchStore(b)
	batches.finishAt = "b-6"
	svc := newTestService(batches, &fakeTenants{}, storage.NewMemoryStore())

	_, err := svc.Generate(context.Background(), "b-6", "")

	require.Error(t, err)
	assert.Equal(t, batch.StatusFailed, b.Status())
	assert.Contains(t, b.FailureCause(), "storage write lost")
}

func TestGenerateAfterFailureRetriesCleanly(t *testing.T) {
	b := closedBatch(t, "b-7")
	batches := newFakeBatchStore(b)
	batches.finishAt = "b-7"
	svc := newTestService(batches, &fakeTenants{}, storage.NewMemoryStore())

	_, err := svc.Generate(context.Background(), "b-7", "")
	require.Error(t, err)
	require.NoError(t, b.RevertToClosed())

	batches.finishAt = ""
	result, err := svc.Generate(context.Background(), "b-7", "")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusGenerated, b.Status())
	assert.NotEmpty(t, result.DocumentURL)
}

func TestGenerateUnknownBatch(t *testing.T) {
	svc := newTestService(newFakeBatchStore(), &fakeTenants{}, storage.NewMemoryStore())

	_, err := svc.Generate(context.Background(), "missing", "")

	var notFound *batch.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGenerateForcedInactiveVersion(t *testing.T) {
	b := closedBatch(t, "b-8")
	batches := newFakeBatchStore(b)
	svc := NewService(batches, &fakeTenants{}, resolve.New(registry.Default()), storage.NewMemoryStore(), nil,
		WithClock(func() time.Time {
			return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) // 3.05 sunset
		}))

	_, err := svc.Generate(context.Background(), "b-8", registry.Version305)

	var inactive *resolve.VersionNotActiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, batch.StatusFailed, b.Status())
}
