package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draftBatch(t *testing.T) *Batch {
	t.Helper()
	b := New("batch-1", "clinic-1", "ins-1", 42)
	require.NoError(t, b.AddGuide(&Guide{ID: "g-1", ProcedureCode: "10101012", PatientName: "Maria da Silva", AmountCents: 15000}))
	require.NoError(t, b.AddGuide(&Guide{ID: "g-2", ProcedureCode: "10101020", PatientName: "Joao Pereira", AmountCents: 9900}))
	return b
}

func TestCloseRequiresGuides(t *testing.T) {
	b := New("batch-1", "clinic-1", "ins-1", 1)
	err := b.Close(0)
	assert.ErrorIs(t, err, ErrNoGuides)
}

func TestCloseRejectsCriticalViolations(t *testing.T) {
	b := draftBatch(t)
	err := b.Close(2)
	assert.ErrorIs(t, err, ErrCriticalViolations)
	assert.Equal(t, StatusDraft, b.Status())
}

func TestHappyPathLifecycle(t *testing.T) {
	b := draftBatch(t)

	require.NoError(t, b.Close(0))
	require.NoError(t, b.BeginGeneration())
	require.NoError(t, b.MarkGenerated("4.01.00", "gs://claims/batch-1.xml"))
	require.NoError(t, b.MarkTransmitted())
	require.NoError(t, b.MarkReconciled())

	assert.Equal(t, StatusReconciled, b.Status())
	assert.True(t, b.IsTerminal())
	assert.Equal(t, "4.01.00", b.Version())
	assert.Equal(t, "gs://claims/batch-1.xml", b.DocumentURL())
}

func TestGuidesAreOrderedAndSummed(t *testing.T) {
	b := draftBatch(t)

	guides := b.Guides()
	require.Len(t, guides, 2)
	assert.Equal(t, 0, guides[0].Position)
	assert.Equal(t, 1, guides[1].Position)
	assert.Equal(t, GuidePending, guides[0].Status)
	assert.Equal(t, int64(24900), b.TotalCents())
}

func TestFailedGenerationIsRetryable(t *testing.T) {
	b := draftBatch(t)
	require.NoError(t, b.Close(0))
	require.NoError(t, b.BeginGeneration())
	require.NoError(t, b.Fail("encoding error on guide g-2"))

	assert.Equal(t, StatusFailed, b.Status())
	assert.Equal(t, "encoding error on guide g-2", b.FailureCause())

	require.NoError(t, b.RevertToClosed())
	assert.Equal(t, StatusClosed, b.Status())
	// Guides survive the retry loop untouched.
	assert.Len(t, b.Guides(), 2)

	require.NoError(t, b.BeginGeneration())
	require.NoError(t, b.MarkGenerated("3.05.00", "gs://claims/batch-1.xml"))
}

func TestVersionIsImmutableAfterGeneration(t *testing.T) {
	b := draftBatch(t)
	require.NoError(t, b.Close(0))
	require.NoError(t, b.BeginGeneration())
	require.NoError(t, b.MarkGenerated("3.05.00", "gs://claims/a.xml"))
	require.NoError(t, b.MarkTransmitted())
	require.NoError(t, b.Fail("settlement anomaly"))
	require.NoError(t, b.RevertToClosed())
	require.NoError(t, b.BeginGeneration())

	err := b.MarkGenerated("4.01.00", "gs://claims/b.xml")
	var transition *TransitionError
	require.True(t, errors.As(err, &transition))
}

func TestCancelOnlyBeforeGeneration(t *testing.T) {
	b := draftBatch(t)
	require.NoError(t, b.Close(0))
	require.NoError(t, b.Cancel())
	assert.True(t, b.IsTerminal())

	generated := draftBatch(t)
	require.NoError(t, generated.Close(0))
	require.NoError(t, generated.BeginGeneration())
	require.NoError(t, generated.MarkGenerated("4.01.00", "gs://claims/x.xml"))

	err := generated.Cancel()
	var transition *TransitionError
	require.True(t, errors.As(err, &transition))
}

func TestAddGuideOnlyInDraft(t *testing.T) {
	b := draftBatch(t)
	require.NoError(t, b.Close(0))

	err := b.AddGuide(&Guide{ID: "g-3", ProcedureCode: "10101039", PatientName: "Ana Souza", AmountCents: 100})
	require.Error(t, err)
	assert.Len(t, b.Guides(), 2)
}

func TestLoadedStatusAnchorsPersistenceGuard(t *testing.T) {
	// The repository's status writes compare-and-set against the status the
	// aggregate was loaded with. In-memory transitions must not move that
	// anchor, otherwise a racing writer's change would be overwritten.
	b := Restore("batch-1", "clinic-1", "ins-1", 1, StatusClosed, "", "", "", nil, []*Guide{
		{ID: "g-1", ProcedureCode: "10101012", PatientName: "Maria da Silva", AmountCents: 100, Status: GuidePending},
	})

	require.NoError(t, b.Cancel())

	assert.Equal(t, StatusCancelled, b.Status())
	assert.Equal(t, StatusClosed, b.LoadedStatus())
}

func TestNewBatchLoadedStatusIsDraft(t *testing.T) {
	b := New("batch-1", "clinic-1", "ins-1", 1)
	assert.Equal(t, StatusDraft, b.LoadedStatus())
}
