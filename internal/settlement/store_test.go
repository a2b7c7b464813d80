package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/domain/batch"
)

// Reconciliation fires once no guide remains PENDING or INCLUDED, so every
// outcome a parser can emit must map to a settled guide status. An unmapped
// or unsettled outcome would strand batches in TRANSMITTED.
func TestEveryOutcomeSettlesItsGuide(t *testing.T) {
	open := []string{string(batch.GuidePending), string(batch.GuideIncluded)}

	for _, outcome := range []string{OutcomePaid, OutcomePartial, OutcomeDenied} {
		status, ok := outcomeGuideStatus[outcome]
		require.True(t, ok, "outcome %s has no guide status", outcome)
		assert.NotContains(t, open, status, "outcome %s leaves the guide open", outcome)
	}
}

func TestOutcomeMapping(t *testing.T) {
	assert.Equal(t, string(batch.GuidePaid), outcomeGuideStatus[OutcomePaid])
	assert.Equal(t, string(batch.GuidePaid), outcomeGuideStatus[OutcomePartial])
	assert.Equal(t, string(batch.GuideRejectedByOperator), outcomeGuideStatus[OutcomeDenied])
}
