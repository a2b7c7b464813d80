// Package integration provides end-to-end tests for the claims engine.
package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/settlement"
	"github.com/claimware/go-tiss/internal/storage"
	"github.com/claimware/go-tiss/internal/tiss/codec"
	"github.com/claimware/go-tiss/internal/tiss/registry"
	"github.com/claimware/go-tiss/internal/tiss/resolve"
	"github.com/claimware/go-tiss/internal/tiss/validate"
)

// Builds a batch, resolves the version as of a given instant, validates,
// encodes and parses a matching settlement return, exercising the pipeline
// end to end without a database.
func TestBatchLifecycleAcrossVersions(t *testing.T) {
	reg := registry.Default()
	resolver := resolve.New(reg)
	encoder := codec.NewEncoder()
	docs := storage.NewMemoryStore()

	b := batch.New("batch-e2e", "clinic-9", "ins-9", 1001)
	require.NoError(t, b.SetMetadata("registry_id", "ANS-300700"))
	require.NoError(t, b.SetMetadata("privacy_consent_ref", "LGPD-2026-011"))
	require.NoError(t, b.AddGuide(&batch.Guide{
		ID:              "guide-1",
		ProcedureCode:   "10101012",
		PatientName:     "Ana Beatriz Costa",
		PatientDocument: "39053344705",
		AmountCents:     250050,
	}))
	require.NoError(t, b.AddGuide(&batch.Guide{
		ID:              "guide-2",
		ProcedureCode:   "40304361",
		PatientName:     "Carlos Eduardo Lima",
		PatientDocument: "12345678909",
		AmountCents:     9900,
	}))

	// During the overlap window the newer version wins the fallback.
	resolution, err := resolver.Resolve(resolve.Request{
		Now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, registry.Version401, resolution.Config.Version)

	report := validate.Batch(resolution.Config, b)
	require.False(t, report.HasCritical(), "report: %+v", report.Violations)

	require.NoError(t, b.Close(report.Critical))
	require.NoError(t, b.BeginGeneration())

	document, err := encoder.Encode(b, resolution.Config)
	require.NoError(t, err)

	key := storage.ObjectKey(b.ClinicID(), b.ID(), resolution.Config.Version)
	url, err := docs.Put(context.Background(), key, "application/xml", document)
	require.NoError(t, err)
	require.NoError(t, b.MarkGenerated(resolution.Config.Version, url))

	xml := string(document)
	assert.Contains(t, xml, `version="4.01.00"`)
	assert.Contains(t, xml, "0010101012") // eight-digit code padded to ten
	assert.Contains(t, xml, "A.B.C")      // initials under the privacy rule
	assert.NotContains(t, xml, "Ana Beatriz Costa")
	assert.Contains(t, xml, "2599.50") // 250050 + 9900 cents

	// Regeneration under a different version is refused once pinned.
	_, err = encoder.Encode(b, mustConfig(t, reg, registry.Version305))
	var mismatch *codec.VersionMismatchError
	require.ErrorAs(t, err, &mismatch)

	require.NoError(t, b.MarkTransmitted())

	// The operator's return closes the loop.
	returnFile := strings.Join([]string{
		"SAUDECOOP,2026-02-20",
		"guide-1,PAID,2500.50,,2026-02-20T09:00:00Z",
		"guide-2,DENIED,0,N404,2026-02-20T09:00:01Z",
	}, "\n")

	parsed, err := settlement.DefaultRegistry().Parse(context.Background(), "saudecoop", strings.NewReader(returnFile))
	require.NoError(t, err)
	require.Len(t, parsed.Records, 2)
	assert.Equal(t, int64(250050), parsed.Records[0].PaidCents)
	assert.Equal(t, settlement.OutcomeDenied, parsed.Records[1].StatusCode)

	require.NoError(t, b.MarkReconciled())
	assert.True(t, b.IsTerminal())
}

// Before the overlap window opens, the same batch bills under the prior
// version with full patient names.
func TestFallbackBeforeOverlapUsesPriorVersion(t *testing.T) {
	resolver := resolve.New(registry.Default())

	resolution, err := resolver.Resolve(resolve.Request{
		Now: time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, registry.Version305, resolution.Config.Version)

	b := batch.New("batch-305", "clinic-9", "ins-9", 1002)
	require.NoError(t, b.SetMetadata("registry_id", "ANS-300700"))
	require.NoError(t, b.AddGuide(&batch.Guide{
		ID:            "guide-3",
		ProcedureCode: "10101012",
		PatientName:   "Ana Beatriz Costa",
		AmountCents:   10000,
	}))
	require.NoError(t, b.Close(0))
	require.NoError(t, b.BeginGeneration())

	document, err := codec.NewEncoder().Encode(b, resolution.Config)
	require.NoError(t, err)

	xml := string(document)
	assert.Contains(t, xml, `version="3.05.00"`)
	assert.Contains(t, xml, "10101012") // eight-digit width, no extra padding
	assert.NotContains(t, xml, "0010101012")
	assert.Contains(t, xml, "Ana Beatriz Costa")
}

func mustConfig(t *testing.T, reg *registry.Registry, version string) *registry.VersionConfig {
	t.Helper()
	cfg, err := reg.ConfigFor(version)
	require.NoError(t, err)
	return cfg
}
