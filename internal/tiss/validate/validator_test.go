package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/tiss/codec"
	"github.com/claimware/go-tiss/internal/tiss/registry"
)

func configFor(t *testing.T, version string) *registry.VersionConfig {
	t.Helper()
	cfg, err := registry.Default().ConfigFor(version)
	require.NoError(t, err)
	return cfg
}

func TestGuideChecks(t *testing.T) {
	v305 := configFor(t, registry.Version305)
	v401 := configFor(t, registry.Version401)

	tests := []struct {
		name     string
		cfg      *registry.VersionConfig
		guide    batch.Guide
		wantCode string
		severity Severity
	}{
		{
			name:     "missing procedure code",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", PatientName: "Maria Silva", PatientDocument: "123", AmountCents: 100},
			wantCode: "PROCEDURE_CODE_MISSING",
			severity: SeverityCritical,
		},
		{
			name:     "non numeric code",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", ProcedureCode: "1010A012", PatientName: "Maria Silva", PatientDocument: "123", AmountCents: 100},
			wantCode: "PROCEDURE_CODE_NOT_NUMERIC",
			severity: SeverityCritical,
		},
		{
			name:     "code wider than version width",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", ProcedureCode: "101010123", PatientName: "Maria Silva", PatientDocument: "123", AmountCents: 100},
			wantCode: "PROCEDURE_CODE_TOO_WIDE",
			severity: SeverityCritical,
		},
		{
			name:     "empty patient identity",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", ProcedureCode: "10101012", PatientName: "   ", PatientDocument: "123", AmountCents: 100},
			wantCode: "PATIENT_IDENTITY_MISSING",
			severity: SeverityCritical,
		},
		{
			name:     "initials not derivable under LGPD mode",
			cfg:      v401,
			guide:    batch.Guide{ID: "g", ProcedureCode: "1010101234", PatientName: "12345", PatientDocument: "123", AmountCents: 100},
			wantCode: "PATIENT_INITIALS_NOT_DERIVABLE",
			severity: SeverityCritical,
		},
		{
			name:     "non positive amount",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", ProcedureCode: "10101012", PatientName: "Maria Silva", PatientDocument: "123", AmountCents: 0},
			wantCode: "AMOUNT_NOT_POSITIVE",
			severity: SeverityCritical,
		},
		{
			name:     "missing patient document is a warning",
			cfg:      v305,
			guide:    batch.Guide{ID: "g", ProcedureCode: "10101012", PatientName: "Maria Silva", AmountCents: 100},
			wantCode: "PATIENT_DOCUMENT_MISSING",
			severity: SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := Guide(tt.cfg, &tt.guide)
			require.NotEmpty(t, violations)

			found := false
			for _, v := range violations {
				if v.Code == tt.wantCode {
					found = true
					assert.Equal(t, tt.severity, v.Severity)
				}
			}
			assert.True(t, found, "expected violation %s, got %+v", tt.wantCode, violations)
		})
	}
}

func TestGuideCleanUnderBothVersions(t *testing.T) {
	guide := &batch.Guide{ID: "g", ProcedureCode: "10101012", PatientName: "Maria da Silva", PatientDocument: "98765432100", AmountCents: 12345}

	assert.Empty(t, Guide(configFor(t, registry.Version305), guide))
	// The same 8-digit code is undersize for 4.01 and gets padded by the
	// codec, so it validates clean there too.
	assert.Empty(t, Guide(configFor(t, registry.Version401), guide))
}

func TestAccentedNamesDeriveInitials(t *testing.T) {
	v401 := configFor(t, registry.Version401)

	// Accented first letters are ordinary input and must validate exactly
	// as the codec renders them.
	names := []string{"Érico Veríssimo", "Ângela Souza", "Íris do Carmo Ávila"}
	for _, name := range names {
		guide := &batch.Guide{ID: "g", ProcedureCode: "1010101234", PatientName: name, PatientDocument: "1", AmountCents: 100}
		assert.Empty(t, Guide(v401, guide), "name %q should be derivable", name)
	}

	rendered := codec.RenderPatient("Érico Veríssimo", v401)
	assert.Equal(t, "É.V", rendered)
}

func TestBatchReportAggregates(t *testing.T) {
	cfg := configFor(t, registry.Version401)

	b := batch.New("b-1", "cl-1", "ins-1", 7)
	require.NoError(t, b.SetMetadata("registry_id", "3511234"))
	// privacy_consent_ref deliberately missing.
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-1", ProcedureCode: "1010101234", PatientName: "Maria Silva", PatientDocument: "1", AmountCents: 100}))
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-2", ProcedureCode: "1010101234", PatientName: "Joao Souza", AmountCents: -5}))

	report := Batch(cfg, b)

	assert.True(t, report.HasCritical())
	assert.Equal(t, 2, report.Critical) // missing metadata + negative amount
	assert.Equal(t, 1, report.Warnings) // g-2 missing document
}

func TestValidationDoesNotMutate(t *testing.T) {
	cfg := configFor(t, registry.Version305)
	guide := &batch.Guide{ID: "g", ProcedureCode: "101", PatientName: "Maria Silva", PatientDocument: "1", AmountCents: 100}
	before := *guide

	Guide(cfg, guide)
	assert.Equal(t, before, *guide)
}
