package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/tiss/registry"
)

func testBatch(t *testing.T) *batch.Batch {
	t.Helper()
	b := batch.New("batch-9", "clinic-1", "ins-1", 9)
	require.NoError(t, b.SetMetadata("registry_id", "3511234"))
	require.NoError(t, b.SetMetadata("privacy_consent_ref", "consent-2026-001"))
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-1", ProcedureCode: "10101012", PatientName: "Maria da Silva", AmountCents: 150075}))
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-2", ProcedureCode: "40304361", PatientName: "Joao Batista Souza", AmountCents: 9900}))
	return b
}

func config(t *testing.T, version string) *registry.VersionConfig {
	t.Helper()
	cfg, err := registry.Default().ConfigFor(version)
	require.NoError(t, err)
	return cfg
}

func TestEncodeIsReproducible(t *testing.T) {
	enc := NewEncoder()

	for _, version := range registry.Default().Versions() {
		cfg := config(t, version)
		b := testBatch(t)

		first, err := enc.Encode(b, cfg)
		require.NoError(t, err)
		second, err := enc.Encode(b, cfg)
		require.NoError(t, err)

		assert.True(t, bytes.Equal(first, second), "version %s output not byte-identical", version)
	}
}

func TestEncodeNamespaceVerbatimFromConfig(t *testing.T) {
	enc := NewEncoder()
	cfg := config(t, registry.Version401)

	out, err := enc.Encode(testBatch(t), cfg)
	require.NoError(t, err)

	doc := string(out)
	assert.Contains(t, doc, `xmlns="`+cfg.Namespace+`"`)
	assert.Contains(t, doc, `xsi:schemaLocation="`+cfg.SchemaLocation+`"`)
	assert.Contains(t, doc, `version="4.01.00"`)
}

func TestEncodeZeroPadsToVersionWidth(t *testing.T) {
	enc := NewEncoder()

	out305, err := enc.Encode(testBatch(t), config(t, registry.Version305))
	require.NoError(t, err)
	assert.Contains(t, string(out305), "<procedureCode>10101012</procedureCode>")

	out401, err := enc.Encode(testBatch(t), config(t, registry.Version401))
	require.NoError(t, err)
	assert.Contains(t, string(out401), "<procedureCode>0010101012</procedureCode>")
}

func TestEncodeRejectsOversizeCodes(t *testing.T) {
	enc := NewEncoder()
	cfg := config(t, registry.Version305)

	b := batch.New("batch-x", "clinic-1", "ins-1", 1)
	require.NoError(t, b.SetMetadata("registry_id", "3511234"))
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-wide", ProcedureCode: "123456789", PatientName: "Ana Costa", AmountCents: 100}))
	require.NoError(t, b.AddGuide(&batch.Guide{ID: "g-ok", ProcedureCode: "10101012", PatientName: "Rui Melo", AmountCents: 100}))

	_, err := enc.Encode(b, cfg)
	require.Error(t, err)

	var encodeErr *EncodeError
	require.True(t, errors.As(err, &encodeErr))
	require.Len(t, encodeErr.Errors, 1)
	assert.Equal(t, "g-wide", encodeErr.Errors[0].GuideID)
	assert.Equal(t, "procedure_code", encodeErr.Errors[0].Field)
}

func TestEncodeVersionMismatch(t *testing.T) {
	enc := NewEncoder()

	b := testBatch(t)
	require.NoError(t, b.Close(0))
	require.NoError(t, b.BeginGeneration())
	require.NoError(t, b.MarkGenerated(registry.Version305, "gs://claims/batch-9.xml"))

	_, err := enc.Encode(b, config(t, registry.Version401))
	var mismatch *VersionMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, registry.Version305, mismatch.Resolved)
}

func TestPatientRenderingModes(t *testing.T) {
	full := config(t, registry.Version305)
	initials := config(t, registry.Version401)

	assert.Equal(t, "Maria da Silva", RenderPatient("Maria da Silva", full))
	assert.Equal(t, "M.D.S", RenderPatient("Maria da Silva", initials))
	assert.Equal(t, "J.B.S", RenderPatient("  joao batista souza ", initials))
}

func TestHeaderTotalsMatchGuideSum(t *testing.T) {
	enc := NewEncoder()
	out, err := enc.Encode(testBatch(t), config(t, registry.Version305))
	require.NoError(t, err)

	doc := string(out)
	assert.Contains(t, doc, "<guideCount>2</guideCount>")
	assert.Contains(t, doc, "<totalAmount>1600.75</totalAmount>")
	assert.Contains(t, doc, "<amount>1500.75</amount>")
	assert.Contains(t, doc, "<amount>99.00</amount>")
}

func TestGuideOrderIsInsertionOrder(t *testing.T) {
	enc := NewEncoder()
	out, err := enc.Encode(testBatch(t), config(t, registry.Version305))
	require.NoError(t, err)

	doc := string(out)
	assert.Less(t, strings.Index(doc, "<number>g-1</number>"), strings.Index(doc, "<number>g-2</number>"))
}

func TestCentsRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 99, 100, 101, 999, 1000, 12345, 100000000, 999999999999}
	for _, cents := range cases {
		got, err := ParseCents(FormatCents(cents))
		require.NoError(t, err, "cents=%d", cents)
		assert.Equal(t, cents, got)
	}

	// Dense range sweep around the carry boundaries.
	for cents := int64(-250); cents <= 250; cents++ {
		got, err := ParseCents(FormatCents(cents))
		require.NoError(t, err, "cents=%d", cents)
		assert.Equal(t, cents, got)
	}
}

func TestParseCentsRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "12", "12.3", "12.345", "a.bc", ".50", "1,50"} {
		_, err := ParseCents(s)
		assert.Error(t, err, "input %q", s)
	}
}
