package settlement

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/text/encoding/charmap"
)

func vitalCareDetail(guideID, status string, cents int64, denial, ts string) string {
	return fmt.Sprintf("01%-20s%s%013d%-4s%s", guideID, status, cents, denial, ts)
}

func TestParseUnknownOperator(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Parse(context.Background(), "acme-health", strings.NewReader("anything"))

	var unsupported *UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "acme-health", unsupported.Operator)
}

func TestParseCollectsLineErrorsWithoutAborting(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("00VITALCARE   20260315\n")
	for i := 0; i < 5; i++ {
		sb.WriteString(vitalCareDetail(fmt.Sprintf("G-%03d", i), "01", 150075, "", "20260315120000") + "\n")
	}
	sb.WriteString("01SHORT\n") // wrong length
	for i := 5; i < 10; i++ {
		sb.WriteString(vitalCareDetail(fmt.Sprintf("G-%03d", i), "02", 0, "G042", "20260315120000") + "\n")
	}
	sb.WriteString(vitalCareDetail("G-BAD", "99", 100, "", "20260315120000") + "\n") // unknown status

	result, err := DefaultRegistry().Parse(context.Background(), "vitalcare", strings.NewReader(sb.String()))
	require.NoError(t, err)

	assert.Len(t, result.Records, 10)
	require.Len(t, result.LineErrors, 2)
	assert.Equal(t, 7, result.LineErrors[0].LineNumber)
	assert.Contains(t, result.LineErrors[1].Reason, "unknown status")

	assert.Equal(t, "vitalcare", result.Header.Operator)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), result.Header.ReferenceDate)

	first := result.Records[0]
	assert.Equal(t, "G-000", first.GuideID)
	assert.Equal(t, OutcomePaid, first.StatusCode)
	assert.Equal(t, int64(150075), first.PaidCents)

	denied := result.Records[5]
	assert.Equal(t, OutcomeDenied, denied.StatusCode)
	assert.Equal(t, "G042", denied.DenialCode)
}

func TestParseCorruptHeaderIsFatal(t *testing.T) {
	input := "99NOT-A-HEADER\n" + vitalCareDetail("G-001", "01", 100, "", "20260315120000")

	result, err := DefaultRegistry().Parse(context.Background(), "vitalcare", strings.NewReader(input))

	require.Nil(t, result)
	var headerErr *HeaderError
	require.ErrorAs(t, err, &headerErr)
	assert.Equal(t, "vitalcare", headerErr.Operator)
}

func TestParseEmptyFileIsFatal(t *testing.T) {
	_, err := DefaultRegistry().Parse(context.Background(), "medprev", strings.NewReader(""))

	var headerErr *HeaderError
	require.ErrorAs(t, err, &headerErr)
	assert.Contains(t, headerErr.Reason, "empty")
}

func TestParseDecodesLegacyEncoding(t *testing.T) {
	// Denial description field carries "GLOSA ATENÇÃO"-style text upstream;
	// here the guide id itself carries a non-ASCII char to prove decoding.
	plain := "MEDPREV;RETORNO;20260315\nG-SÃO-01;PAGO;1.234,56;;15/03/2026 12:00:00\n"
	encoded, err := charmap.Windows1252.NewEncoder().String(plain)
	require.NoError(t, err)

	result, err := DefaultRegistry().Parse(context.Background(), "medprev", bytes.NewReader([]byte(encoded)))
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, "G-SÃO-01", result.Records[0].GuideID)
	assert.Equal(t, int64(123456), result.Records[0].PaidCents)
}

func TestParseFixedWidthColumnsAreCharacterBased(t *testing.T) {
	// An accented guide id decodes to more bytes than characters; the
	// positional layout is declared in characters of the source file, so
	// every column after the accent must still line up.
	plain := "00VITALCARE   20260315\n" + vitalCareDetail("G-SÃO-01", "03", 98765, "G100", "20260315143000") + "\n"
	require.Len(t, []rune(strings.Split(plain, "\n")[1]), 55)

	encoded, err := charmap.ISO8859_1.NewEncoder().String(plain)
	require.NoError(t, err)

	result, err := DefaultRegistry().Parse(context.Background(), "vitalcare", strings.NewReader(encoded))
	require.NoError(t, err)

	require.Empty(t, result.LineErrors)
	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	assert.Equal(t, "G-SÃO-01", rec.GuideID)
	assert.Equal(t, OutcomePartial, rec.StatusCode)
	assert.Equal(t, int64(98765), rec.PaidCents)
	assert.Equal(t, "G100", rec.DenialCode)
	assert.Equal(t, time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC), rec.RecordTime)
}

func TestParseMedPrevStatusesAndAmounts(t *testing.T) {
	input := strings.Join([]string{
		"MEDPREV;RETORNO;20260401",
		"G-1;PAGO;10.000,00;;01/04/2026 08:30:00",
		"G-2;GLOSADO;0,00;D101;01/04/2026 08:31:00",
		"G-3;PARCIAL;99,90;D102;01/04/2026 08:32:00",
		"G-4;PENDENTE;1,00;;01/04/2026 08:33:00",
	}, "\n")

	result, err := DefaultRegistry().Parse(context.Background(), "medprev", strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, result.Records, 3)
	require.Len(t, result.LineErrors, 1)

	assert.Equal(t, int64(1000000), result.Records[0].PaidCents)
	assert.Equal(t, OutcomeDenied, result.Records[1].StatusCode)
	assert.Equal(t, "D101", result.Records[1].DenialCode)
	assert.Equal(t, OutcomePartial, result.Records[2].StatusCode)
	assert.Equal(t, int64(9990), result.Records[2].PaidCents)
}

func TestParseSaudeCoopUTF8(t *testing.T) {
	input := strings.Join([]string{
		"SAUDECOOP,2026-05-10",
		"G-10,paid,1234.56,,2026-05-10T09:00:00Z",
		"G-11,DENIED,0,N404,2026-05-10T09:01:00Z",
		"G-12,PAID,10.5,,2026-05-10T09:02:00Z",
	}, "\n")

	result, err := DefaultRegistry().Parse(context.Background(), "saudecoop", strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, result.Records, 3)
	assert.Equal(t, int64(123456), result.Records[0].PaidCents)
	assert.Equal(t, int64(1050), result.Records[2].PaidCents)
	assert.Equal(t, OutcomeDenied, result.Records[1].StatusCode)
}

func TestParseHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := "SAUDECOOP,2026-05-10\nG-10,PAID,1.00,,2026-05-10T09:00:00Z\n"
	_, err := DefaultRegistry().Parse(ctx, "saudecoop", strings.NewReader(input))

	require.ErrorIs(t, err, context.Canceled)
}

func TestParseRejectsSubCentAmounts(t *testing.T) {
	input := "SAUDECOOP,2026-05-10\nG-10,PAID,1.001,,2026-05-10T09:00:00Z\n"

	result, err := DefaultRegistry().Parse(context.Background(), "saudecoop", strings.NewReader(input))
	require.NoError(t, err)

	assert.Empty(t, result.Records)
	require.Len(t, result.LineErrors, 1)
	assert.Contains(t, result.LineErrors[0].Reason, "decimal places")
}

func TestOperatorsSorted(t *testing.T) {
	assert.Equal(t, []string{"medprev", "saudecoop", "vitalcare"}, DefaultRegistry().Operators())
}
