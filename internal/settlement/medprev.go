package settlement

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// MedPrev ships semicolon-delimited files encoded as Windows-1252 with
// Brazilian-formatted amounts ("1.234,56").
//
// Header:  MEDPREV;RETORNO;yyyymmdd
// Detail:  guide id;status word;paid amount;denial code;dd/mm/yyyy hh:mm:ss
const (
	medPrevOperator   = "medprev"
	medPrevDateLayout = "20060102"
	medPrevTimeLayout = "02/01/2006 15:04:05"
)

var medPrevStatuses = map[string]string{
	"PAGO":    OutcomePaid,
	"GLOSADO": OutcomeDenied,
	"PARCIAL": OutcomePartial,
}

type MedPrevStrategy struct{}

func NewMedPrevStrategy() *MedPrevStrategy {
	return &MedPrevStrategy{}
}

func (s *MedPrevStrategy) Operator() string {
	return medPrevOperator
}

func (s *MedPrevStrategy) Decoder() *encoding.Decoder {
	return charmap.Windows1252.NewDecoder()
}

func (s *MedPrevStrategy) ParseHeader(line string) (*FileHeader, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 3 || parts[0] != "MEDPREV" || parts[1] != "RETORNO" {
		return nil, fmt.Errorf("header %q does not match MEDPREV;RETORNO;yyyymmdd", line)
	}
	refDate, err := time.Parse(medPrevDateLayout, parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid reference date %q", parts[2])
	}
	return &FileHeader{Operator: medPrevOperator, ReferenceDate: refDate}, nil
}

func (s *MedPrevStrategy) ParseLine(lineNumber int, line string) (*ReturnRecord, *LineError) {
	fail := func(reason string) (*ReturnRecord, *LineError) {
		return nil, &LineError{LineNumber: lineNumber, RawLine: line, Reason: reason}
	}
	parts := strings.Split(line, ";")
	if len(parts) != 5 {
		return fail(fmt.Sprintf("detail has %d fields, want 5", len(parts)))
	}
	guideID := strings.TrimSpace(parts[0])
	if guideID == "" {
		return fail("empty guide id")
	}
	status, ok := medPrevStatuses[strings.ToUpper(strings.TrimSpace(parts[1]))]
	if !ok {
		return fail(fmt.Sprintf("unknown status %q", parts[1]))
	}
	paidCents, err := parseBrazilianAmount(parts[2])
	if err != nil {
		return fail(err.Error())
	}
	recordTime, err := time.Parse(medPrevTimeLayout, strings.TrimSpace(parts[4]))
	if err != nil {
		return fail(fmt.Sprintf("invalid timestamp %q", parts[4]))
	}
	return &ReturnRecord{
		GuideID:    guideID,
		StatusCode: status,
		PaidCents:  paidCents,
		DenialCode: strings.TrimSpace(parts[3]),
		RecordTime: recordTime,
		LineNumber: lineNumber,
		RawLine:    line,
	}, nil
}
