package settlement

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
)

// SaudeCoop ships comma-separated UTF-8 files with dot-decimal amounts.
//
// Header:  SAUDECOOP,yyyy-mm-dd
// Detail:  guide id,status,paid amount,denial code,RFC 3339 timestamp
const (
	saudeCoopOperator   = "saudecoop"
	saudeCoopDateLayout = "2006-01-02"
)

var saudeCoopStatuses = map[string]string{
	"PAID":    OutcomePaid,
	"DENIED":  OutcomeDenied,
	"PARTIAL": OutcomePartial,
}

type SaudeCoopStrategy struct{}

func NewSaudeCoopStrategy() *SaudeCoopStrategy {
	return &SaudeCoopStrategy{}
}

func (s *SaudeCoopStrategy) Operator() string {
	return saudeCoopOperator
}

// Decoder returns nil: SaudeCoop files are already UTF-8.
func (s *SaudeCoopStrategy) Decoder() *encoding.Decoder {
	return nil
}

func (s *SaudeCoopStrategy) ParseHeader(line string) (*FileHeader, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 || parts[0] != "SAUDECOOP" {
		return nil, fmt.Errorf("header %q does not match SAUDECOOP,yyyy-mm-dd", line)
	}
	refDate, err := time.Parse(saudeCoopDateLayout, parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid reference date %q", parts[1])
	}
	return &FileHeader{Operator: saudeCoopOperator, ReferenceDate: refDate}, nil
}

func (s *SaudeCoopStrategy) ParseLine(lineNumber int, line string) (*ReturnRecord, *LineError) {
	fail := func(reason string) (*ReturnRecord, *LineError) {
		return nil, &LineError{LineNumber: lineNumber, RawLine: line, Reason: reason}
	}
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return fail(fmt.Sprintf("detail has %d fields, want 5", len(parts)))
	}
	guideID := strings.TrimSpace(parts[0])
	if guideID == "" {
		return fail("empty guide id")
	}
	status, ok := saudeCoopStatuses[strings.ToUpper(strings.TrimSpace(parts[1]))]
	if !ok {
		return fail(fmt.Sprintf("unknown status %q", parts[1]))
	}
	paidCents, err := parseDecimalAmount(parts[2])
	if err != nil {
		return fail(err.Error())
	}
	recordTime, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[4]))
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
