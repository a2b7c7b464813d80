package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// VitalCare ships fixed-width positional files encoded as ISO-8859-1.
//
// Header (22 chars):  00 | operator name (12) | reference date yyyymmdd (8)
// Detail (55 chars):  01 | guide id (20) | status (2) | paid cents (13) |
//                     denial code (4) | timestamp yyyymmddhhmmss (14)
const (
	vitalCareOperator   = "vitalcare"
	vitalCareHeaderLen  = 22
	vitalCareDetailLen  = 55
	vitalCareDateLayout = "20060102"
	vitalCareTimeLayout = "20060102150405"
)

var vitalCareStatuses = map[string]string{
	"01": OutcomePaid,
	"02": OutcomeDenied,
	"03": OutcomePartial,
}

type VitalCareStrategy struct{}

func NewVitalCareStrategy() *VitalCareStrategy {
	return &VitalCareStrategy{}
}

func (s *VitalCareStrategy) Operator() string {
	return vitalCareOperator
}

func (s *VitalCareStrategy) Decoder() *encoding.Decoder {
	return charmap.ISO8859_1.NewDecoder()
}

func (s *VitalCareStrategy) ParseHeader(line string) (*FileHeader, error) {
	// Columns are declared in characters of the ISO-8859-1 file; after
	// decoding to UTF-8 accented characters span two bytes, so slicing
	// works on runes.
	chars := []rune(line)
	if len(chars) < vitalCareHeaderLen {
		return nil, fmt.Errorf("header is %d chars, want %d", len(chars), vitalCareHeaderLen)
	}
	if string(chars[:2]) != "00" {
		return nil, fmt.Errorf("header record type %q, want 00", string(chars[:2]))
	}
	name := strings.TrimSpace(string(chars[2:14]))
	if !strings.EqualFold(name, "VITALCARE") {
		return nil, fmt.Errorf("header names operator %q", name)
	}
	refDate, err := time.Parse(vitalCareDateLayout, string(chars[14:22]))
	if err != nil {
		return nil, fmt.Errorf("invalid reference date %q", string(chars[14:22]))
	}
	return &FileHeader{Operator: vitalCareOperator, ReferenceDate: refDate}, nil
}

func (s *VitalCareStrategy) ParseLine(lineNumber int, line string) (*ReturnRecord, *LineError) {
	fail := func(reason string) (*ReturnRecord, *LineError) {
		return nil, &LineError{LineNumber: lineNumber, RawLine: line, Reason: reason}
	}
	chars := []rune(line)
	if len(chars) != vitalCareDetailLen {
		return fail(fmt.Sprintf("detail is %d chars, want %d", len(chars), vitalCareDetailLen))
	}
	if string(chars[:2]) != "01" {
		return fail(fmt.Sprintf("detail record type %q, want 01", string(chars[:2])))
	}
	guideID := strings.TrimSpace(string(chars[2:22]))
	if guideID == "" {
		return fail("empty guide id")
	}
	status, ok := vitalCareStatuses[string(chars[22:24])]
	if !ok {
		return fail(fmt.Sprintf("unknown status code %q", string(chars[22:24])))
	}
	paidCents, err := strconv.ParseInt(string(chars[24:37]), 10, 64)
	if err != nil {
		return fail(fmt.Sprintf("invalid paid amount %q", string(chars[24:37])))
	}
	recordTime, err := time.Parse(vitalCareTimeLayout, string(chars[41:55]))
	if err != nil {
		return fail(fmt.Sprintf("invalid timestamp %q", string(chars[41:55])))
	}
	return &ReturnRecord{
		GuideID:    guideID,
		StatusCode: status,
		PaidCents:  paidCents,
		DenialCode: strings.TrimSpace(string(chars[37:41])),
		RecordTime: recordTime,
		LineNumber: lineNumber,
		RawLine:    line,
	}, nil
}
