// Package settlement parses heterogeneous operator return files into
// normalized records. Each operator ships its own encoding and layout; a
// per-operator strategy declares both and maps raw lines to records.
package settlement

import (
	"fmt"
	"time"
)

// Normalized settlement outcomes. Strategies map operator-specific status
// codes onto these.
const (
	OutcomePaid    = "PAID"
	OutcomePartial = "PARTIAL"
	OutcomeDenied  = "DENIED"
)

// ReturnRecord is one normalized settlement outcome for one guide. The raw
// line is retained for audit.
type ReturnRecord struct {
	GuideID    string    `json:"guide_id"`
	StatusCode string    `json:"status_code"`
	PaidCents  int64     `json:"paid_cents"`
	DenialCode string    `json:"denial_code,omitempty"`
	RecordTime time.Time `json:"record_time"`
	LineNumber int       `json:"line_number"`
	RawLine    string    `json:"raw_line"`
}

// FileHeader is the parsed return file header. A header the strategy cannot
// trust aborts the whole parse.
type FileHeader struct {
	Operator      string    `json:"operator"`
	ReferenceDate time.Time `json:"reference_date"`
}

// LineError is a recoverable, per-line parse failure. Collected and
// reported alongside successful records; never aborts the stream.
type LineError struct {
	LineNumber int    `json:"line_number"`
	RawLine    string `json:"raw_line"`
	Reason     string `json:"reason"`
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.LineNumber, e.Reason)
}

// ParseResult is the outcome of parsing one return file.
type ParseResult struct {
	Header     *FileHeader     `json:"header"`
	Records    []*ReturnRecord `json:"records"`
	LineErrors []*LineError    `json:"line_errors"`
}

// UnsupportedOperatorError indicates an operator identifier with no
// registered strategy. Raised before any bytes are read.
type UnsupportedOperatorError struct {
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("no return parser registered for operator %q", e.Operator)
}

// HeaderError indicates a malformed or unrecognized file header. Fatal: the
// strategy cannot trust any layout assumption past a bad header.
type HeaderError struct {
	Operator string
	RawLine  string
	Reason   string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("operator %s: invalid return file header: %s", e.Operator, e.Reason)
}
