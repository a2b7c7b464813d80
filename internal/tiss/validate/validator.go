// Package validate checks claim guides against the structural and business
// rules of a resolved protocol version. Validation is pure: it never mutates
// a guide, and violations are collected, not thrown one by one.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// Severity classifies a violation. CRITICAL blocks the batch from advancing
// past CLOSED; WARNING is surfaced but non-blocking.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// Violation is one field-level finding on one guide.
type Violation struct {
	GuideID  string   `json:"guide_id"`
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report aggregates the findings for a whole batch.
type Report struct {
	Violations []Violation `json:"violations"`
	Critical   int         `json:"critical"`
	Warnings   int         `json:"warnings"`
}

// HasCritical reports whether any CRITICAL finding exists.
func (r *Report) HasCritical() bool { return r.Critical > 0 }

func (r *Report) add(v Violation) {
	r.Violations = append(r.Violations, v)
	switch v.Severity {
	case SeverityCritical:
		r.Critical++
	case SeverityWarning:
		r.Warnings++
	}
}

// Guide validates a single guide against cfg.
func Guide(cfg *registry.VersionConfig, g *batch.Guide) []Violation {
	var out []Violation

	out = append(out, checkProcedureCode(cfg, g)...)
	out = append(out, checkPatient(cfg, g)...)
	out = append(out, checkAmount(g)...)

	return out
}

// Batch validates every guide plus the batch-level metadata the version
// mandates, in guide insertion order.
func Batch(cfg *registry.VersionConfig, b *batch.Batch) *Report {
	report := &Report{}

	for _, key := range cfg.RequiredMetadata {
		if strings.TrimSpace(b.Metadata()[key]) == "" {
			report.add(Violation{
				Field:    "metadata." + key,
				Code:     "REQUIRED_METADATA_MISSING",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("version %s requires batch metadata %q", cfg.Version, key),
			})
		}
	}

	for _, g := range b.Guides() {
		for _, v := range Guide(cfg, g) {
			report.add(v)
		}
	}

	return report
}

func checkProcedureCode(cfg *registry.VersionConfig, g *batch.Guide) []Violation {
	code := g.ProcedureCode
	if code == "" {
		return []Violation{{
			GuideID:  g.ID,
			Field:    "procedure_code",
			Code:     "PROCEDURE_CODE_MISSING",
			Severity: SeverityCritical,
			Message:  "procedure code is required",
		}}
	}

	for _, r := range code {
		if r < '0' || r > '9' {
			return []Violation{{
				GuideID:  g.ID,
				Field:    "procedure_code",
				Code:     "PROCEDURE_CODE_NOT_NUMERIC",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("procedure code %q contains non-digit characters", code),
			}}
		}
	}

	// Width is an exact match: oversize codes must fail here, not surprise
	// the codec; undersize codes are padded by the codec and pass.
	if len(code) > cfg.ProcedureCodeWidth {
		return []Violation{{
			GuideID:  g.ID,
			Field:    "procedure_code",
			Code:     "PROCEDURE_CODE_TOO_WIDE",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("procedure code %q exceeds the %d-digit width of version %s", code, cfg.ProcedureCodeWidth, cfg.Version),
		}}
	}
	return nil
}

func checkPatient(cfg *registry.VersionConfig, g *batch.Guide) []Violation {
	var out []Violation

	name := strings.TrimSpace(g.PatientName)
	if name == "" {
		out = append(out, Violation{
			GuideID:  g.ID,
			Field:    "patient_name",
			Code:     "PATIENT_IDENTITY_MISSING",
			Severity: SeverityCritical,
			Message:  "patient reference does not resolve to a non-empty identity",
		})
		return out
	}

	if cfg.PatientIDMode == registry.PatientIDInitialsOnly {
		// LGPD mode: a privacy-safe representation must be derivable, which
		// needs at least one alphabetic name component.
		derivable := false
		for _, part := range strings.Fields(name) {
			for _, r := range part {
				// Must agree with codec.RenderPatient: any letter works,
				// accented Brazilian names included.
				if unicode.IsLetter(r) {
					derivable = true
				}
				break
			}
		}
		if !derivable {
			out = append(out, Violation{
				GuideID:  g.ID,
				Field:    "patient_name",
				Code:     "PATIENT_INITIALS_NOT_DERIVABLE",
				Severity: SeverityCritical,
				Message:  "no privacy-compliant patient representation can be derived from the stored name",
			})
		}
	}

	if strings.TrimSpace(g.PatientDocument) == "" {
		out = append(out, Violation{
			GuideID:  g.ID,
			Field:    "patient_document",
			Code:     "PATIENT_DOCUMENT_MISSING",
			Severity: SeverityWarning,
			Message:  "patient document number is recommended for settlement matching",
		})
	}

	return out
}

func checkAmount(g *batch.Guide) []Violation {
	if g.AmountCents <= 0 {
		return []Violation{{
			GuideID:  g.ID,
			Field:    "amount_cents",
			Code:     "AMOUNT_NOT_POSITIVE",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("guide amount must be strictly positive, got %d", g.AmountCents),
		}}
	}
	return nil
}
