package codec

import (
	"fmt"
	"strings"

	"github.com/claimware/go-tiss/internal/domain/batch"
	"github.com/claimware/go-tiss/internal/tiss/registry"
)

// VersionMismatchError indicates a batch whose guides were resolved and
// validated against a different version than the one being encoded. Fatal;
// generation aborts.
type VersionMismatchError struct {
	BatchID   string
	Resolved  string
	Requested string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("batch %s was resolved for version %s, cannot encode as %s", e.BatchID, e.Resolved, e.Requested)
}

// EncodingError is a per-guide field that cannot be represented.
type EncodingError struct {
	GuideID string
	Field   string
	Message string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("guide %s: %s: %s", e.GuideID, e.Field, e.Message)
}

// EncodeError aggregates all per-guide encoding failures for a batch.
// Individual failures are collected, then the whole generation aborts.
type EncodeError struct {
	BatchID string
	Errors  []*EncodingError
}

func (e *EncodeError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ee := range e.Errors {
		msgs = append(msgs, ee.Error())
	}
	return fmt.Sprintf("batch %s failed to encode: %s", e.BatchID, strings.Join(msgs, "; "))
}

// Encoder serializes batches. It is stateless and safe for concurrent use.
type Encoder struct{}

// NewEncoder creates an encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode serializes the batch under cfg. Namespace and schema location are
// taken verbatim from cfg, guides are emitted in batch insertion order, and
// the header total is the sum of the serialized guides so validation and
// encoding cannot drift apart.
func (e *Encoder) Encode(b *batch.Batch, cfg *registry.VersionConfig) ([]byte, error) {
	if b.Version() != "" && b.Version() != cfg.Version {
		return nil, &VersionMismatchError{BatchID: b.ID(), Resolved: b.Version(), Requested: cfg.Version}
	}

	guides := b.Guides()
	entries := make([]GuideEntry, 0, len(guides))
	var errs []*EncodingError
	var totalCents int64

	for _, g := range guides {
		code, err := PadProcedureCode(g.ProcedureCode, cfg.ProcedureCodeWidth)
		if err != nil {
			errs = append(errs, &EncodingError{GuideID: g.ID, Field: "procedure_code", Message: err.Error()})
			continue
		}

		patient := RenderPatient(g.PatientName, cfg)
		if patient == "" {
			errs = append(errs, &EncodingError{GuideID: g.ID, Field: "patient", Message: "patient identity renders empty"})
			continue
		}

		entries = append(entries, GuideEntry{
			Number:        g.ID,
			ProcedureCode: code,
			Patient:       patient,
			Amount:        FormatCents(g.AmountCents),
		})
		totalCents += g.AmountCents
	}

	if len(errs) > 0 {
		return nil, &EncodeError{BatchID: b.ID(), Errors: errs}
	}

	doc := &Document{
		Xmlns:          cfg.Namespace,
		XmlnsXsi:       NamespaceXSI,
		SchemaLocation: cfg.SchemaLocation,
		Version:        cfg.Version,
		Header: Header{
			RegistryID:    b.Metadata()["registry_id"],
			BatchSequence: b.Sequence(),
			GuideCount:    len(entries),
			TotalAmount:   FormatCents(totalCents),
		},
		Guides: entries,
	}

	return doc.ToXML()
}
