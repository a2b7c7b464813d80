// Package batch implements the claim batch aggregate and its lifecycle.
package batch

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the batch lifecycle state.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusClosed      Status = "CLOSED"
	StatusGenerating  Status = "GENERATING"
	StatusGenerated   Status = "GENERATED"
	StatusTransmitted Status = "TRANSMITTED"
	StatusReconciled  Status = "RECONCILED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// GuideStatus represents the per-guide settlement state.
type GuideStatus string

const (
	GuidePending            GuideStatus = "PENDING"
	GuideIncluded           GuideStatus = "INCLUDED"
	GuideRejectedByOperator GuideStatus = "REJECTED_BY_OPERATOR"
	GuidePaid               GuideStatus = "PAID"
)

// Guide is a single claim line: one patient, one procedure, one amount.
// Amounts are integer cents, never floating point.
type Guide struct {
	ID              string
	BatchID         string
	Position        int
	ProcedureCode   string
	PatientName     string
	PatientDocument string
	AmountCents     int64
	Status          GuideStatus
	LastReturnAt    *time.Time
}

// ErrNoGuides is returned when closing a batch that has no claim lines.
var ErrNoGuides = errors.New("batch has no guides")

// ErrCriticalViolations is returned when closing a batch whose guides carry
// critical validation violations.
var ErrCriticalViolations = errors.New("batch has critical validation violations")

// TransitionError indicates a lifecycle transition the state machine forbids.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Batch is the aggregate root for a claim batch. The resolved version is set
// exactly once, when generation succeeds, and is immutable afterwards.
type Batch struct {
	id           string
	clinicID     string
	insuranceID  string
	sequence     int64
	status       Status
	loadedStatus Status
	version      string
	metadata     map[string]string
	guides       []*Guide
	documentURL  string
	failureCause string
	createdAt    time.Time
	updatedAt    time.Time
	statusAt     map[Status]time.Time
}

// New creates a batch in DRAFT.
func New(id, clinicID, insuranceID string, sequence int64) *Batch {
	now := time.Now().UTC()
	return &Batch{
		id:           id,
		clinicID:     clinicID,
		insuranceID:  insuranceID,
		sequence:     sequence,
		status:       StatusDraft,
		loadedStatus: StatusDraft,
		metadata:     make(map[string]string),
		createdAt:    now,
		updatedAt:    now,
		statusAt:     map[Status]time.Time{StatusDraft: now},
	}
}

// Restore rebuilds a batch from persisted state.
func Restore(id, clinicID, insuranceID string, sequence int64, status Status, version, documentURL, failureCause string, metadata map[string]string, guides []*Guide) *Batch {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Batch{
		id:           id,
		clinicID:     clinicID,
		insuranceID:  insuranceID,
		sequence:     sequence,
		status:       status,
		loadedStatus: status,
		version:      version,
		metadata:     metadata,
		guides:       guides,
		documentURL:  documentURL,
		failureCause: failureCause,
		statusAt:     make(map[Status]time.Time),
	}
}

// LoadedStatus is the status the batch carried when it was created or last
// persisted. Repository writes use it as their compare-and-set guard.
func (b *Batch) LoadedStatus() Status { return b.loadedStatus }

func (b *Batch) ID() string                  { return b.id }
func (b *Batch) ClinicID() string            { return b.clinicID }
func (b *Batch) InsuranceID() string         { return b.insuranceID }
func (b *Batch) Sequence() int64             { return b.sequence }
func (b *Batch) Status() Status              { return b.status }
func (b *Batch) Version() string             { return b.version }
func (b *Batch) DocumentURL() string         { return b.documentURL }
func (b *Batch) FailureCause() string        { return b.failureCause }
func (b *Batch) Metadata() map[string]string { return b.metadata }

// Guides returns the claim lines in insertion order. Output document order
// must match this order, so it is never re-sorted.
func (b *Batch) Guides() []*Guide { return b.guides }

// TotalCents sums all guide amounts.
func (b *Batch) TotalCents() int64 {
	var total int64
	for _, g := range b.guides {
		total += g.AmountCents
	}
	return total
}

// StatusAt returns the recorded transition instant for a status, if any.
func (b *Batch) StatusAt(s Status) (time.Time, bool) {
	ts, ok := b.statusAt[s]
	return ts, ok
}

// SetMetadata records a metadata key on a draft or closed batch.
func (b *Batch) SetMetadata(key, value string) error {
	if b.status != StatusDraft && b.status != StatusClosed {
		return &TransitionError{From: b.status, To: b.status, Reason: "metadata is frozen after generation starts"}
	}
	b.metadata[key] = value
	return nil
}

// AddGuide appends a claim line. Only draft batches accept new guides.
func (b *Batch) AddGuide(g *Guide) error {
	if b.status != StatusDraft {
		return &TransitionError{From: b.status, To: b.status, Reason: "guides can only be added in DRAFT"}
	}
	g.BatchID = b.id
	g.Position = len(b.guides)
	if g.Status == "" {
		g.Status = GuidePending
	}
	b.guides = append(b.guides, g)
	b.touch()
	return nil
}

// Close moves DRAFT -> CLOSED. criticalViolations is the count of
// CRITICAL-severity validation findings across all guides.
func (b *Batch) Close(criticalViolations int) error {
	if b.status != StatusDraft {
		return &TransitionError{From: b.status, To: StatusClosed}
	}
	if len(b.guides) == 0 {
		return ErrNoGuides
	}
	if criticalViolations > 0 {
		return fmt.Errorf("%w: %d critical violations", ErrCriticalViolations, criticalViolations)
	}
	b.setStatus(StatusClosed)
	return nil
}

// Cancel terminates a batch that never produced a document. Post-generation
// batches are protected for audit integrity and cannot be cancelled.
func (b *Batch) Cancel() error {
	if b.status != StatusDraft && b.status != StatusClosed {
		return &TransitionError{From: b.status, To: StatusCancelled, Reason: "only DRAFT or CLOSED batches can be cancelled"}
	}
	b.setStatus(StatusCancelled)
	return nil
}

// BeginGeneration moves CLOSED -> GENERATING. The durable single-flight
// guard lives in the repository; this method keeps the in-memory state
// machine honest for callers that hold the aggregate.
func (b *Batch) BeginGeneration() error {
	if b.status != StatusClosed {
		return &TransitionError{From: b.status, To: StatusGenerating}
	}
	b.setStatus(StatusGenerating)
	return nil
}

// MarkGenerated records the encoding outcome. The resolved version is fixed
// here and never changes again.
func (b *Batch) MarkGenerated(version, documentURL string) error {
	if b.status != StatusGenerating {
		return &TransitionError{From: b.status, To: StatusGenerated}
	}
	if b.version != "" && b.version != version {
		return &TransitionError{From: b.status, To: StatusGenerated, Reason: "resolved version is immutable"}
	}
	b.version = version
	b.documentURL = documentURL
	b.failureCause = ""
	b.setStatus(StatusGenerated)
	return nil
}

// Fail records a generation or settlement failure with its cause.
func (b *Batch) Fail(cause string) error {
	if b.status != StatusGenerating && b.status != StatusTransmitted {
		return &TransitionError{From: b.status, To: StatusFailed}
	}
	b.failureCause = cause
	b.setStatus(StatusFailed)
	return nil
}

// RevertToClosed returns a GENERATING or FAILED batch to CLOSED so
// generation can be retried. Guides are untouched, nothing is duplicated.
func (b *Batch) RevertToClosed() error {
	if b.status != StatusGenerating && b.status != StatusFailed {
		return &TransitionError{From: b.status, To: StatusClosed}
	}
	b.setStatus(StatusClosed)
	return nil
}

// MarkTransmitted records the document handoff to the transport collaborator.
// Bookkeeping only, nothing is re-encoded.
func (b *Batch) MarkTransmitted() error {
	if b.status != StatusGenerated {
		return &TransitionError{From: b.status, To: StatusTransmitted}
	}
	b.setStatus(StatusTransmitted)
	return nil
}

// MarkReconciled closes the loop after settlement returns are merged.
func (b *Batch) MarkReconciled() error {
	if b.status != StatusTransmitted {
		return &TransitionError{From: b.status, To: StatusReconciled}
	}
	b.setStatus(StatusReconciled)
	return nil
}

// IsTerminal reports whether the batch can never transition again.
func (b *Batch) IsTerminal() bool {
	return b.status == StatusReconciled || b.status == StatusCancelled
}

func (b *Batch) setStatus(s Status) {
	b.status = s
	b.statusAt[s] = time.Now().UTC()
	b.touch()
}

func (b *Batch) touch() {
	b.updatedAt = time.Now().UTC()
}
