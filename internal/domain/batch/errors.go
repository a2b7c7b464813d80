package batch

import "fmt"

// BatchBusyError indicates a concurrent generation request for a batch that
// is already GENERATING. The request is rejected, not queued; callers may
// retry once the in-flight generation settles.
type BatchBusyError struct {
	BatchID string
}

func (e *BatchBusyError) Error() string {
	return fmt.Sprintf("batch %s is already generating", e.BatchID)
}

// NotFoundError indicates an unknown batch identifier.
type NotFoundError struct {
	BatchID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("batch not found: %s", e.BatchID)
}
