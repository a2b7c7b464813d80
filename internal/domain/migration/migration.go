// Package migration runs the one-time cutover that moves every tenant
// version pointer from the sunset protocol version to its successor. The
// cutover is exclusive, idempotent, and reversible until any billing has
// happened under the new version.
package migration

import (
	"fmt"
	"time"
)

// Job statuses.
const (
	StatusNotDue     = "NOT_DUE"
	StatusDue        = "DUE"
	StatusRunning    = "RUNNING"
	StatusCompleted  = "COMPLETED"
	StatusRolledBack = "ROLLED_BACK"
)

// Job is one cutover execution. At most one job exists per cutover instant.
type Job struct {
	ID          string     `json:"id"`
	FromVersion string     `json:"from_version"`
	ToVersion   string     `json:"to_version"`
	CutoverAt   time.Time  `json:"cutover_at"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Migrated    int        `json:"migrated"`
}

// Snapshot records one tenant's version pointer before the cutover touched
// it. Snapshots are write-once; rollback replays them verbatim.
type Snapshot struct {
	EntityType      string `json:"entity_type"` // "insurance" or "clinic"
	EntityID        string `json:"entity_id"`
	PreviousVersion string `json:"previous_version"`
}

// Status is the read-only answer to "where does the cutover stand".
type Status struct {
	State     string    `json:"state"`
	CutoverAt time.Time `json:"cutover_at"`
	Remaining int       `json:"remaining"`
	Job       *Job      `json:"job,omitempty"`
}

// InProgressError indicates another process holds the cutover lock.
type InProgressError struct {
	CutoverAt time.Time
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("cutover at %s is already running elsewhere", e.CutoverAt.Format(time.RFC3339))
}

// ConflictError blocks a rollback because documents were already generated
// under the new version. Rolling those tenants back would orphan documents.
type ConflictError struct {
	JobID          string
	GeneratedCount int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot roll back job %s: %d batches already generated under the new version",
		e.JobID, e.GeneratedCount)
}

// JobNotFoundError indicates a rollback against an unknown or non-completed
// job.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("migration job %s not found or not in a rollbackable state", e.JobID)
}
