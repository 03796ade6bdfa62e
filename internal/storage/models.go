package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned when a record is rejected at the storage
// boundary (empty query/answer, malformed embedding).
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidReference is returned when an execution references a case id
// that is not in the active set. It indicates a caller-side bug, not a
// retry-worthy condition.
var ErrInvalidReference = errors.New("invalid case reference")

// Case statuses. Transitions run forward (active → flagged → archived)
// except the explicit restore path, which moves an archived snapshot back
// to active.
const (
	StatusActive   = "active"
	StatusFlagged  = "flagged"
	StatusArchived = "archived"
)

// Archive reasons recorded when a case leaves the active set.
const (
	ReasonLowPerformance = "low-performance"
	ReasonDuplicate      = "duplicate"
	ReasonInactive       = "inactive"
	ReasonManual         = "manual"
)

// CaseRecord is a reusable unit of problem-solving knowledge: a query/answer
// pair plus the learned performance metadata maintained by the reflection
// and consolidation jobs.
type CaseRecord struct {
	ID             string
	Query          string
	Answer         string
	Embedding      []float32 // nil when the caller supplied none
	Version        int
	Status         string
	UsageCount     int
	LastUsedAt     time.Time // zero when the case has never been selected
	SuccessRate    int       // 0–100, derived from executions by reflection
	QualityScore   float64   // 0–1, external quality signal
	LowPerformance bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionRecord is an immutable fact: this case was applied, here is what
// happened. Rows are append-only; only the retention sweep removes them.
type ExecutionRecord struct {
	ID          string
	CaseID      string
	Success     bool
	ErrorKind   string // set only on failure
	ErrorDetail string
	DurationMs  *int64 // nil when the caller reported no duration
	ContextJSON string // opaque structured payload, stored as text
	CreatedAt   time.Time
}

// ArchiveRecord is a snapshot of a case at the moment it was removed from
// the active bank. There is no foreign reference back to the cases table;
// the original row is gone.
type ArchiveRecord struct {
	ID             string
	Query          string
	Answer         string
	Embedding      []float32
	Version        int
	UsageCount     int
	LastUsedAt     time.Time
	SuccessRate    int
	QualityScore   float64
	CreatedAt      time.Time
	ArchivedAt     time.Time
	ArchivedReason string
}

// BankStats summarizes the bank for the stats endpoint and CLI.
type BankStats struct {
	ActiveCases      int
	FlaggedCases     int
	Executions       int
	ArchivedByReason map[string]int
}
