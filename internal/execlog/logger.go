// Package execlog is the append-only sink for case execution outcomes. It
// never mutates case records itself; reflection reads its history and writes
// metrics back through the case bank.
package execlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// DefaultBacklogThreshold is the number of unreflected executions that
// triggers a reflection notification for a case.
const DefaultBacklogThreshold = 100

// Notifier receives backlog notifications. Delivery is at-least-once;
// receivers must treat duplicate notifications for the same case as no-ops.
type Notifier interface {
	ExecutionRecorded(caseID string, backlog int)
}

// Params describes one execution outcome to record.
type Params struct {
	CaseID      string
	Success     bool
	ErrorKind   string
	ErrorDetail string
	DurationMs  *int64
	Context     map[string]any
}

// Logger appends execution records and tracks the per-case backlog of
// records not yet seen by a reflection run.
type Logger struct {
	store     *storage.Store
	notifier  Notifier
	threshold int
	logger    *slog.Logger

	mu        sync.Mutex
	reflected map[string]time.Time
}

// SetNotifier installs the backlog notifier after construction. The logger
// and the scheduler reference each other, so one of them has to be wired
// late.
func (l *Logger) SetNotifier(n Notifier) {
	l.mu.Lock()
	l.notifier = n
	l.mu.Unlock()
}

// New creates a Logger. A nil notifier disables backlog notifications; a
// threshold <= 0 falls back to DefaultBacklogThreshold.
func New(store *storage.Store, notifier Notifier, threshold int) *Logger {
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	return &Logger{
		store:     store,
		notifier:  notifier,
		threshold: threshold,
		logger:    slog.Default(),
		reflected: make(map[string]time.Time),
	}
}

// Record appends an execution outcome for a case. The case must exist;
// recording against an unknown id fails with ErrInvalidReference, which
// indicates a caller bug rather than a retryable condition. When the case's
// backlog reaches the threshold the notifier is informed.
func (l *Logger) Record(p Params) (storage.ExecutionRecord, error) {
	if strings.TrimSpace(p.CaseID) == "" {
		return storage.ExecutionRecord{}, fmt.Errorf("case id is required: %w", storage.ErrInvalidInput)
	}
	if p.Success && p.ErrorKind != "" {
		return storage.ExecutionRecord{}, fmt.Errorf("error kind on a successful execution: %w", storage.ErrInvalidInput)
	}

	contextJSON := "{}"
	if len(p.Context) > 0 {
		raw, err := json.Marshal(p.Context)
		if err != nil {
			return storage.ExecutionRecord{}, fmt.Errorf("encoding execution context: %w", err)
		}
		contextJSON = string(raw)
	}

	rec := storage.ExecutionRecord{
		ID:          uuid.New().String(),
		CaseID:      p.CaseID,
		Success:     p.Success,
		ErrorKind:   p.ErrorKind,
		ErrorDetail: p.ErrorDetail,
		DurationMs:  p.DurationMs,
		ContextJSON: contextJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.InsertExecution(rec); err != nil {
		return storage.ExecutionRecord{}, err
	}

	backlog, err := l.Backlog(p.CaseID)
	if err != nil {
		l.logger.Warn("backlog check failed", "case_id", p.CaseID, "error", err)
		return rec, nil
	}
	l.mu.Lock()
	notifier := l.notifier
	l.mu.Unlock()
	if notifier != nil && backlog >= l.threshold {
		notifier.ExecutionRecorded(p.CaseID, backlog)
	}
	return rec, nil
}

// ListRecent returns the newest executions for a case, newest first.
func (l *Logger) ListRecent(caseID string, limit int) ([]storage.ExecutionRecord, error) {
	return l.store.ListRecentExecutions(caseID, limit)
}

// CountSince counts executions for a case recorded at or after ts.
func (l *Logger) CountSince(caseID string, ts time.Time) (int, error) {
	return l.store.CountExecutionsSince(caseID, ts)
}

// Backlog returns the number of executions recorded for a case since its
// last reflection run, or since the beginning of time if it was never
// reflected on.
func (l *Logger) Backlog(caseID string) (int, error) {
	l.mu.Lock()
	since := l.reflected[caseID]
	l.mu.Unlock()
	return l.store.CountExecutionsSince(caseID, since)
}

// MarkReflected records that a reflection run consumed the case's history up
// to ts, resetting its backlog.
func (l *Logger) MarkReflected(caseID string, ts time.Time) {
	l.mu.Lock()
	l.reflected[caseID] = ts.UTC()
	l.mu.Unlock()
}

// SweepBefore deletes execution records older than cutoff and returns the
// number removed. Retention keeps at least 30 days of history.
func (l *Logger) SweepBefore(cutoff time.Time) (int, error) {
	n, err := l.store.DeleteExecutionsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("execution retention sweep", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}
