// Package scheduler owns the triggers for maintenance batches: backlog
// events queue per-case reflection, a periodic timer drives full reflection
// plus consolidation sweeps. Batch runs are serialized with each other but
// run concurrently with the live serving path.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bridge25/dt-rag-sub010/internal/consolidation"
	"github.com/bridge25/dt-rag-sub010/internal/reflection"
)

// DefaultInterval is the period of the full maintenance sweep.
const DefaultInterval = time.Hour

// Reflector runs reflection batches. A nil caseIDs slice means all active
// cases.
type Reflector interface {
	RunBatch(ctx context.Context, caseIDs []string) (reflection.BatchSummary, error)
}

// Consolidator runs one consolidation pass.
type Consolidator interface {
	RunBatch(ctx context.Context) (consolidation.Summary, error)
}

// Scheduler holds the trigger state between process boot and shutdown.
type Scheduler struct {
	reflector    Reflector
	consolidator Consolidator
	interval     time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]int
	kick    chan struct{}

	// runMu serializes batch runs regardless of which trigger fired them.
	runMu sync.Mutex

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Scheduler. An interval <= 0 falls back to DefaultInterval.
func New(reflector Reflector, consolidator Consolidator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		reflector:    reflector,
		consolidator: consolidator,
		interval:     interval,
		logger:       slog.Default(),
		pending:      make(map[string]int),
		kick:         make(chan struct{}, 1),
	}
}

// Trigger queues a reflection run for one case. Duplicate triggers for the
// same case coalesce into a single pending entry.
func (s *Scheduler) Trigger(caseID string, backlog int) {
	s.mu.Lock()
	s.pending[caseID] = backlog
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ExecutionRecorded implements the execution logger's notifier interface.
func (s *Scheduler) ExecutionRecorded(caseID string, backlog int) {
	s.Trigger(caseID, backlog)
}

// Start launches the trigger watcher and the periodic sweep. It returns
// immediately; use Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		s.watch(ctx)
		return nil
	})
	s.group.Go(func() error {
		s.tick(ctx)
		return nil
	})
}

// Stop cancels the watcher and the timer, waits for any in-flight batch to
// finish, and discards still-pending triggers. Discarding is safe: backlogs
// are recomputed from the execution log, so the next boot re-triggers them.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.group.Wait()

	s.mu.Lock()
	dropped := len(s.pending)
	s.pending = make(map[string]int)
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Info("dropped pending triggers at shutdown", "count", dropped)
	}
}

func (s *Scheduler) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.runPending(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Maintain(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic maintenance failed", "error", err)
			}
		}
	}
}

// runPending reflects on the cases queued by backlog triggers. Cases the
// reflection engine defers stay queued for the next run.
func (s *Scheduler) runPending(ctx context.Context) {
	ids := s.drain()
	if len(ids) == 0 {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	summary, err := s.reflector.RunBatch(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("triggered reflection failed", "error", err)
		}
		return
	}
	for _, id := range summary.DeferredCases {
		s.mu.Lock()
		s.pending[id] = 0
		s.mu.Unlock()
	}
}

// Maintain runs a full reflection sweep followed by a consolidation pass,
// serialized with any triggered runs. It also backs the operator-facing
// maintenance command.
func (s *Scheduler) Maintain(ctx context.Context) (reflection.BatchSummary, consolidation.Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	// A full sweep covers every queued case.
	s.drain()

	rs, err := s.reflector.RunBatch(ctx, nil)
	if err != nil {
		return rs, consolidation.Summary{}, err
	}
	for _, id := range rs.DeferredCases {
		s.mu.Lock()
		s.pending[id] = 0
		s.mu.Unlock()
	}

	cs, err := s.consolidator.RunBatch(ctx)
	return rs, cs, err
}

func (s *Scheduler) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[string]int)
	return ids
}

// PendingCount reports how many cases are queued for reflection.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
