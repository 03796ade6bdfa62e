package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bridge25/dt-rag-sub010/internal/consolidation"
	"github.com/bridge25/dt-rag-sub010/internal/reflection"
)

type fakeReflector struct {
	mu       sync.Mutex
	calls    [][]string
	deferred []string
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (f *fakeReflector) RunBatch(_ context.Context, caseIDs []string) (reflection.BatchSummary, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, caseIDs)
	f.mu.Unlock()
	return reflection.BatchSummary{DeferredCases: f.deferred}, nil
}

func (f *fakeReflector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeConsolidator struct {
	runs atomic.Int32
}

func (f *fakeConsolidator) RunBatch(_ context.Context) (consolidation.Summary, error) {
	f.runs.Add(1)
	return consolidation.Summary{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTriggerRunsReflection(t *testing.T) {
	r := &fakeReflector{}
	s := New(r, &fakeConsolidator{}, time.Hour)
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger("case-1", 120)
	waitFor(t, func() bool { return r.callCount() >= 1 })

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls[0]) != 1 || r.calls[0][0] != "case-1" {
		t.Errorf("calls[0] = %v, want [case-1]", r.calls[0])
	}
}

func TestTriggerCoalesces(t *testing.T) {
	s := New(&fakeReflector{}, &fakeConsolidator{}, time.Hour)

	s.Trigger("case-1", 100)
	s.Trigger("case-1", 101)
	s.Trigger("case-1", 102)
	if got := s.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
}

func TestDeferredCasesRequeued(t *testing.T) {
	r := &fakeReflector{deferred: []string{"case-2"}}
	s := New(r, &fakeConsolidator{}, time.Hour)
	s.Start(context.Background())

	s.Trigger("case-1", 100)
	s.Trigger("case-2", 100)
	waitFor(t, func() bool { return r.callCount() >= 1 })
	waitFor(t, func() bool { return s.PendingCount() == 1 })

	s.Stop()
	// Stop discards what was requeued.
	if got := s.PendingCount(); got != 0 {
		t.Errorf("PendingCount after Stop = %d, want 0", got)
	}
}

func TestPeriodicMaintenance(t *testing.T) {
	r := &fakeReflector{}
	c := &fakeConsolidator{}
	s := New(r, c, 20*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return c.runs.Load() >= 2 })

	// Periodic sweeps reflect over all active cases.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[0] != nil {
		t.Errorf("calls[0] = %v, want nil (full sweep)", r.calls[0])
	}
}

func TestBatchRunsSerialized(t *testing.T) {
	r := &fakeReflector{delay: 30 * time.Millisecond}
	c := &fakeConsolidator{}
	s := New(r, c, 10*time.Millisecond)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		s.Trigger("case-1", 100)
		time.Sleep(5 * time.Millisecond)
	}
	go s.Maintain(context.Background())

	waitFor(t, func() bool { return r.callCount() >= 3 })
	s.Stop()

	if r.overlap.Load() {
		t.Error("observed overlapping batch runs")
	}
}

func TestMaintainWithoutStart(t *testing.T) {
	r := &fakeReflector{}
	c := &fakeConsolidator{}
	s := New(r, c, time.Hour)

	if _, _, err := s.Maintain(context.Background()); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if r.callCount() != 1 || c.runs.Load() != 1 {
		t.Errorf("reflector calls = %d, consolidator runs = %d, want 1 and 1",
			r.callCount(), c.runs.Load())
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(&fakeReflector{}, &fakeConsolidator{}, time.Hour)
	s.Stop() // must not panic
}
