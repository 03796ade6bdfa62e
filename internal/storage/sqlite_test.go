package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCase(id string) CaseRecord {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return CaseRecord{
		ID:        id,
		Query:     "how do I rotate credentials?",
		Answer:    "use the rotation runbook",
		Embedding: []float32{0.1, 0.2, 0.3},
		Version:   1,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the migration creates the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_executions_case_created", "idx_executions_created", "idx_cases_status", "idx_cases_last_used", "idx_archive_reason"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestInsertAndGetCase round-trips a full case record including the embedding.
func TestInsertAndGetCase(t *testing.T) {
	s := openTestStore(t)

	want := testCase("case-001")
	if err := s.InsertCase(want); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	got, err := s.GetCase("case-001")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}

	if got.Query != want.Query {
		t.Errorf("Query = %q, want %q", got.Query, want.Query)
	}
	if got.Answer != want.Answer {
		t.Errorf("Answer = %q, want %q", got.Answer, want.Answer)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, StatusActive)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("Embedding length = %d, want 3", len(got.Embedding))
	}
	for i, v := range want.Embedding {
		if got.Embedding[i] != v {
			t.Errorf("Embedding[%d] = %v, want %v", i, got.Embedding[i], v)
		}
	}
	if !got.LastUsedAt.IsZero() {
		t.Errorf("LastUsedAt = %v, want zero", got.LastUsedAt)
	}
}

// TestGetCaseNilEmbedding verifies a NULL embedding stays nil through a round-trip.
func TestGetCaseNilEmbedding(t *testing.T) {
	s := openTestStore(t)

	c := testCase("case-nil")
	c.Embedding = nil
	if err := s.InsertCase(c); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	got, err := s.GetCase("case-nil")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Embedding != nil {
		t.Errorf("Embedding = %v, want nil", got.Embedding)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetCase("does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestTouchCaseUsage verifies the usage counter increments and last_used_at is stamped.
func TestTouchCaseUsage(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-use")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := s.TouchCaseUsage("case-use", now); err != nil {
			t.Fatalf("TouchCaseUsage %d: %v", i, err)
		}
	}

	got, err := s.GetCase("case-use")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.UsageCount != 3 {
		t.Errorf("UsageCount = %d, want 3", got.UsageCount)
	}
	if !got.LastUsedAt.Equal(now) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}

	if err := s.TouchCaseUsage("missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchCaseUsage(missing) = %v, want ErrNotFound", err)
	}
}

// TestUpdateCaseMetricsBumpsVersion verifies version strictly increases on every metric write.
func TestUpdateCaseMetricsBumpsVersion(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-v")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	now := time.Now().UTC()
	prev := 1
	for i := 0; i < 4; i++ {
		if err := s.UpdateCaseMetrics("case-v", 40+i, true, StatusFlagged, now); err != nil {
			t.Fatalf("UpdateCaseMetrics %d: %v", i, err)
		}
		got, err := s.GetCase("case-v")
		if err != nil {
			t.Fatalf("GetCase: %v", err)
		}
		if got.Version != prev+1 {
			t.Errorf("Version = %d, want %d", got.Version, prev+1)
		}
		prev = got.Version
	}

	got, _ := s.GetCase("case-v")
	if got.SuccessRate != 43 {
		t.Errorf("SuccessRate = %d, want 43", got.SuccessRate)
	}
	if !got.LowPerformance {
		t.Error("LowPerformance = false, want true")
	}
	if got.Status != StatusFlagged {
		t.Errorf("Status = %q, want %q", got.Status, StatusFlagged)
	}
}

// TestUpdateCaseContentBumpsVersion verifies content updates also bump the version.
func TestUpdateCaseContentBumpsVersion(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-c")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	if err := s.UpdateCaseContent("case-c", "new query", "new answer", []float32{1, 0}, time.Now()); err != nil {
		t.Fatalf("UpdateCaseContent: %v", err)
	}

	got, err := s.GetCase("case-c")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Query != "new query" || got.Answer != "new answer" {
		t.Errorf("content not updated: query=%q answer=%q", got.Query, got.Answer)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("Embedding length = %d, want 2", len(got.Embedding))
	}
}

// TestSetCaseQualityKeepsVersion verifies a quality write is not a content
// revision: the score lands, the version stays put.
func TestSetCaseQualityKeepsVersion(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-q")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	if err := s.SetCaseQuality("case-q", 0.7, time.Now()); err != nil {
		t.Fatalf("SetCaseQuality: %v", err)
	}

	got, err := s.GetCase("case-q")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.QualityScore != 0.7 {
		t.Errorf("QualityScore = %v, want 0.7", got.QualityScore)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

// TestArchiveCase verifies archival snapshots the case, removes it from the
// active set, and is not repeatable.
func TestArchiveCase(t *testing.T) {
	s := openTestStore(t)

	c := testCase("case-a")
	c.UsageCount = 7
	if err := s.InsertCase(c); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	archivedAt := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ArchiveCase("case-a", ReasonLowPerformance, archivedAt); err != nil {
		t.Fatalf("ArchiveCase: %v", err)
	}

	if _, err := s.GetCase("case-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCase after archive = %v, want ErrNotFound", err)
	}

	a, err := s.GetArchived("case-a")
	if err != nil {
		t.Fatalf("GetArchived: %v", err)
	}
	if a.ArchivedReason != ReasonLowPerformance {
		t.Errorf("ArchivedReason = %q, want %q", a.ArchivedReason, ReasonLowPerformance)
	}
	if a.UsageCount != 7 {
		t.Errorf("UsageCount = %d, want 7", a.UsageCount)
	}
	if !a.ArchivedAt.Equal(archivedAt) {
		t.Errorf("ArchivedAt = %v, want %v", a.ArchivedAt, archivedAt)
	}

	// Second archive call signals NotFound and leaves exactly one snapshot.
	if err := s.ArchiveCase("case-a", ReasonManual, archivedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("second ArchiveCase = %v, want ErrNotFound", err)
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM archive WHERE id = 'case-a'").Scan(&count); err != nil {
		t.Fatalf("counting archive rows: %v", err)
	}
	if count != 1 {
		t.Errorf("archive rows = %d, want 1", count)
	}
}

// TestRestoreCase verifies the archive → active round-trip keeps the version
// strictly increasing.
func TestRestoreCase(t *testing.T) {
	s := openTestStore(t)

	c := testCase("case-r")
	if err := s.InsertCase(c); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}
	if err := s.UpdateCaseMetrics("case-r", 20, true, StatusFlagged, time.Now()); err != nil {
		t.Fatalf("UpdateCaseMetrics: %v", err)
	}
	if err := s.ArchiveCase("case-r", ReasonManual, time.Now()); err != nil {
		t.Fatalf("ArchiveCase: %v", err)
	}

	restored, err := s.RestoreCase("case-r", time.Now())
	if err != nil {
		t.Fatalf("RestoreCase: %v", err)
	}
	if restored.Version != 3 {
		t.Errorf("restored Version = %d, want 3", restored.Version)
	}
	if restored.Status != StatusActive {
		t.Errorf("restored Status = %q, want %q", restored.Status, StatusActive)
	}

	if _, err := s.GetArchived("case-r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetArchived after restore = %v, want ErrNotFound", err)
	}
	got, err := s.GetCase("case-r")
	if err != nil {
		t.Fatalf("GetCase after restore: %v", err)
	}
	if got.LowPerformance {
		t.Error("restored case still carries the low-performance flag")
	}
}

// TestInsertExecutionInvalidReference verifies the data-integrity guard.
func TestInsertExecutionInvalidReference(t *testing.T) {
	s := openTestStore(t)

	e := ExecutionRecord{
		ID:        "exec-1",
		CaseID:    "ghost-case",
		Success:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertExecution(e); !errors.Is(err, ErrInvalidReference) {
		t.Errorf("InsertExecution = %v, want ErrInvalidReference", err)
	}
}

// TestListRecentExecutions verifies newest-first ordering and the limit cap.
func TestListRecentExecutions(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-e")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d := int64(100 + i)
		e := ExecutionRecord{
			ID:          fmt.Sprintf("exec-%02d", i),
			CaseID:      "case-e",
			Success:     i%2 == 0,
			DurationMs:  &d,
			ContextJSON: "{}",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertExecution(e); err != nil {
			t.Fatalf("InsertExecution %d: %v", i, err)
		}
	}

	got, err := s.ListRecentExecutions("case-e", 4)
	if err != nil {
		t.Fatalf("ListRecentExecutions: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d executions, want 4", len(got))
	}
	if got[0].ID != "exec-09" {
		t.Errorf("first result = %q, want exec-09", got[0].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Errorf("not newest-first at index %d", i)
		}
	}
	if got[0].DurationMs == nil || *got[0].DurationMs != 109 {
		t.Errorf("DurationMs = %v, want 109", got[0].DurationMs)
	}
}

// TestListRecentExecutionsSameSecond verifies insertion order breaks timestamp ties.
func TestListRecentExecutionsSameSecond(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-tie")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := ExecutionRecord{
			ID:          fmt.Sprintf("tie-%d", i),
			CaseID:      "case-tie",
			Success:     false,
			ErrorKind:   "timeout",
			ContextJSON: "{}",
			CreatedAt:   ts,
		}
		if err := s.InsertExecution(e); err != nil {
			t.Fatalf("InsertExecution %d: %v", i, err)
		}
	}

	got, err := s.ListRecentExecutions("case-tie", 10)
	if err != nil {
		t.Fatalf("ListRecentExecutions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d executions, want 3", len(got))
	}
	if got[0].ID != "tie-2" {
		t.Errorf("first result = %q, want tie-2 (last inserted)", got[0].ID)
	}
}

// TestCountExecutionsSince verifies the inclusive lower bound.
func TestCountExecutionsSince(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-cnt")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		e := ExecutionRecord{
			ID:          fmt.Sprintf("cnt-%d", i),
			CaseID:      "case-cnt",
			Success:     true,
			ContextJSON: "{}",
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.InsertExecution(e); err != nil {
			t.Fatalf("InsertExecution %d: %v", i, err)
		}
	}

	n, err := s.CountExecutionsSince("case-cnt", base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("CountExecutionsSince: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

// TestDeleteExecutionsBefore verifies the retention sweep removes only old rows.
func TestDeleteExecutionsBefore(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertCase(testCase("case-ret")); err != nil {
		t.Fatalf("InsertCase: %v", err)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := ExecutionRecord{
			ID:          fmt.Sprintf("ret-%d", i),
			CaseID:      "case-ret",
			Success:     true,
			ContextJSON: "{}",
			CreatedAt:   base.AddDate(0, 0, i*10),
		}
		if err := s.InsertExecution(e); err != nil {
			t.Fatalf("InsertExecution %d: %v", i, err)
		}
	}

	deleted, err := s.DeleteExecutionsBefore(base.AddDate(0, 0, 25))
	if err != nil {
		t.Fatalf("DeleteExecutionsBefore: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	remaining, err := s.ListRecentExecutions("case-ret", 10)
	if err != nil {
		t.Fatalf("ListRecentExecutions: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}
}

// TestStats covers the aggregate view across all three tables.
func TestStats(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.InsertCase(testCase(fmt.Sprintf("st-%d", i))); err != nil {
			t.Fatalf("InsertCase %d: %v", i, err)
		}
	}
	if err := s.UpdateCaseMetrics("st-0", 40, true, StatusFlagged, time.Now()); err != nil {
		t.Fatalf("UpdateCaseMetrics: %v", err)
	}
	if err := s.InsertExecution(ExecutionRecord{ID: "x1", CaseID: "st-1", Success: true, ContextJSON: "{}", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertExecution: %v", err)
	}
	if err := s.ArchiveCase("st-2", ReasonInactive, time.Now()); err != nil {
		t.Fatalf("ArchiveCase: %v", err)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ActiveCases != 2 {
		t.Errorf("ActiveCases = %d, want 2", stats.ActiveCases)
	}
	if stats.FlaggedCases != 1 {
		t.Errorf("FlaggedCases = %d, want 1", stats.FlaggedCases)
	}
	if stats.Executions != 1 {
		t.Errorf("Executions = %d, want 1", stats.Executions)
	}
	if stats.ArchivedByReason[ReasonInactive] != 1 {
		t.Errorf("ArchivedByReason[inactive] = %d, want 1", stats.ArchivedByReason[ReasonInactive])
	}
}
