// Package casebank owns the lifecycle of case records: creation, usage
// accounting, metric updates written by reflection, similarity lookups for
// duplicate detection, and the archive transition. It is the only component
// that mutates a case.
package casebank

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// Bank provides case operations over the durable store. The embedding
// dimension is fixed at construction; embeddings are opaque vectors supplied
// by callers, never computed here.
type Bank struct {
	store *storage.Store
	dim   int
}

// New creates a Bank. dim is the required embedding length; 0 disables the
// dimension check (any non-empty vector is accepted).
func New(store *storage.Store, dim int) *Bank {
	return &Bank{store: store, dim: dim}
}

// Create validates and stores a new case with version 1, active status, and
// zero usage. The embedding is optional; when present its dimension must
// match the bank's.
func (b *Bank) Create(query, answer string, embedding []float32) (storage.CaseRecord, error) {
	if strings.TrimSpace(query) == "" {
		return storage.CaseRecord{}, fmt.Errorf("%w: empty query", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(answer) == "" {
		return storage.CaseRecord{}, fmt.Errorf("%w: empty answer", storage.ErrInvalidInput)
	}
	if err := b.checkEmbedding(embedding); err != nil {
		return storage.CaseRecord{}, err
	}

	now := time.Now().UTC()
	c := storage.CaseRecord{
		ID:        uuid.New().String(),
		Query:     query,
		Answer:    answer,
		Embedding: embedding,
		Version:   1,
		Status:    storage.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.InsertCase(c); err != nil {
		return storage.CaseRecord{}, fmt.Errorf("inserting case: %w", err)
	}
	return c, nil
}

// Get returns the case with the given id from the active set.
func (b *Bank) Get(id string) (storage.CaseRecord, error) {
	return b.store.GetCase(id)
}

// ListActive returns every case in the active set.
func (b *Bank) ListActive() ([]storage.CaseRecord, error) {
	return b.store.ListActiveCases()
}

// RecordUsage notes that the retrieval path selected this case. Safe under
// concurrent callers; the count is at-least-once, not exact.
func (b *Bank) RecordUsage(id string) error {
	return b.store.TouchCaseUsage(id, time.Now())
}

// UpdateMetrics writes a reflection result. Cases at or above the healthy
// rate come back to active status; everything below stays flagged for the
// consolidation pass. Reserved for the reflection engine.
func (b *Bank) UpdateMetrics(id string, successRate int, lowPerformance bool) error {
	if successRate < 0 || successRate > 100 {
		return fmt.Errorf("%w: success rate %d out of range", storage.ErrInvalidInput, successRate)
	}
	status := storage.StatusActive
	if successRate < healthySuccessRate {
		status = storage.StatusFlagged
	}
	return b.store.UpdateCaseMetrics(id, successRate, lowPerformance, status, time.Now())
}

// healthySuccessRate is the floor below which a case is flagged for watching.
const healthySuccessRate = 80

// SetQuality records the external quality signal for a case.
func (b *Bank) SetQuality(id string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: quality score %v out of range", storage.ErrInvalidInput, score)
	}
	return b.store.SetCaseQuality(id, score, time.Now())
}

// UpdateContent replaces the case's query/answer/embedding, bumping the version.
func (b *Bank) UpdateContent(id, query, answer string, embedding []float32) error {
	if strings.TrimSpace(query) == "" || strings.TrimSpace(answer) == "" {
		return fmt.Errorf("%w: empty query or answer", storage.ErrInvalidInput)
	}
	if err := b.checkEmbedding(embedding); err != nil {
		return err
	}
	return b.store.UpdateCaseContent(id, query, answer, embedding, time.Now())
}

// Archive snapshots the case into the archive and removes it from the active
// set atomically. A concurrent RecordUsage either lands before the snapshot
// or observes NotFound; no intermediate state is visible.
func (b *Bank) Archive(id, reason string) error {
	return b.store.ArchiveCase(id, reason, time.Now())
}

// Restore is the explicit reactivation path: it moves an archived snapshot
// back into the active set.
func (b *Bank) Restore(id string) (storage.CaseRecord, error) {
	return b.store.RestoreCase(id, time.Now())
}

// ListArchived returns the newest archive snapshots, capped at limit.
func (b *Bank) ListArchived(limit int) ([]storage.ArchiveRecord, error) {
	return b.store.ListArchived(limit)
}

func (b *Bank) checkEmbedding(embedding []float32) error {
	if embedding == nil {
		return nil
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", storage.ErrInvalidInput)
	}
	if b.dim > 0 && len(embedding) != b.dim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", storage.ErrInvalidInput, len(embedding), b.dim)
	}
	return nil
}
