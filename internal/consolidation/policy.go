// Package consolidation prunes the case bank: it archives underperforming,
// duplicate, and inactive cases. It is the only writer of archive records.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

const (
	archiveMaxSuccessRate = 30
	archiveMinUsage       = 10
	duplicateThreshold    = 0.95
	inactiveAfter         = 90 * 24 * time.Hour
	inactiveMaxUsage      = 100
)

// Failure records one case that could not be archived during a pass.
type Failure struct {
	CaseID string `json:"case_id"`
	Err    string `json:"error"`
}

// Summary reports archived counts per reason for one consolidation pass.
type Summary struct {
	LowPerformance int           `json:"low_performance"`
	Duplicates     int           `json:"duplicates"`
	Inactive       int           `json:"inactive"`
	Failed         int           `json:"failed"`
	Failures       []Failure     `json:"failures,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

func (s Summary) archived() int {
	return s.LowPerformance + s.Duplicates + s.Inactive
}

// Policy applies the consolidation rules over the active case set.
type Policy struct {
	bank   *casebank.Bank
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Policy over the given case bank.
func New(bank *casebank.Bank) *Policy {
	return &Policy{
		bank:   bank,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// RunBatch runs three rules in order over a snapshot of the active set:
// low-performance removal, duplicate detection, inactivity archiving. A case
// archived by an earlier rule is invisible to later ones. One case's failure
// is recorded and skipped. Cancellation is honored between cases.
func (p *Policy) RunBatch(ctx context.Context) (Summary, error) {
	started := time.Now()

	active, err := p.bank.ListActive()
	if err != nil {
		return Summary{}, fmt.Errorf("listing active cases: %w", err)
	}

	var summary Summary
	// archived cases are invisible to every later rule; clustered cases are
	// only excluded from further duplicate scans. A duplicate-cluster keeper
	// is clustered but not archived, so rule 3 still visits it.
	archived := make(map[string]bool, len(active))
	clustered := make(map[string]bool)

	archive := func(c storage.CaseRecord, reason string, counter *int) {
		archived[c.ID] = true
		err := p.bank.Archive(c.ID, reason)
		switch {
		case err == nil:
			*counter++
		case errors.Is(err, storage.ErrNotFound):
			// Already gone; nothing to do.
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{CaseID: c.ID, Err: err.Error()})
			p.logger.Warn("archiving failed", "case_id", c.ID, "reason", reason, "error", err)
		}
	}

	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if c.SuccessRate < archiveMaxSuccessRate && c.UsageCount > archiveMinUsage {
			archive(c, storage.ReasonLowPerformance, &summary.LowPerformance)
		}
	}

	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if archived[c.ID] || clustered[c.ID] || c.Embedding == nil {
			continue
		}

		cluster, err := p.cluster(ctx, c, archived, clustered)
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{CaseID: c.ID, Err: err.Error()})
			p.logger.Warn("duplicate scan failed", "case_id", c.ID, "error", err)
			continue
		}
		if len(cluster) < 2 {
			continue
		}

		keeper := pickKeeper(cluster)
		for _, dup := range cluster {
			clustered[dup.ID] = true
			if dup.ID == keeper.ID {
				continue
			}
			archive(dup, storage.ReasonDuplicate, &summary.Duplicates)
		}
	}

	now := p.now().UTC()
	for _, c := range active {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if archived[c.ID] {
			continue
		}
		lastUsed := c.LastUsedAt
		if lastUsed.IsZero() {
			lastUsed = c.CreatedAt
		}
		if now.Sub(lastUsed) >= inactiveAfter && c.UsageCount < inactiveMaxUsage {
			archive(c, storage.ReasonInactive, &summary.Inactive)
		}
	}

	summary.Elapsed = time.Since(started)
	p.logger.Info("consolidation pass finished",
		"archived", summary.archived(),
		"low_performance", summary.LowPerformance,
		"duplicates", summary.Duplicates,
		"inactive", summary.Inactive,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// cluster returns the seed case plus every similar case not already archived
// or claimed by an earlier cluster. FindSimilar scores the seed against
// itself at 1.0, so the seed is always a member.
func (p *Policy) cluster(ctx context.Context, seed storage.CaseRecord, archived, clustered map[string]bool) ([]storage.CaseRecord, error) {
	matches, err := p.bank.FindSimilar(ctx, seed.Embedding, duplicateThreshold)
	if err != nil {
		return nil, fmt.Errorf("finding duplicates: %w", err)
	}

	cluster := make([]storage.CaseRecord, 0, len(matches))
	for _, m := range matches {
		if archived[m.Case.ID] || clustered[m.Case.ID] {
			continue
		}
		cluster = append(cluster, m.Case)
	}
	return cluster, nil
}

// pickKeeper chooses the cluster member to survive: highest usage count, ties
// broken by the newest creation time.
func pickKeeper(cluster []storage.CaseRecord) storage.CaseRecord {
	sorted := make([]storage.CaseRecord, len(cluster))
	copy(sorted, cluster)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UsageCount != sorted[j].UsageCount {
			return sorted[i].UsageCount > sorted[j].UsageCount
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0]
}
