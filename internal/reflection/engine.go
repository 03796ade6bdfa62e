// Package reflection turns raw execution outcomes into case health metrics.
// It is the only writer of success rates and performance flags.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/execlog"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

const (
	// DefaultRecentCap bounds how many recent executions one analysis reads.
	DefaultRecentCap = 100

	// DefaultSuggestionsPerMinute bounds calls to the suggestion backend.
	DefaultSuggestionsPerMinute = 5

	healthySuccessRate = 80
	lowSuccessRate     = 50
	lowPerfMinUsage    = 10
)

// ErrDeferred marks a case whose analysis needs a suggestion call but the
// per-minute budget is exhausted. The case keeps its backlog and is picked up
// by the next batch.
var ErrDeferred = errors.New("analysis deferred: suggestion budget exhausted")

// ErrorGroup is one failure category ranked within a report.
type ErrorGroup struct {
	Kind     string    `json:"kind"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Report is the transient result of analyzing one case. Its durable side
// effect is the metric update written back through the case bank.
type Report struct {
	CaseID        string       `json:"case_id"`
	Total         int          `json:"total"`
	Successes     int          `json:"successes"`
	SuccessRate   int          `json:"success_rate"`
	AvgDurationMs float64      `json:"avg_duration_ms"`
	TopErrors     []ErrorGroup `json:"top_errors,omitempty"`

	// Suggestions is empty for healthy cases. Unavailable distinguishes "no
	// suggestions needed" from "the suggestion backend failed".
	Suggestions []string `json:"suggestions,omitempty"`
	Unavailable bool     `json:"suggestions_unavailable,omitempty"`
}

// BatchFailure records one case that failed inside a batch run.
type BatchFailure struct {
	CaseID string `json:"case_id"`
	Err    string `json:"error"`
}

// BatchSummary reports the outcome of one RunBatch invocation.
type BatchSummary struct {
	Analyzed      int            `json:"analyzed"`
	Deferred      int            `json:"deferred"`
	Failed        int            `json:"failed"`
	DeferredCases []string       `json:"deferred_cases,omitempty"`
	Failures      []BatchFailure `json:"failures,omitempty"`
	Elapsed       time.Duration  `json:"elapsed"`
}

// Engine analyzes execution history and writes metrics back to the case bank.
type Engine struct {
	bank      *casebank.Bank
	logs      *execlog.Logger
	suggester SuggestionSource
	limiter   *rate.Limiter
	recentCap int
	logger    *slog.Logger
}

// New creates an Engine. A nil suggester disables suggestion generation
// entirely; perMinute <= 0 falls back to DefaultSuggestionsPerMinute.
func New(bank *casebank.Bank, logs *execlog.Logger, suggester SuggestionSource, perMinute int) *Engine {
	if perMinute <= 0 {
		perMinute = DefaultSuggestionsPerMinute
	}
	return &Engine{
		bank:      bank,
		logs:      logs,
		suggester: suggester,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		recentCap: DefaultRecentCap,
		logger:    slog.Default(),
	}
}

// Analyze recomputes health metrics for one case from its recent execution
// history and persists them. Cases below the healthy success rate also get
// improvement suggestions, budget permitting; a failing suggestion backend
// degrades to an empty list and never blocks the metric update.
func (e *Engine) Analyze(ctx context.Context, caseID string) (Report, error) {
	started := time.Now().UTC()

	c, err := e.bank.Get(caseID)
	if err != nil {
		return Report{}, err
	}

	recs, err := e.logs.ListRecent(caseID, e.recentCap)
	if err != nil {
		return Report{}, fmt.Errorf("loading execution history: %w", err)
	}

	report := Report{CaseID: caseID, Total: len(recs)}
	if report.Total == 0 {
		// Nothing to learn from; leave the stored metrics untouched.
		return report, nil
	}

	var durSum, durCount int64
	for _, r := range recs {
		if r.Success {
			report.Successes++
		}
		if r.DurationMs != nil {
			durSum += *r.DurationMs
			durCount++
		}
	}
	report.SuccessRate = int(math.Round(100 * float64(report.Successes) / float64(report.Total)))
	if durCount > 0 {
		report.AvgDurationMs = float64(durSum) / float64(durCount)
	}
	report.TopErrors = rankErrors(recs)

	if report.SuccessRate < healthySuccessRate && e.suggester != nil {
		if !e.limiter.Allow() {
			return Report{}, fmt.Errorf("case %s: %w", caseID, ErrDeferred)
		}
		top := report.TopErrors
		if len(top) > 3 {
			top = top[:3]
		}
		suggestions, err := e.suggester.Suggest(ctx, c, report.SuccessRate, top)
		if err != nil {
			e.logger.Warn("suggestion generation failed", "case_id", caseID, "error", err)
			report.Unavailable = true
		} else {
			report.Suggestions = suggestions
		}
	}

	lowPerf := report.SuccessRate < lowSuccessRate && c.UsageCount > lowPerfMinUsage
	if err := e.bank.UpdateMetrics(caseID, report.SuccessRate, lowPerf); err != nil {
		return Report{}, fmt.Errorf("writing metrics: %w", err)
	}
	e.logs.MarkReflected(caseID, started)

	return report, nil
}

// RunBatch analyzes the given cases, or every active case when caseIDs is
// nil. One case's failure is recorded and skipped; the batch carries on.
// Cancellation is honored between cases, never mid-case.
func (e *Engine) RunBatch(ctx context.Context, caseIDs []string) (BatchSummary, error) {
	started := time.Now()

	if caseIDs == nil {
		active, err := e.bank.ListActive()
		if err != nil {
			return BatchSummary{}, fmt.Errorf("listing active cases: %w", err)
		}
		caseIDs = make([]string, len(active))
		for i, c := range active {
			caseIDs[i] = c.ID
		}
	}

	var summary BatchSummary
	for _, id := range caseIDs {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = time.Since(started)
			return summary, err
		}

		_, err := e.Analyze(ctx, id)
		switch {
		case err == nil:
			summary.Analyzed++
		case errors.Is(err, ErrDeferred):
			summary.Deferred++
			summary.DeferredCases = append(summary.DeferredCases, id)
		case errors.Is(err, storage.ErrNotFound):
			// Archived between listing and analysis; its history is a
			// harmless orphan.
			continue
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, BatchFailure{CaseID: id, Err: err.Error()})
			e.logger.Warn("case analysis failed", "case_id", id, "error", err)
		}
	}

	summary.Elapsed = time.Since(started)
	e.logger.Info("reflection batch finished",
		"analyzed", summary.Analyzed,
		"deferred", summary.Deferred,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// rankErrors groups failing records by error kind, most frequent first, ties
// broken by the most recent occurrence.
func rankErrors(recs []storage.ExecutionRecord) []ErrorGroup {
	byKind := make(map[string]*ErrorGroup)
	for _, r := range recs {
		if r.Success {
			continue
		}
		kind := r.ErrorKind
		if kind == "" {
			kind = "unknown"
		}
		g, ok := byKind[kind]
		if !ok {
			g = &ErrorGroup{Kind: kind}
			byKind[kind] = g
		}
		g.Count++
		if r.CreatedAt.After(g.LastSeen) {
			g.LastSeen = r.CreatedAt
		}
	}
	if len(byKind) == 0 {
		return nil
	}

	groups := make([]ErrorGroup, 0, len(byKind))
	for _, g := range byKind {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].LastSeen.After(groups[j].LastSeen)
	})
	return groups
}
