package casebank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// Match is a case paired with its cosine similarity to the probe vector.
type Match struct {
	Case  storage.CaseRecord
	Score float32
}

// FindSimilar performs a brute-force cosine similarity scan over all active
// cases with a stored embedding, returning those whose similarity to the
// probe is at least threshold, highest score first. The scan reads only
// id + embedding per row; full records are fetched for the matches alone.
//
// This serves the consolidation pass's duplicate detection, not the live
// retrieval path. At the bank sizes consolidation runs against, a full scan
// is cheaper than maintaining an index.
func (b *Bank) FindSimilar(ctx context.Context, probe []float32, threshold float64) ([]Match, error) {
	probeNorm := norm(probe)
	if probeNorm == 0 {
		return nil, nil
	}

	rows, err := b.store.DB().QueryContext(ctx, `SELECT id, embedding FROM cases WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	scores := make(map[string]float32)
	var matchIDs []string
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeEmbeddingInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(probe, buf, probeNorm)
		if float64(score) >= threshold {
			scores[id] = score
			matchIDs = append(matchIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if len(matchIDs) == 0 {
		return nil, nil
	}

	args := make([]any, len(matchIDs))
	for i, id := range matchIDs {
		args[i] = id
	}
	query := `SELECT id, query, answer, embedding, version, status, usage_count,
		last_used_at, success_rate, quality_score, low_performance, created_at, updated_at
		FROM cases WHERE id IN (?` + strings.Repeat(",?", len(matchIDs)-1) + `)`

	full, err := b.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching matched cases: %w", err)
	}
	defer full.Close()

	var matches []Match
	for full.Next() {
		c, err := storage.ScanCaseRow(full)
		if err != nil {
			return nil, fmt.Errorf("scanning matched case: %w", err)
		}
		matches = append(matches, Match{Case: c, Score: scores[c.ID]})
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("iterating matched cases: %w", err)
	}

	// IN queries don't preserve order; sort by score descending.
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	return matches, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a. Mismatched dimensions
// score zero rather than erroring; a bank may hold vectors from an older
// embedding model alongside current ones.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}
