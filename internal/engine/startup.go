package engine

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the Engine is reachable and required models are
// available. Missing models are pulled automatically with progress output
// written to w.
func EnsureReady(ctx context.Context, e Engine, suggestModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure the backend is started")
	}

	models := make([]string, 0, 2)
	if suggestModel != "" {
		models = append(models, suggestModel)
	}
	if embedModel != "" && embedModel != suggestModel {
		models = append(models, embedModel)
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	// Warm up the suggestion model with a trivial chat so the first
	// reflection batch doesn't pay the cold-load penalty.
	if suggestModel != "" {
		fmt.Fprintf(w, "model %s: warming up...\n", suggestModel)
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err := e.Chat(warmCtx, suggestModel, []Message{
			{Role: "user", Content: "ping"},
		}, nil)
		if err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", suggestModel, err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", suggestModel)
		}
	}

	return nil
}
