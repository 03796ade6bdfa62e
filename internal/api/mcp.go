package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/execlog"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Bank     *casebank.Bank
	Logs     *execlog.Logger
	Store    *storage.Store
	Embedder Embedder // optional; if nil, add_case stores cases without embeddings
}

// NewMCPServer creates an MCP server with all memento tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"memento",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memento: a self-improving case memory. Store query/answer cases, report how they perform, and let reflection keep the bank healthy."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_case",
			mcp.WithDescription("Store a query/answer case in the case bank for later retrieval."),
			mcp.WithString("query", mcp.Description("The query this case answers"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("The stored answer"), mcp.Required()),
		),
		mcpAddCase(deps),
	)

	s.AddTool(
		mcp.NewTool("record_outcome",
			mcp.WithDescription("Report how a case performed when applied in production."),
			mcp.WithString("case_id", mcp.Description("The case that was applied"), mcp.Required()),
			mcp.WithBoolean("success", mcp.Description("Whether applying the case succeeded"), mcp.Required()),
			mcp.WithString("error_kind", mcp.Description("Failure category, e.g. timeout or bad_answer")),
			mcp.WithString("error_detail", mcp.Description("Free-form failure detail")),
			mcp.WithNumber("duration_ms", mcp.Description("How long the application took, in milliseconds")),
		),
		mcpRecordOutcome(deps),
	)

	s.AddTool(
		mcp.NewTool("case_health",
			mcp.WithDescription("Report a case's stored health metrics and its unreflected execution backlog."),
			mcp.WithString("case_id", mcp.Description("The case to inspect"), mcp.Required()),
		),
		mcpCaseHealth(deps),
	)

	s.AddTool(
		mcp.NewTool("find_duplicates",
			mcp.WithDescription("Find cases whose embeddings are near-duplicates of the given case."),
			mcp.WithString("case_id", mcp.Description("The case to compare against"), mcp.Required()),
		),
		mcpFindDuplicates(deps),
	)

	s.AddTool(
		mcp.NewTool("bank_stats",
			mcp.WithDescription("Summarize the case bank: active and archived counts, executions, archive reasons."),
		),
		mcpBankStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memento://stats",
			"Bank Statistics",
			mcp.WithResourceDescription("Current case bank statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memento://archive/recent",
			"Recently Archived Cases",
			mcp.WithResourceDescription("Last 10 archived cases with their reasons"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceArchive(deps),
	)

	return s
}

func mcpAddCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}

		var embedding []float32
		if deps.Embedder != nil {
			vec, err := deps.Embedder.Embed(ctx, query)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to embed query: %v", err)), nil
			}
			embedding = vec
		}

		c, err := deps.Bank.Create(query, answer, embedding)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create case: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored case %s", c.ID)), nil
	}
}

func mcpRecordOutcome(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		success, err := req.RequireBool("success")
		if err != nil {
			return mcpError("success is required"), nil
		}

		params := execlog.Params{
			CaseID:      caseID,
			Success:     success,
			ErrorKind:   req.GetString("error_kind", ""),
			ErrorDetail: req.GetString("error_detail", ""),
		}
		if ms := req.GetInt("duration_ms", -1); ms >= 0 {
			d := int64(ms)
			params.DurationMs = &d
		}

		rec, err := deps.Logs.Record(params)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record outcome: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded execution %s", rec.ID)), nil
	}
}

func mcpCaseHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}

		c, err := deps.Bank.Get(caseID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get case: %v", err)), nil
		}
		backlog, err := deps.Logs.Backlog(caseID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute backlog: %v", err)), nil
		}

		health := map[string]any{
			"id":              c.ID,
			"status":          c.Status,
			"success_rate":    c.SuccessRate,
			"usage_count":     c.UsageCount,
			"low_performance": c.LowPerformance,
			"version":         c.Version,
			"backlog":         backlog,
		}
		if !c.LastUsedAt.IsZero() {
			health["last_used_at"] = c.LastUsedAt.Format(time.RFC3339)
		}

		b, err := json.Marshal(health)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFindDuplicates(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}

		c, err := deps.Bank.Get(caseID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get case: %v", err)), nil
		}
		if c.Embedding == nil {
			return mcpError("case has no embedding; duplicates cannot be detected"), nil
		}

		matches, err := deps.Bank.FindSimilar(ctx, c.Embedding, 0.95)
		if err != nil {
			return mcpError(fmt.Sprintf("similarity search failed: %v", err)), nil
		}

		type dupResult struct {
			ID         string  `json:"id"`
			Query      string  `json:"query"`
			UsageCount int     `json:"usage_count"`
			Score      float32 `json:"score"`
		}
		var results []dupResult
		for _, m := range matches {
			if m.Case.ID == caseID {
				continue
			}
			results = append(results, dupResult{
				ID:         m.Case.ID,
				Query:      m.Case.Query,
				UsageCount: m.Case.UsageCount,
				Score:      m.Score,
			})
		}
		if results == nil {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpBankStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceArchive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Bank.ListArchived(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list archive: %w", err)
		}

		type archiveSummary struct {
			ID         string `json:"id"`
			Query      string `json:"query"`
			Reason     string `json:"reason"`
			ArchivedAt string `json:"archived_at"`
		}
		summaries := make([]archiveSummary, len(recs))
		for i, rec := range recs {
			summaries[i] = archiveSummary{
				ID:         rec.ID,
				Query:      rec.Query,
				Reason:     rec.ArchivedReason,
				ArchivedAt: rec.ArchivedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal archive: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
