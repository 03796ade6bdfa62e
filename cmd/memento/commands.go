package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridge25/dt-rag-sub010/internal/config"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Manage stored cases",
}

var caseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a case to the bank",
	Long: `Add a case to the bank.

Examples:
  memento case add --query "how do I rotate the API key?" --answer "run scripts/rotate-key.sh"
  memento case add --query "deploy to staging" --file ./runbooks/deploy.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		answer, _ := cmd.Flags().GetString("answer")
		file, _ := cmd.Flags().GetString("file")

		if query == "" {
			return fmt.Errorf("--query is required")
		}
		if answer == "" && file == "" {
			return fmt.Errorf("one of --answer or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			answer = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/cases", map[string]any{
			"query":  query,
			"answer": answer,
		})
		if err != nil {
			return err
		}

		var created storage.CaseRecord
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Stored case %s", created.ID)
		return nil
	},
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/cases")
		if err != nil {
			return err
		}

		var cases []storage.CaseRecord
		if err := decodeJSON(resp, &cases); err != nil {
			return err
		}

		if len(cases) == 0 {
			fmt.Println("No cases found.")
			return nil
		}

		for _, c := range cases {
			query := c.Query
			if len(query) > 60 {
				query = query[:60] + "..."
			}
			status := c.Status
			if c.LowPerformance {
				status += " (low-perf)"
			}
			fmt.Printf("%s  %-20s  rate:%3d%%  used:%4d  %s\n",
				colorize(colorCyan, c.ID[:8]),
				status,
				c.SuccessRate,
				c.UsageCount,
				query,
			)
		}
		return nil
	},
}

var caseShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single case as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/cases/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var c any
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var caseArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/cases/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Archived case %s", args[0])
		return nil
	},
}

var caseAnalyzeCmd = &cobra.Command{
	Use:   "analyze <id>",
	Short: "Run a reflection analysis for a case",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("exactly one case id is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/cases/"+url.PathEscape(args[0])+"/analyze", nil)
		if err != nil {
			return err
		}

		var report struct {
			Total       int      `json:"total"`
			Successes   int      `json:"successes"`
			SuccessRate int      `json:"success_rate"`
			Suggestions []string `json:"suggestions"`
			Unavailable bool     `json:"suggestions_unavailable"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printStatus("Executions", "%d (%d succeeded)", report.Total, report.Successes)
		printStatus("Success rate", "%d%%", report.SuccessRate)
		if report.Unavailable {
			printWarning("Suggestions unavailable (model did not respond)")
		}
		for _, s := range report.Suggestions {
			printStep("%s", s)
		}
		return nil
	},
}

var caseSimilarCmd = &cobra.Command{
	Use:   "similar <query>",
	Short: "Find cases similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/similar", map[string]any{
			"query":     strings.Join(args, " "),
			"threshold": threshold,
		})
		if err != nil {
			return err
		}

		var matches []struct {
			Case  storage.CaseRecord `json:"Case"`
			Score float32            `json:"Score"`
		}
		if err := decodeJSON(resp, &matches); err != nil {
			return err
		}

		if len(matches) == 0 {
			fmt.Println("No similar cases found.")
			return nil
		}

		for _, m := range matches {
			query := m.Case.Query
			if len(query) > 70 {
				query = query[:70] + "..."
			}
			fmt.Printf("%s  [%.3f]  %s\n", colorize(colorCyan, m.Case.ID[:8]), m.Score, query)
		}
		return nil
	},
}

func init() {
	caseAddCmd.Flags().String("query", "", "the query this case answers")
	caseAddCmd.Flags().String("answer", "", "the answer to store")
	caseAddCmd.Flags().String("file", "", "read the answer from a file")
	caseSimilarCmd.Flags().Float64("threshold", 0.8, "minimum similarity score")

	caseCmd.AddCommand(caseAddCmd)
	caseCmd.AddCommand(caseListCmd)
	caseCmd.AddCommand(caseShowCmd)
	caseCmd.AddCommand(caseArchiveCmd)
	caseCmd.AddCommand(caseAnalyzeCmd)
	caseCmd.AddCommand(caseSimilarCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show case bank statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}

		var stats storage.BankStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Active cases", "%d", stats.ActiveCases)
		printStatus("Flagged cases", "%d", stats.FlaggedCases)
		printStatus("Executions", "%d", stats.Executions)
		for reason, count := range stats.ArchivedByReason {
			printStatus("Archived ("+reason+")", "%d", count)
		}
		return nil
	},
}

// --- maintain ---

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run a full maintenance sweep now",
	Long: `Run a full maintenance sweep now.

Reflects on every active case, then applies the consolidation rules
(low performance, duplicates, inactivity). The same sweep runs on the
server's own schedule; this command just runs it early.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running maintenance sweep...")
		start := time.Now()

		resp, err := client.post(cmd.Context(), "/v1/maintenance", nil)
		if err != nil {
			return err
		}

		var result struct {
			Reflection struct {
				Analyzed int `json:"analyzed"`
				Deferred int `json:"deferred"`
				Failed   int `json:"failed"`
			} `json:"reflection"`
			Consolidation struct {
				LowPerformance int `json:"low_performance"`
				Duplicates     int `json:"duplicates"`
				Inactive       int `json:"inactive"`
			} `json:"consolidation"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Analyzed", "%d (deferred %d, failed %d)",
			result.Reflection.Analyzed, result.Reflection.Deferred, result.Reflection.Failed)
		printStatus("Archived", "low-performance %d, duplicate %d, inactive %d",
			result.Consolidation.LowPerformance, result.Consolidation.Duplicates, result.Consolidation.Inactive)
		printSuccess("Maintenance finished in %s", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store the API bearer token in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAPIToken(args[0]); err != nil {
			return err
		}

		printSuccess("API token stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
