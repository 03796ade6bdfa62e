package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/bridge25/dt-rag-sub010/internal/api"
	"github.com/bridge25/dt-rag-sub010/internal/casebank"
	"github.com/bridge25/dt-rag-sub010/internal/config"
	"github.com/bridge25/dt-rag-sub010/internal/consolidation"
	"github.com/bridge25/dt-rag-sub010/internal/engine"
	"github.com/bridge25/dt-rag-sub010/internal/execlog"
	"github.com/bridge25/dt-rag-sub010/internal/reflection"
	"github.com/bridge25/dt-rag-sub010/internal/scheduler"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

// executionRetention is how long execution records are kept before the
// startup sweep removes them.
const executionRetention = 30 * 24 * time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memento server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memento server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memento system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memento.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "memento version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("memento is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("memento is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness and pull missing models.
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.SuggestModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Build the case memory stack. The execution logger notifies the
	// scheduler about backlogs, and the scheduler drives the reflector,
	// which reads the logger; the notifier is wired last to close the loop.
	bank := casebank.New(store, cfg.Bank.EmbeddingDim)
	logs := execlog.New(store, nil, cfg.Reflection.BacklogThreshold)
	embedder := engine.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	suggester := reflection.NewSuggester(eng, cfg.Ollama.SuggestModel)
	reflector := reflection.New(bank, logs, suggester, cfg.Reflection.SuggestionsPerMinute)
	policy := consolidation.New(bank)
	sched := scheduler.New(reflector, policy, time.Duration(cfg.Scheduler.IntervalMinutes)*time.Minute)
	logs.SetNotifier(sched)

	// Drop execution records past retention before taking traffic.
	if _, err := logs.SweepBefore(time.Now().Add(-executionRetention)); err != nil {
		slog.Warn("retention sweep failed", "error", err)
	}

	sched.Start(ctx)
	defer sched.Stop()

	// Management API with a bounded connection count.
	appHandler := api.NewAppHandler(api.AppDeps{
		Bank:       bank,
		Logs:       logs,
		Store:      store,
		Reflector:  reflector,
		Maintainer: sched,
		Embedder:   embedder,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	srv := &http.Server{Handler: appHandler}

	// MCP server over streamable HTTP on its own port.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Bank:     bank,
		Logs:     logs,
		Store:    store,
		Embedder: embedder,
	})
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)

	errCh := make(chan error, 2)
	go func() {
		fmt.Fprintf(os.Stderr, "memento listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		slog.Info("MCP server started", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("mcp server: %w", err)
		}
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("memento is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memento (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memento (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check Ollama.
	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Suggest model", "%s", cfg.Ollama.SuggestModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	// Show bank stats if server is running.
	if running {
		if apiC, err := newAPIClient(); err == nil {
			if statsResp, err := apiC.get(ctx, "/v1/stats"); err == nil {
				var stats storage.BankStats
				if decodeJSON(statsResp, &stats) == nil {
					archived := 0
					for _, n := range stats.ArchivedByReason {
						archived += n
					}
					printStatus("Active cases", "%d", stats.ActiveCases)
					printStatus("Flagged cases", "%d", stats.FlaggedCases)
					printStatus("Archived cases", "%d", archived)
					printStatus("Executions", "%d", stats.Executions)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
