package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/memoir/internal/api"
	"github.com/kalambet/memoir/internal/config"
	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memoir server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipModels, _ := cmd.Flags().GetBool("skip-models")
		noWorker, _ := cmd.Flags().GetBool("no-worker")
		return runServer(skipModels, noWorker)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memoir server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoir system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("skip-models", false, "do not check or pull local models")
	startCmd.Flags().Bool("no-worker", false, "do not run the background analysis worker")
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memoir.pid")
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

func runServer(skipModels, noWorker bool) error {
	fmt.Fprintf(os.Stderr, "memoir version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("memoir is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("memoir is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if !skipModels {
		if err := engine.EnsureReady(ctx, a.engine, cfg.Ollama.PhiModel, cfg.Ollama.QwenModel, os.Stderr); err != nil {
			return err
		}
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       a.store,
		Profile:     a.profile,
		Ingest:      a.ingest,
		Chat:        a.chat,
		Worker:      a.worker,
		Privacy:     a.gate,
		Contracts:   a.apply,
		BatchLimit:  cfg.Worker.BatchLimit,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Token:       cfg.APIToken,
	})

	mux := http.NewServeMux()
	mux.Handle("/health", api.NewHealthHandler(a.store, a.engine))
	mux.Handle("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if !noWorker {
		go a.worker.Run(ctx)
		slog.Info("analysis worker started", "backend", cfg.Worker.Backend, "concurrency", cfg.Worker.Concurrency)
	}

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:       a.store,
			Profile:     a.profile,
			Ingest:      a.ingest,
			Chat:        a.chat,
			MaxAttempts: cfg.Worker.MaxAttempts,
			Version:     version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "memoir listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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
		printError("memoir is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memoir (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memoir (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if engine.NewOllamaEngine(cfg.Ollama.BaseURL).IsRunning(context.Background()) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Analysis model", "%s", cfg.Ollama.PhiModel)
	printStatus("Answer model", "%s", cfg.Ollama.QwenModel)
	printStatus("Chat engine", "%s", cfg.Chat.Engine)
	if cfg.Cloud.Enabled {
		printStatus("Cloud", "enabled (default %s, max privacy %s)", cfg.Cloud.DefaultProvider, cfg.Cloud.MaxPrivacyLevel)
	} else {
		printStatus("Cloud", "disabled")
	}

	if running {
		c := &apiClient{baseURL: serverURL, token: cfg.APIToken, httpClient: client}
		if r, err := c.get(context.Background(), "/queue"); err == nil {
			var sum storage.StatusSummary
			if decodeJSON(r, &sum) == nil {
				printStatus("Queue", "%d pending, %d running, %d done, %d failed",
					sum.Pending, sum.Running, sum.Done, sum.FailedRetriable+sum.FailedExhausted)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
