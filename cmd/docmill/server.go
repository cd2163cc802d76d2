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

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/api"
	"github.com/docmill/docmill/internal/backend"
	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/internal/storage"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docmill HTTP API (or the MCP stdio server with --mcp)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveMCP {
			return runMCPServer()
		}
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve the MCP protocol over stdio instead of HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docmill.pid")
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

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildDeps opens storage and cache, detects the analysis backend and
// assembles the shared API dependencies. The caller owns the store.
func buildDeps(ctx context.Context, cfg config.Config) (api.Deps, *storage.Store, error) {
	c, err := cache.Open(cfg.Storage.CacheDir)
	if err != nil {
		return api.Deps{}, nil, fmt.Errorf("opening cache: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return api.Deps{}, nil, fmt.Errorf("opening catalog: %w", err)
	}

	provider, err := backend.Detect(ctx, detectConfig(cfg))
	if err != nil {
		store.Close()
		return api.Deps{}, nil, fmt.Errorf("detecting analysis backend: %w", err)
	}
	slog.Info("analysis backend ready", "provider", provider.Name())

	deps := api.Deps{
		Store: store,
		Cache: c,
		Processor: &configuredProcessor{
			coord: pipeline.New(c, store, provider),
			cfg:   cfg,
		},
		Token: cfg.Server.APIToken,
	}
	return deps, store, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docmill version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docmill is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docmill is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, store, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing catalog: %v\n", err)
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docmill listening on %s\n", addr)
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

func runMCPServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, store, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing catalog: %v\n", err)
		}
	}()

	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

// configuredProcessor fills request options that API clients leave at
// their zero value with the configured defaults before delegating to
// the pipeline coordinator.
type configuredProcessor struct {
	coord *pipeline.Coordinator
	cfg   config.Config
}

func (p *configuredProcessor) Process(ctx context.Context, path string, opts pipeline.Options) (*pipeline.Result, error) {
	if opts.Workers == 0 {
		opts.Workers = p.cfg.Pipeline.Workers
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = p.cfg.Pipeline.MaxSegmentSize
	}
	if opts.OverlapSize == 0 {
		opts.OverlapSize = p.cfg.Pipeline.OverlapSize
	}
	if opts.Merge == (analysis.MergeConfig{}) {
		opts.Merge = analysisMergeConfig(p.cfg)
	}
	return p.coord.Process(ctx, path, opts)
}
