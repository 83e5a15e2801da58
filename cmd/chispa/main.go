package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/chispa/internal/api"
	"github.com/rendis/chispa/internal/scheduler"
	"github.com/rendis/chispa/pkg/mcp"
)

var rootCmd = &cobra.Command{
	Use:   "chispa",
	Short: "Chispa - queue-based command and workflow runtime",
	Long:  `Chispa accepts shell commands and workflow documents over HTTP or MCP, queues them per queue name, and executes them in Docker sandboxes with real-time event streaming and artifact capture.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime channel and scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker pools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd.Context())
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run API, scheduler and workers in one process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), true)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tool surface over stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMCP(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(allCmd)
	rootCmd.AddCommand(mcpCmd)
}

func runServe(ctx context.Context, withWorkers bool) error {
	cfg := loadConfig()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	issuer, err := api.NewTokenIssuer(cfg.Secret)
	if err != nil {
		return err
	}
	server := api.NewServer(api.Deps{
		Submitter:      a.submitter,
		Store:          a.store,
		Counters:       a.counters,
		Hub:            a.hub,
		Issuer:         issuer,
		Logger:         a.logger,
		InteractiveDir: cfg.InteractiveDir,
	})

	sched := scheduler.NewScheduler(a.store, a.submitter, a.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if withWorkers {
		w, err := a.buildWorker()
		if err != nil {
			return err
		}
		go w.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	a.logger.Info("http server listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runWorker(ctx context.Context) error {
	cfg := loadConfig()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	w, err := a.buildWorker()
	if err != nil {
		return err
	}

	a.logger.Info("worker pools starting", "pool_size", cfg.PoolSize)
	w.Run(ctx)
	return nil
}

func runMCP(ctx context.Context) error {
	cfg := loadConfig()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	server := mcp.NewChispaServer(mcp.ChispaServerDeps{
		Submitter: a.submitter,
		Store:     a.store,
		Counters:  a.counters,
		Logger:    a.logger,
	})
	return server.Serve(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
