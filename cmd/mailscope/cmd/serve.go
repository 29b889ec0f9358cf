package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mailscope/mailscope/internal/api"
	"github.com/mailscope/mailscope/internal/scheduler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mailscope API server",
	Long: `Run mailscope as a long-running daemon serving the HTTP API.

The daemon runs in the foreground and performs:
  - HTTP API on the configured port (default: 8080)
  - Periodic log flushes ([scheduler] flush_schedule, cron format)
  - Periodic metadata log compaction ([scheduler] compact_schedule)

Cron format: minute hour day-of-month month day-of-week
  Examples:
    */5 * * * *   = Every 5 minutes
    0 4 * * 0     = 4:00 AM on Sundays

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	grants, err := openGrants()
	if err != nil {
		return err
	}
	contexts, err := openContexts()
	if err != nil {
		return err
	}

	// Maintenance jobs
	sched := scheduler.New().WithLogger(logger)
	if err := sched.AddJob("flush", cfg.Scheduler.FlushSchedule, func(ctx context.Context) error {
		if err := s.dict.Flush(); err != nil {
			return fmt.Errorf("flush term dictionary: %w", err)
		}
		return s.store.Sync()
	}); err != nil {
		return err
	}
	if err := sched.AddJob("compact", cfg.Scheduler.CompactSchedule, func(ctx context.Context) error {
		return s.store.Compact()
	}); err != nil {
		return err
	}
	sched.Start()

	apiServer := api.NewServer(cfg, api.Deps{
		Engine:   s.engine,
		Store:    s.store,
		Dict:     s.dict,
		Grants:   grants,
		Contexts: contexts,
		Sched:    sched,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailscope daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Messages:   %d\n", s.store.Count())
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for _, status := range sched.Status() {
		fmt.Printf("  %s: next run at %s\n", status.Name, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}

	var runErr error
	select {
	case <-cmd.Context().Done():
		logger.Info("received shutdown signal")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("scheduler did not stop in time")
	}

	return runErr
}
