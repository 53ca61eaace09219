package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gluk-w/logfetcher/internal/config"
	"github.com/gluk-w/logfetcher/internal/events"
	"github.com/gluk-w/logfetcher/internal/fetcher"
	"github.com/gluk-w/logfetcher/internal/journal"
	"github.com/gluk-w/logfetcher/internal/logging"
	"github.com/gluk-w/logfetcher/internal/scheduler"
	"github.com/gluk-w/logfetcher/internal/status"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "logfetcher",
	Short: "logfetcher harvests rotated log files from remote hosts over ssh",
	Long: `logfetcher maintains one persistent ssh session per configured host to
list rotated log files and fetches every missing one, compressed, into a
date-stamped local archive tree.`,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run the fetch daemon until terminated",
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"force debug logging and mirror log output to stdout")
	rootCmd.AddCommand(fetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if verbose {
		cfg.General.LogLevel = "debug"
	}
	level, err := logging.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.General.LogFile, level, verbose); err != nil {
		return err
	}
	slog.Info("starting", "config", cfgPath, "hosts", len(cfg.Hosts))

	recorder := events.NewRecorder()

	var sink fetcher.TransferSink
	if cfg.General.JournalFile != "" {
		j, err := journal.Open(cfg.General.JournalFile)
		if err != nil {
			return err
		}
		defer j.Close()
		sink = j
		slog.Info("transfer journal enabled", "path", cfg.General.JournalFile)
	}

	schedEngines := make([]scheduler.Engine, 0, len(cfg.Hosts))
	statusEngines := make([]status.Engine, 0, len(cfg.Hosts))
	for _, host := range cfg.Hosts {
		e := fetcher.New(host, cfg.General, recorder, sink)
		schedEngines = append(schedEngines, e)
		statusEngines = append(statusEngines, e)
	}

	sched, err := scheduler.New(schedEngines, cfg.General.LogCheckInterval, cfg.General.StatusLogInterval)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.General.StatusAddr != "" {
		srv := status.NewServer(statusEngines, recorder)
		go func() {
			if err := srv.ListenAndServe(sigCtx, cfg.General.StatusAddr); err != nil {
				slog.Error("status surface failed", "error", err)
			}
		}()
	}

	sched.Start()
	<-sigCtx.Done()
	slog.Info("signal received, shutting down")

	sched.Stop()
	// Flush the final counters so short runs still report.
	sched.FlushStatus()
	return nil
}
