package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/csvinbox"
	"github.com/quizdeck/accountsync/internal/usersync"
)

// errIncomplete marks a command that ran but reported failed records.
var errIncomplete = errors.New("completed with failures")

type runOptions struct {
	Once           bool
	Interval       time.Duration
	IntervalJitter float64
	MaxBatches     int
	Budget         time.Duration
	BatchSize      int
	Query          string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync accounts from the record source on an interval",
		Long: `Run a full sync (every batch until the source is exhausted or a limit is
reached), resuming from the stored checkpoint. Without --once the sync repeats
every --interval, jittered by --interval-jitter. A run that finds another
holder of the job lease is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			if !cmd.Flags().Changed("interval") {
				opts.Interval = s.cfg.Sync.Interval
			}
			if !cmd.Flags().Changed("interval-jitter") {
				opts.IntervalJitter = s.cfg.Sync.IntervalJitter
			}
			return runSchedule(cmd, s, *opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one sync and exit")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 15*time.Minute, "time between syncs")
	cmd.Flags().Float64Var(&opts.IntervalJitter, "interval-jitter", 0.2, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().IntVar(&opts.MaxBatches, "max-batches", 0, "batch limit per sync (default from config)")
	cmd.Flags().DurationVar(&opts.Budget, "budget", 0, "wall-clock budget per sync (default from config)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per batch (default from config)")
	cmd.Flags().StringVar(&opts.Query, "query", "", "extra record source filter")
	return cmd
}

func runSchedule(cmd *cobra.Command, s *session, opts runOptions) error {
	ctx := cmd.Context()
	syncOnce := func() (usersync.RunResult, error) {
		result, err := s.engine.RunAll(ctx, usersync.AllRequest{
			BatchRequest: usersync.BatchRequest{
				Cursor:   s.engine.LastCursor(ctx, opts.Query, ""),
				PageSize: opts.BatchSize,
				Query:    opts.Query,
			},
			MaxBatches: opts.MaxBatches,
			Budget:     opts.Budget,
		})
		if usersync.IsBenign(err) {
			s.logger.Info("sync already running, skipping")
			return result, nil
		}
		return result, err
	}

	if opts.Once {
		result, err := syncOnce()
		if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
			return writeErr
		}
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return errIncomplete
		}
		return nil
	}

	opts.IntervalJitter = clampJitterRatio(opts.IntervalJitter)
	if opts.Interval <= 0 {
		return &usersync.ValidationError{Field: "interval", Reason: "must be positive"}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if _, err := syncOnce(); err != nil {
			s.logger.Error("scheduled sync failed", zap.Error(err))
		}
		delay := jitteredIntervalWithSample(opts.Interval, opts.IntervalJitter, rng.Float64())
		s.logger.Info("next sync scheduled", zap.Duration("in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sync loop stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
		}
	}
}

func newImportCommand(root *rootOptions) *cobra.Command {
	var deleteMode, dryRun bool
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update accounts from a CSV file",
		Long: `Import accounts from a CSV with an email column and an optional
kintone_record_id column. With --delete the rows name accounts to delete; both
the email and the record id must match the same account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			result, err := s.engine.ImportCSV(cmd.Context(), file, usersync.ImportOptions{DeleteMode: deleteMode, DryRun: dryRun})
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return err
			}
			if result.Failed > 0 {
				return errIncomplete
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteMode, "delete", false, "delete the listed accounts instead of importing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}

func newExportCommand(root *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every account as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exportFormat, err := usersync.ParseExportFormat(format)
			if err != nil {
				return err
			}
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			var buf bytes.Buffer
			count, err := s.engine.ExportCSV(cmd.Context(), &buf, exportFormat)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if info, statErr := os.Stat(out); statErr == nil && info.IsDir() {
				out = filepath.Join(out, usersync.ExportFilename(time.Now()))
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d accounts to %s\n", count, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "full", "csv layout (simple|full)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file or directory (default stdout)")
	return cmd
}

func newPruneCommand(root *rootOptions) *cobra.Command {
	var dryRun bool
	var query string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete accounts no source record references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			result, err := s.engine.DeleteOrphans(cmd.Context(), usersync.OrphanRequest{Query: query, DryRun: dryRun})
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				return errIncomplete
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphans without deleting")
	cmd.Flags().StringVar(&query, "query", "", "extra record source filter")
	return cmd
}

func newAccountsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "Report accounts and their external id coverage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := s.engine.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newProbeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the record source answers queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			report := s.engine.ProbeSource(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Success {
				return errIncomplete
			}
			return nil
		},
	}
}

func newWatchInboxCommand(root *rootOptions) *cobra.Command {
	var debounce, poll time.Duration
	cmd := &cobra.Command{
		Use:   "watch-inbox [DIR]",
		Short: "Process CSV files dropped into a directory",
		Long: `Watch DIR (default inbox.dir from config) for CSV files. *.delete.csv runs
in delete mode and a .dryrun segment previews changes. Processed files and
their .result.json reports move to DIR/processed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			dir := s.cfg.Inbox.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if !cmd.Flags().Changed("debounce") {
				debounce = s.cfg.Inbox.Debounce
			}
			if !cmd.Flags().Changed("poll-interval") {
				poll = s.cfg.Inbox.PollInterval
			}
			watcher, err := csvinbox.New(s.engine, csvinbox.Options{
				Dir:          dir,
				Debounce:     debounce,
				PollInterval: poll,
				Logger:       s.logger.Named("inbox"),
			})
			if err != nil {
				return err
			}
			return watcher.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period after a file event")
	cmd.Flags().DurationVar(&poll, "poll-interval", 5*time.Second, "rescan interval")
	return cmd
}
