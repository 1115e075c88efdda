package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/app"
	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/logging"
	"github.com/quizdeck/accountsync/internal/usersync"
)

// syncEngine is the part of usersync.Engine the CLI drives.
type syncEngine interface {
	RunAll(ctx context.Context, req usersync.AllRequest) (usersync.RunResult, error)
	LastCursor(ctx context.Context, query, emailField string) usersync.Cursor
	DeleteOrphans(ctx context.Context, req usersync.OrphanRequest) (usersync.OrphanResult, error)
	ImportCSV(ctx context.Context, r io.Reader, opts usersync.ImportOptions) (usersync.ImportResult, error)
	ExportCSV(ctx context.Context, w io.Writer, format usersync.ExportFormat) (int, error)
	ListAccounts(ctx context.Context) (usersync.AccountReport, error)
	ProbeSource(ctx context.Context) usersync.ProbeReport
}

type openFunc func(cfg config.Config, logger *zap.Logger) (syncEngine, io.Closer, error)

type rootOptions struct {
	ConfigPath string
	LogLevel   string

	getenv func(string) string
	open   openFunc
}

func openRuntime(cfg config.Config, logger *zap.Logger) (syncEngine, io.Closer, error) {
	runtime, err := app.Build(cfg, app.Deps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, nil, err
	}
	return runtime.Engine, runtime, nil
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	if opts.getenv == nil {
		opts.getenv = os.Getenv
	}
	if opts.open == nil {
		opts.open = openRuntime
	}
	cmd := &cobra.Command{
		Use:   "accountsyncctl",
		Short: "Operate the kintone to Supabase account sync",
		Long: `accountsyncctl runs account reconciliation jobs from the command line.

Credentials and defaults come from the YAML file named by --config or
ACCOUNTSYNC_CONFIG, overridden by KINTONE_* and SUPABASE_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (default $ACCOUNTSYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newAccountsCommand(opts))
	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newWatchInboxCommand(opts))
	return cmd
}

type session struct {
	cfg    config.Config
	logger *zap.Logger
	engine syncEngine
	closer io.Closer
}

func (s *session) Close() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn("closing state store", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// openSession loads config, builds the logger and opens the engine. Logs go
// to stderr so stdout carries only command output.
func (o *rootOptions) openSession() (*session, error) {
	bootLogger, err := logging.New(logging.Config{Level: "warn"})
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.ConfigPath, o.getenv, bootLogger)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	engine, closer, err := o.open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, engine: engine, closer: closer}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
