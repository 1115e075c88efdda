// Package csvinbox runs account CSV imports for files dropped into a
// directory. A file named *.delete.csv runs in delete mode and a
// *.dryrun.csv segment turns on dry run, so "leavers.delete.dryrun.csv"
// previews a deletion.
package csvinbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/usersync"
)

const (
	ProcessedDir = "processed"

	defaultDebounce     = 500 * time.Millisecond
	defaultPollInterval = 5 * time.Second
	stampLayout         = "20060102T150405Z"
)

// Importer is the part of the sync engine the inbox drives.
type Importer interface {
	ImportCSV(ctx context.Context, r io.Reader, opts usersync.ImportOptions) (usersync.ImportResult, error)
}

type Options struct {
	Dir          string
	Debounce     time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Report is written next to each processed file as <name>.result.json.
type Report struct {
	File        string                 `json:"file"`
	DeleteMode  bool                   `json:"deleteMode"`
	DryRun      bool                   `json:"dryRun"`
	ProcessedAt time.Time              `json:"processedAt"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Result      *usersync.ImportResult `json:"result,omitempty"`
	MovedTo     string                 `json:"movedTo"`
}

type Watcher struct {
	importer     Importer
	dir          string
	debounce     time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu sync.Mutex
}

func New(importer Importer, opts Options) (*Watcher, error) {
	if importer == nil {
		return nil, &usersync.ConfigurationError{Missing: []string{"csv importer"}}
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, &usersync.ConfigurationError{Missing: []string{"ACCOUNTSYNC_INBOX_DIR"}}
	}
	if err := os.MkdirAll(filepath.Join(dir, ProcessedDir), 0o755); err != nil {
		return nil, fmt.Errorf("prepare inbox: %w", err)
	}
	w := &Watcher{
		importer:     importer,
		dir:          dir,
		debounce:     opts.Debounce,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

// Run processes files already waiting, then reacts to new ones until ctx is
// done. fsnotify events are debounced; a periodic rescan covers events the
// watcher misses and is the only trigger when fsnotify cannot start.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("initial inbox scan failed", zap.String("dir", w.dir), zap.Error(err))
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(w.dir); addErr != nil {
			_ = watcher.Close()
			err = addErr
		}
	}
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling inbox",
			zap.String("dir", w.dir),
			zap.Duration("interval", w.pollInterval),
			zap.Error(err),
		)
	} else {
		defer watcher.Close()
		events = watcher.Events
		watchErrors = watcher.Errors
	}
	w.logger.Info("watching csv inbox", zap.String("dir", w.dir), zap.Bool("polling", events == nil))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isInboxFile(filepath.Base(event.Name)) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
			debounceC = debounce.C
		case watchErr, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			w.logger.Warn("inbox watcher error", zap.Error(watchErr))
		case <-debounceC:
			debounceC = nil
			w.scan(ctx)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("inbox scan failed", zap.String("dir", w.dir), zap.Error(err))
	}
}

// ProcessPending handles every waiting CSV file in name order and returns
// how many it processed.
func (w *Watcher) ProcessPending(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isInboxFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	processed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if _, err := w.processFile(ctx, name); err != nil {
			if errors.Is(err, errRetryLater) {
				break
			}
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// errRetryLater leaves a file in the inbox for the next scan.
var errRetryLater = errors.New("import deferred")

// processFile runs one file through the importer. Import failures are
// recorded in the report; only filesystem failures are returned. A file that
// could not start because another sync holds the lease stays in place.
func (w *Watcher) processFile(ctx context.Context, name string) (Report, error) {
	deleteMode, dryRun := ModeFromName(name)
	now := w.now().UTC()
	report := Report{
		File:        name,
		DeleteMode:  deleteMode,
		DryRun:      dryRun,
		ProcessedAt: now,
	}
	source := filepath.Join(w.dir, name)

	file, err := os.Open(source)
	if err != nil {
		return report, err
	}
	result, importErr := w.importer.ImportCSV(ctx, file, usersync.ImportOptions{DeleteMode: deleteMode, DryRun: dryRun})
	_ = file.Close()
	if importErr != nil && errors.Is(importErr, context.Canceled) {
		return report, importErr
	}
	if usersync.IsBenign(importErr) {
		w.logger.Info("inbox file deferred; sync in progress", zap.String("file", name), zap.Error(importErr))
		return report, errRetryLater
	}

	report.Result = &result
	report.Success = importErr == nil && result.Success
	if importErr != nil {
		report.Error = importErr.Error()
	}

	stamped := now.Format(stampLayout) + "-" + name
	report.MovedTo = filepath.Join(ProcessedDir, stamped)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	resultPath := filepath.Join(w.dir, ProcessedDir, strings.TrimSuffix(stamped, filepath.Ext(stamped))+".result.json")
	if err := writeFileAtomic(resultPath, data); err != nil {
		return report, err
	}
	if err := os.Rename(source, filepath.Join(w.dir, report.MovedTo)); err != nil {
		return report, err
	}

	fields := []zap.Field{
		zap.String("file", name),
		zap.Bool("delete_mode", deleteMode),
		zap.Bool("dry_run", dryRun),
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
	}
	if importErr != nil {
		w.logger.Warn("inbox file failed", append(fields, zap.Error(importErr))...)
	} else {
		w.logger.Info("inbox file processed", fields...)
	}
	return report, nil
}

// ModeFromName reads the delete and dry-run markers from the dot-separated
// segments between the base name and the .csv extension.
func ModeFromName(name string) (deleteMode, dryRun bool) {
	base := strings.ToLower(filepath.Base(name))
	base = strings.TrimSuffix(base, ".csv")
	segments := strings.Split(base, ".")
	for _, segment := range segments[1:] {
		switch segment {
		case "delete":
			deleteMode = true
		case "dryrun", "dry-run":
			dryRun = true
		}
	}
	return deleteMode, dryRun
}

func isInboxFile(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".csv")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
