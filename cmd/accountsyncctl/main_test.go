package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/usersync"
)

type fakeEngine struct {
	mu sync.Mutex

	runs     []usersync.AllRequest
	runErr   error
	runRes   usersync.RunResult
	imports  []usersync.ImportOptions
	orphans  []usersync.OrphanRequest
	probe    usersync.ProbeReport
	exported string
	cursor   usersync.Cursor
	closed   bool

	cursorQueries []string
}

func (f *fakeEngine) RunAll(_ context.Context, req usersync.AllRequest) (usersync.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return f.runRes, f.runErr
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeEngine) LastCursor(_ context.Context, query, _ string) usersync.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorQueries = append(f.cursorQueries, query)
	return f.cursor
}

func (f *fakeEngine) DeleteOrphans(_ context.Context, req usersync.OrphanRequest) (usersync.OrphanResult, error) {
	f.orphans = append(f.orphans, req)
	return usersync.OrphanResult{Success: true, DryRun: req.DryRun, Orphans: []usersync.Account{{Email: "gone@example.com"}}, Deleted: []string{}, Errors: []usersync.RecordError{}}, nil
}

func (f *fakeEngine) ImportCSV(_ context.Context, r io.Reader, opts usersync.ImportOptions) (usersync.ImportResult, error) {
	if _, err := io.ReadAll(r); err != nil {
		return usersync.ImportResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports = append(f.imports, opts)
	return usersync.ImportResult{Success: true, DeleteMode: opts.DeleteMode, DryRun: opts.DryRun, Total: 1, Errors: []usersync.RecordError{}}, nil
}

func (f *fakeEngine) ExportCSV(_ context.Context, w io.Writer, _ usersync.ExportFormat) (int, error) {
	_, err := io.WriteString(w, f.exported)
	return 1, err
}

func (f *fakeEngine) ListAccounts(context.Context) (usersync.AccountReport, error) {
	return usersync.AccountReport{Total: 1, WithExternalID: 1, Accounts: []usersync.Account{{ID: "acct-1", Email: "a@example.com", ExternalID: "1"}}}, nil
}

func (f *fakeEngine) ProbeSource(context.Context) usersync.ProbeReport {
	return f.probe
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func execute(t *testing.T, engine *fakeEngine, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	opts := &rootOptions{
		getenv: func(string) string { return "" },
		open: func(config.Config, *zap.Logger) (syncEngine, io.Closer, error) {
			return engine, engine, nil
		},
	}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	if ctx == nil {
		ctx = context.Background()
	}
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand(&rootOptions{})
	for _, name := range []string{"run", "import", "export", "prune", "accounts", "probe", "watch-inbox"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("expected command %s, got %v (%v)", name, sub, err)
		}
	}
}

func TestRunOncePassesLimitsAndResumes(t *testing.T) {
	engine := &fakeEngine{
		cursor: usersync.OffsetCursor(200),
		runRes: usersync.RunResult{Success: true, Processed: 5, Created: 2, Batches: 2, NextCursor: "0", Errors: []usersync.RecordError{}},
	}
	out, err := execute(t, engine, nil, "run", "--once", "--max-batches", "2", "--budget", "30s", "--batch-size", "50", "--query", `status in ("active")`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(engine.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(engine.runs))
	}
	req := engine.runs[0]
	if req.MaxBatches != 2 || req.Budget != 30*time.Second || req.PageSize != 50 || req.Cursor.String() != "200" {
		t.Fatalf("unexpected run request: %+v", req)
	}
	if len(engine.cursorQueries) != 1 || engine.cursorQueries[0] != `status in ("active")` {
		t.Fatalf("expected resume cursor scoped to the query, got %v", engine.cursorQueries)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if result["created"] != float64(2) {
		t.Fatalf("unexpected output: %v", result)
	}
	if !engine.closed {
		t.Fatalf("expected runtime to be closed")
	}
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	engine := &fakeEngine{runErr: usersync.ErrAlreadyRunning, runRes: usersync.RunResult{HasMore: true, Errors: []usersync.RecordError{}}}
	if _, err := execute(t, engine, nil, "run", "--once"); err != nil {
		t.Fatalf("expected lease contention to be benign, got %v", err)
	}
}

func TestRunOnceReportsFailedRecords(t *testing.T) {
	engine := &fakeEngine{runRes: usersync.RunResult{Success: true, Failed: 1, Errors: []usersync.RecordError{{Error: "bad"}}}}
	_, err := execute(t, engine, nil, "run", "--once")
	if !errors.Is(err, errIncomplete) || exitCode(err) != 2 {
		t.Fatalf("expected incomplete exit, got %v", err)
	}
	if exitCode(errors.New("boom")) != 1 {
		t.Fatalf("expected exit code 1 for ordinary errors")
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	engine := &fakeEngine{runRes: usersync.RunResult{Success: true, Errors: []usersync.RecordError{}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, engine, ctx, "run", "--interval", "10ms", "--interval-jitter", "0")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.runCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated runs, got %d", engine.runCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not stop")
	}
}

func TestImportFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leavers.csv")
	if err := os.WriteFile(path, []byte("email,kintone_record_id\na@example.com,1\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	engine := &fakeEngine{}
	out, err := execute(t, engine, nil, "import", path, "--delete", "--dry-run")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(engine.imports) != 1 || !engine.imports[0].DeleteMode || !engine.imports[0].DryRun {
		t.Fatalf("unexpected import options: %+v", engine.imports)
	}
	if !strings.Contains(out, `"deleteMode": true`) {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, err := execute(t, engine, nil, "import", filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExportWritesFileOrStdout(t *testing.T) {
	engine := &fakeEngine{exported: "email\na@example.com\n"}
	out, err := execute(t, engine, nil, "export", "--format", "simple")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != engine.exported {
		t.Fatalf("unexpected stdout: %q", out)
	}

	dir := t.TempDir()
	if _, err := execute(t, engine, nil, "export", "--out", dir); err != nil {
		t.Fatalf("export to dir: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "users-*.csv"))
	if len(matches) != 1 {
		t.Fatalf("expected one dated export file, got %v", matches)
	}

	if _, err := execute(t, engine, nil, "export", "--format", "xlsx"); !errors.Is(err, usersync.ErrValidation) {
		t.Fatalf("expected validation error for bad format, got %v", err)
	}
}

func TestPruneAccountsAndProbe(t *testing.T) {
	engine := &fakeEngine{probe: usersync.ProbeReport{Success: false, Message: "0/3 probes succeeded"}}

	out, err := execute(t, engine, nil, "prune", "--dry-run")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(engine.orphans) != 1 || !engine.orphans[0].DryRun || !strings.Contains(out, "gone@example.com") {
		t.Fatalf("unexpected prune: %+v %s", engine.orphans, out)
	}

	out, err = execute(t, engine, nil, "accounts")
	if err != nil || !strings.Contains(out, `"usersWithKintoneId": 1`) {
		t.Fatalf("unexpected accounts output: %v %s", err, out)
	}

	if _, err := execute(t, engine, nil, "probe"); !errors.Is(err, errIncomplete) {
		t.Fatalf("expected failing probe to be incomplete, got %v", err)
	}
}

func TestWatchInboxProcessesDroppedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "new.csv"), []byte("email\na@example.com\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	engine := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, engine, ctx, "watch-inbox", dir, "--poll-interval", "20ms")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "new.csv")); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbox file was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch-inbox: %v", err)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Minute {
		t.Fatalf("expected min jitter interval 8m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Minute {
		t.Fatalf("expected max jitter interval 12m, got %s", got)
	}
}
