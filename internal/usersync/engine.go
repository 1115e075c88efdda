package usersync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultJob = "kintone-users"

	defaultEmailField      = "email"
	defaultIndexPageSize   = 1000
	defaultIndexMaxPages   = 100
	defaultMaxOffset       = 10000
	defaultFetchMultiplier = 5
	defaultMinFetch        = 500
	defaultMaxFetch        = 500
	defaultCreateChunkSize = 50
	defaultBudget          = 50 * time.Second
	defaultMaxBatches      = 10
	defaultPageSize        = 100
	defaultLeaseTTL        = 2 * time.Minute
	defaultLeaseWait       = 5 * time.Second
	leasePollInterval      = 100 * time.Millisecond
)

type Options struct {
	Job             string
	EmailField      string
	Groups          []string
	IndexPageSize   int
	IndexMaxPages   int
	MaxOffset       int
	FetchMultiplier int
	MinFetch        int
	MaxFetch        int
	CreateChunkSize int
	PageSize        int
	Budget          time.Duration
	MaxBatches      int
	LeaseTTL        time.Duration
	LeaseWait       time.Duration

	Leases      LeaseStore
	Checkpoints CheckpointStore
	Metrics     Recorder
	Progress    ProgressFunc
	Logger      *zap.Logger
	Now         func() time.Time
	Passwords   func() (string, error)
}

// Engine reconciles external records with store accounts.
type Engine struct {
	source RecordSource
	store  AccountStore
	opts   Options
	logger *zap.Logger
}

func NewEngine(source RecordSource, store AccountStore, opts Options) (*Engine, error) {
	var missing []string
	if source == nil {
		missing = append(missing, "record source")
	}
	if store == nil {
		missing = append(missing, "account store")
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}
	if opts.Job == "" {
		opts.Job = DefaultJob
	}
	if opts.EmailField == "" {
		opts.EmailField = defaultEmailField
	}
	if opts.Groups == nil {
		opts.Groups = DefaultGroups
	}
	if opts.IndexPageSize <= 0 {
		opts.IndexPageSize = defaultIndexPageSize
	}
	if opts.IndexMaxPages <= 0 {
		opts.IndexMaxPages = defaultIndexMaxPages
	}
	if opts.MaxOffset <= 0 {
		opts.MaxOffset = defaultMaxOffset
	}
	if opts.FetchMultiplier <= 0 {
		opts.FetchMultiplier = defaultFetchMultiplier
	}
	if opts.MaxFetch <= 0 {
		opts.MaxFetch = defaultMaxFetch
	}
	if opts.MinFetch <= 0 {
		opts.MinFetch = defaultMinFetch
	}
	if opts.MinFetch > opts.MaxFetch {
		opts.MinFetch = opts.MaxFetch
	}
	if opts.CreateChunkSize <= 0 {
		opts.CreateChunkSize = defaultCreateChunkSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.LeaseWait < 0 {
		opts.LeaseWait = 0
	} else if opts.LeaseWait == 0 {
		opts.LeaseWait = defaultLeaseWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Passwords == nil {
		opts.Passwords = func() (string, error) { return GenerateTempPassword(32) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source: source,
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("job", opts.Job)),
	}, nil
}

func (e *Engine) Job() string {
	return e.opts.Job
}

func (e *Engine) EmailField() string {
	return e.opts.EmailField
}

// fetchSize over-provisions the source page because filtering shrinks it.
func (e *Engine) fetchSize(pageSize int) int {
	size := pageSize * e.opts.FetchMultiplier
	if size < e.opts.MinFetch {
		size = e.opts.MinFetch
	}
	if size > e.opts.MaxFetch {
		size = e.opts.MaxFetch
	}
	return size
}

func (e *Engine) recordFilter(query string) func(ExternalRecord) bool {
	if query != "" {
		return func(ExternalRecord) bool { return true }
	}
	groups := e.opts.Groups
	return func(record ExternalRecord) bool { return MatchesGroups(record, groups) }
}

func (e *Engine) acquireLease(ctx context.Context, wait time.Duration) (*LeaseToken, error) {
	if e.opts.Leases == nil {
		return nil, nil
	}
	deadline := e.opts.Now().Add(wait)
	for {
		token, err := e.opts.Leases.AcquireLease(ctx, e.opts.Job, e.opts.LeaseTTL)
		if err == nil {
			return &token, nil
		}
		if !errors.Is(err, ErrAlreadyRunning) {
			return nil, err
		}
		if wait <= 0 || !e.opts.Now().Before(deadline) {
			e.recordLeaseContention()
			return nil, err
		}
		timer := time.NewTimer(leasePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) renewLease(ctx context.Context, token *LeaseToken) {
	if token == nil || e.opts.Leases == nil {
		return
	}
	renewed, err := e.opts.Leases.RenewLease(ctx, *token, e.opts.LeaseTTL)
	if err != nil {
		e.logger.Warn("lease renewal failed", zap.Error(err))
		return
	}
	*token = renewed
}

func (e *Engine) releaseLease(token *LeaseToken) {
	if token == nil || e.opts.Leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Leases.ReleaseLease(ctx, *token); err != nil {
		e.logger.Warn("lease release failed", zap.Error(err))
	}
}

func (e *Engine) loadCheckpoint(ctx context.Context) *Checkpoint {
	if e.opts.Checkpoints == nil {
		return nil
	}
	checkpoint, err := e.opts.Checkpoints.LoadCheckpoint(ctx, e.opts.Job)
	if err != nil {
		e.logger.Warn("checkpoint load failed; starting without carry-over", zap.Error(err))
		return nil
	}
	return checkpoint
}

func (e *Engine) storeCheckpoint(ctx context.Context, checkpoint *Checkpoint) {
	if e.opts.Checkpoints == nil {
		return
	}
	var err error
	if checkpoint == nil {
		err = e.opts.Checkpoints.ClearCheckpoint(ctx, e.opts.Job)
	} else {
		err = e.opts.Checkpoints.SaveCheckpoint(ctx, *checkpoint)
	}
	if err != nil {
		e.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}

// LastCursor returns the cursor of the stored checkpoint when it was written
// for the same query and email field, or the start. An empty emailField
// means the configured one.
func (e *Engine) LastCursor(ctx context.Context, query, emailField string) Cursor {
	if emailField == "" {
		emailField = e.opts.EmailField
	}
	checkpoint := e.loadCheckpoint(ctx)
	if !checkpoint.covers(query, emailField) {
		return Cursor{}
	}
	cursor, err := ParseCursor(checkpoint.Cursor)
	if err != nil {
		return Cursor{}
	}
	return cursor
}

func (e *Engine) publish(progress Progress) {
	if e.opts.Progress == nil {
		return
	}
	progress.Job = e.opts.Job
	progress.At = e.opts.Now().UTC()
	e.opts.Progress(progress)
}

func (e *Engine) recordRun(mode, outcome string, elapsed time.Duration) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveRun(mode, outcome, elapsed)
	}
}

func (e *Engine) recordBatch() {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveBatch()
	}
}

func (e *Engine) recordOutcome(action string, count int) {
	if e.opts.Metrics != nil && count > 0 {
		e.opts.Metrics.ObserveRecords(action, count)
	}
}

func (e *Engine) recordLeaseContention() {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveLeaseContention()
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "error"
	}
}
