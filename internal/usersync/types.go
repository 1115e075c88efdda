package usersync

import (
	"context"
	"time"
)

// ExternalRecord is one entry of the record source. An empty ExternalID or
// Email means the field was absent.
type ExternalRecord struct {
	ExternalID       string         `json:"externalId"`
	Email            string         `json:"email"`
	GroupMemberships []string       `json:"groupMemberships,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// Account is a user held by the account store.
type Account struct {
	ID                string         `json:"id"`
	Email             string         `json:"email"`
	ExternalID        string         `json:"kintone_record_id,omitempty"`
	ExternalIDType    string         `json:"kintone_record_id_type,omitempty"`
	IsInitialPassword bool           `json:"is_initial_password"`
	CreatedAt         time.Time      `json:"created_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at,omitempty"`
	EmailConfirmedAt  *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata          map[string]any `json:"-"`
}

type NewAccount struct {
	Email           string
	ExternalID      string
	Password        string
	InitialPassword bool
}

// AccountUpdate changes only the non-empty fields.
type AccountUpdate struct {
	Email      string
	ExternalID string
}

type FetchRequest struct {
	Cursor     Cursor
	Limit      int
	Query      string
	EmailField string
}

type RecordSource interface {
	// FetchRecords returns records in ascending external id order starting at
	// the cursor. A page shorter than Limit means the source is exhausted.
	FetchRecords(ctx context.Context, req FetchRequest) ([]ExternalRecord, error)
	FindByEmail(ctx context.Context, emailField, email string) (ExternalRecord, bool, error)
	// Probe runs a raw source query and reports how many records it returned.
	Probe(ctx context.Context, rawQuery string) (int, error)
}

type AccountStore interface {
	ListAccounts(ctx context.Context, page, perPage int) ([]Account, error)
	CreateAccount(ctx context.Context, account NewAccount) (Account, error)
	UpdateAccount(ctx context.Context, id string, update AccountUpdate) (Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

type LeaseToken struct {
	Job       string    `json:"job"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LeaseStore grants one holder per job at a time. Acquire returns
// ErrAlreadyRunning while an unexpired lease is held by someone else.
type LeaseStore interface {
	AcquireLease(ctx context.Context, job string, ttl time.Duration) (LeaseToken, error)
	RenewLease(ctx context.Context, token LeaseToken, ttl time.Duration) (LeaseToken, error)
	ReleaseLease(ctx context.Context, token LeaseToken) error
}

// Checkpoint persists where a job stopped and the fetched records that
// were not processed yet. Query and EmailField record what produced them.
type Checkpoint struct {
	Job           string           `json:"job"`
	Cursor        string           `json:"cursor"`
	Query         string           `json:"query,omitempty"`
	EmailField    string           `json:"emailField,omitempty"`
	FetchCursor   string           `json:"fetchCursor"`
	Carry         []ExternalRecord `json:"carry,omitempty"`
	SourceHasMore bool             `json:"sourceHasMore"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// covers reports whether the checkpoint was written by a run over the same
// query and email field.
func (c *Checkpoint) covers(query, emailField string) bool {
	return c != nil && c.Query == query && c.EmailField == emailField
}

type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, job string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	ClearCheckpoint(ctx context.Context, job string) error
}

type Recorder interface {
	ObserveRun(mode, outcome string, elapsed time.Duration)
	ObserveBatch()
	ObserveRecords(action string, count int)
	ObserveLeaseContention()
}

type Progress struct {
	Job          string    `json:"job"`
	Batch        int       `json:"batch"`
	Cursor       string    `json:"cursor"`
	Processed    int       `json:"processed"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	HasMore      bool      `json:"hasMore"`
	Done         bool      `json:"done"`
	StoppedEarly bool      `json:"stoppedEarly,omitempty"`
	At           time.Time `json:"at"`
}

type ProgressFunc func(Progress)

type RecordError struct {
	Line       int    `json:"line,omitempty"`
	Batch      int    `json:"batch,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Email      string `json:"email,omitempty"`
	Error      string `json:"error"`
}

// IdentityConflict reports a record whose external id and email resolve to
// two different accounts.
type IdentityConflict struct {
	ExternalID        string `json:"externalId"`
	Email             string `json:"email"`
	AccountID         string `json:"accountId"`
	ConflictAccountID string `json:"conflictAccountId"`
}

type RunResult struct {
	Success      bool               `json:"success"`
	Processed    int                `json:"processed"`
	Created      int                `json:"created"`
	Updated      int                `json:"updated"`
	Skipped      int                `json:"skipped"`
	Failed       int                `json:"failed"`
	Deleted      int                `json:"deleted"`
	HasMore      bool               `json:"hasMore"`
	NextCursor   string             `json:"nextCursor"`
	NextOffset   int                `json:"nextOffset"`
	StoppedEarly bool               `json:"stoppedEarly,omitempty"`
	Batches      int                `json:"batches,omitempty"`
	Conflicts    []IdentityConflict `json:"conflicts,omitempty"`
	Errors       []RecordError      `json:"errors"`
	Message      string             `json:"message,omitempty"`
	Duration     time.Duration      `json:"-"`
}

// Merge folds the counters and errors of a sub-result into r.
func (r *RunResult) Merge(other RunResult) {
	r.Processed += other.Processed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Deleted += other.Deleted
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *RunResult) setCursor(c Cursor) {
	r.NextCursor = c.String()
	r.NextOffset = c.NumericOffset()
}
