package syncstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/quizdeck/accountsync/internal/usersync"
)

const (
	postgresLeaseTableName      = "accountsync_leases"
	postgresCheckpointTableName = "accountsync_checkpoints"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one lease row and one checkpoint row per job. Lease
// takeover is serialized with a transaction-scoped advisory lock.
type PostgresStore struct {
	dsn             string
	leaseTable      string
	checkpointTable string
	openDB          sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:             dsn,
		leaseTable:      postgresLeaseTableName,
		checkpointTable: postgresCheckpointTableName,
		openDB:          sql.Open,
	}, nil
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					job TEXT PRIMARY KEY,
					owner TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(p.leaseTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					job TEXT PRIMARY KEY,
					snapshot TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(p.checkpointTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStore) AcquireLease(ctx context.Context, job string, ttl time.Duration) (usersync.LeaseToken, error) {
	job = strings.TrimSpace(job)
	if job == "" || ttl <= 0 {
		return usersync.LeaseToken{}, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return usersync.LeaseToken{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return usersync.LeaseToken{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLeaseLockKey(p.leaseTable, job)); err != nil {
		return usersync.LeaseToken{}, err
	}
	table := postgresQuoteIdentifier(p.leaseTable)
	query := fmt.Sprintf(`
		INSERT INTO %s (job, owner, expires_at)
		VALUES ($1, $2, NOW() + ($3::double precision * INTERVAL '1 second'))
		ON CONFLICT (job)
		DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at <= NOW()
		RETURNING expires_at`, table, table)
	owner := uuid.NewString()
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, query, job, owner, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usersync.LeaseToken{}, usersync.ErrAlreadyRunning
	}
	if err != nil {
		return usersync.LeaseToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return usersync.LeaseToken{}, err
	}
	committed = true
	return usersync.LeaseToken{Job: job, Owner: owner, ExpiresAt: expiresAt.UTC()}, nil
}

func (p *PostgresStore) RenewLease(ctx context.Context, token usersync.LeaseToken, ttl time.Duration) (usersync.LeaseToken, error) {
	if err := p.ensureReady(); err != nil {
		return usersync.LeaseToken{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = NOW() + ($3::double precision * INTERVAL '1 second')
		WHERE job = $1 AND owner = $2 AND expires_at > NOW()
		RETURNING expires_at`, postgresQuoteIdentifier(p.leaseTable))
	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx, query, token.Job, token.Owner, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usersync.LeaseToken{}, ErrLeaseLost
	}
	if err != nil {
		return usersync.LeaseToken{}, err
	}
	token.ExpiresAt = expiresAt.UTC()
	return token, nil
}

func (p *PostgresStore) ReleaseLease(ctx context.Context, token usersync.LeaseToken) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE job = $1 AND owner = $2", postgresQuoteIdentifier(p.leaseTable))
	_, err := p.db.ExecContext(ctx, query, token.Job, token.Owner)
	return err
}

func (p *PostgresStore) LoadCheckpoint(ctx context.Context, job string) (*usersync.Checkpoint, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE job = $1", postgresQuoteIdentifier(p.checkpointTable))
	var payload string
	err := p.db.QueryRowContext(ctx, query, strings.TrimSpace(job)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var checkpoint usersync.Checkpoint
	if err := json.Unmarshal([]byte(payload), &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (p *PostgresStore) SaveCheckpoint(ctx context.Context, checkpoint usersync.Checkpoint) error {
	job := strings.TrimSpace(checkpoint.Job)
	if job == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (job, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(p.checkpointTable))
	_, err = p.db.ExecContext(ctx, query, job, string(payload))
	return err
}

func (p *PostgresStore) ClearCheckpoint(ctx context.Context, job string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE job = $1", postgresQuoteIdentifier(p.checkpointTable))
	_, err := p.db.ExecContext(ctx, query, strings.TrimSpace(job))
	return err
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLeaseLockKey(tableName, job string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(job)))
	return int64(hasher.Sum64())
}
