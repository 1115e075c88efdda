package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/quizdeck/accountsync/internal/usersync"
)

const fileLockRetry = 10 * time.Millisecond

// JSONFileStore persists leases and checkpoints in one JSON document that is
// replaced atomically on every change. Every read-modify-write holds an
// advisory lock on Path+".lock", so processes sharing the file see one lease
// holder at a time.
type JSONFileStore struct {
	Path string

	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

func NewJSONFileStore(path string) *JSONFileStore {
	path = strings.TrimSpace(path)
	return &JSONFileStore{Path: path, lock: flock.New(path + ".lock"), now: time.Now}
}

// locked runs fn while holding both the in-process mutex and the file lock.
func (f *JSONFileStore) locked(ctx context.Context, fn func() error) error {
	if strings.TrimSpace(f.Path) == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	ok, err := f.lock.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}
	defer func() { _ = f.lock.Unlock() }()
	return fn()
}

func (f *JSONFileStore) load() (*snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newSnapshot(), nil
		}
		return nil, err
	}
	var state snapshot
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	state.normalize()
	return &state, nil
}

func (f *JSONFileStore) save(state *snapshot) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.Path, data)
}

// update runs fn against the current document and writes the result back.
func (f *JSONFileStore) update(ctx context.Context, fn func(*snapshot) error) error {
	return f.locked(ctx, func() error {
		state, err := f.load()
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		return f.save(state)
	})
}

func (f *JSONFileStore) AcquireLease(ctx context.Context, job string, ttl time.Duration) (usersync.LeaseToken, error) {
	var token usersync.LeaseToken
	err := f.update(ctx, func(state *snapshot) error {
		var err error
		token, err = state.acquire(job, ttl, f.now())
		return err
	})
	return token, err
}

func (f *JSONFileStore) RenewLease(ctx context.Context, token usersync.LeaseToken, ttl time.Duration) (usersync.LeaseToken, error) {
	var renewed usersync.LeaseToken
	err := f.update(ctx, func(state *snapshot) error {
		var err error
		renewed, err = state.renew(token, ttl, f.now())
		return err
	})
	return renewed, err
}

func (f *JSONFileStore) ReleaseLease(ctx context.Context, token usersync.LeaseToken) error {
	return f.update(ctx, func(state *snapshot) error {
		state.release(token)
		return nil
	})
}

func (f *JSONFileStore) LoadCheckpoint(ctx context.Context, job string) (*usersync.Checkpoint, error) {
	var found *usersync.Checkpoint
	err := f.locked(ctx, func() error {
		state, err := f.load()
		if err != nil {
			return err
		}
		if checkpoint, ok := state.Checkpoints[strings.TrimSpace(job)]; ok {
			found = &checkpoint
		}
		return nil
	})
	return found, err
}

func (f *JSONFileStore) SaveCheckpoint(ctx context.Context, checkpoint usersync.Checkpoint) error {
	job := strings.TrimSpace(checkpoint.Job)
	if job == "" {
		return ErrInvalidInput
	}
	return f.update(ctx, func(state *snapshot) error {
		state.Checkpoints[job] = checkpoint
		return nil
	})
}

func (f *JSONFileStore) ClearCheckpoint(ctx context.Context, job string) error {
	return f.update(ctx, func(state *snapshot) error {
		delete(state.Checkpoints, strings.TrimSpace(job))
		return nil
	})
}

func (f *JSONFileStore) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
