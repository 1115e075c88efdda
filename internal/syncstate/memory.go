package syncstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quizdeck/accountsync/internal/usersync"
)

// MemoryStore holds leases and checkpoints for a single process.
type MemoryStore struct {
	mu    sync.Mutex
	state *snapshot
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newSnapshot(), now: time.Now}
}

func (m *MemoryStore) AcquireLease(_ context.Context, job string, ttl time.Duration) (usersync.LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.acquire(job, ttl, m.now())
}

func (m *MemoryStore) RenewLease(_ context.Context, token usersync.LeaseToken, ttl time.Duration) (usersync.LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.renew(token, ttl, m.now())
}

func (m *MemoryStore) ReleaseLease(_ context.Context, token usersync.LeaseToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.release(token)
	return nil
}

func (m *MemoryStore) LoadCheckpoint(_ context.Context, job string) (*usersync.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoint, ok := m.state.Checkpoints[strings.TrimSpace(job)]
	if !ok {
		return nil, nil
	}
	return cloneCheckpoint(checkpoint)
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint usersync.Checkpoint) error {
	job := strings.TrimSpace(checkpoint.Job)
	if job == "" {
		return ErrInvalidInput
	}
	clone, err := cloneCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Checkpoints[job] = *clone
	return nil
}

func (m *MemoryStore) ClearCheckpoint(_ context.Context, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.Checkpoints, strings.TrimSpace(job))
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
