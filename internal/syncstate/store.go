package syncstate

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizdeck/accountsync/internal/usersync"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrLeaseLost    = errors.New("lease no longer held")
)

// Store keeps sync leases and checkpoints for the engine.
type Store interface {
	usersync.LeaseStore
	usersync.CheckpointStore
	Close() error
}

// snapshot is the whole persisted state of the memory and file stores.
type snapshot struct {
	Leases      map[string]usersync.LeaseToken `json:"leases"`
	Checkpoints map[string]usersync.Checkpoint `json:"checkpoints"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Leases:      map[string]usersync.LeaseToken{},
		Checkpoints: map[string]usersync.Checkpoint{},
	}
}

func (s *snapshot) normalize() {
	if s.Leases == nil {
		s.Leases = map[string]usersync.LeaseToken{}
	}
	if s.Checkpoints == nil {
		s.Checkpoints = map[string]usersync.Checkpoint{}
	}
}

func (s *snapshot) acquire(job string, ttl time.Duration, now time.Time) (usersync.LeaseToken, error) {
	job = strings.TrimSpace(job)
	if job == "" || ttl <= 0 {
		return usersync.LeaseToken{}, ErrInvalidInput
	}
	if held, ok := s.Leases[job]; ok && now.Before(held.ExpiresAt) {
		return usersync.LeaseToken{}, usersync.ErrAlreadyRunning
	}
	token := usersync.LeaseToken{Job: job, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl).UTC()}
	s.Leases[job] = token
	return token, nil
}

func (s *snapshot) renew(token usersync.LeaseToken, ttl time.Duration, now time.Time) (usersync.LeaseToken, error) {
	held, ok := s.Leases[token.Job]
	if !ok || held.Owner != token.Owner || !now.Before(held.ExpiresAt) {
		return usersync.LeaseToken{}, ErrLeaseLost
	}
	held.ExpiresAt = now.Add(ttl).UTC()
	s.Leases[token.Job] = held
	return held, nil
}

func (s *snapshot) release(token usersync.LeaseToken) {
	if held, ok := s.Leases[token.Job]; ok && held.Owner == token.Owner {
		delete(s.Leases, token.Job)
	}
}

func cloneCheckpoint(checkpoint usersync.Checkpoint) (*usersync.Checkpoint, error) {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, err
	}
	var clone usersync.Checkpoint
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
