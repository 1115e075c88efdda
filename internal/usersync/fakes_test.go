package usersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

var testGroup = DefaultGroups[0]

func member(id, email string) ExternalRecord {
	return ExternalRecord{ExternalID: id, Email: email, GroupMemberships: []string{testGroup}}
}

func outsider(id, email string) ExternalRecord {
	return ExternalRecord{ExternalID: id, Email: email, GroupMemberships: []string{"一般"}}
}

func members(n int) []ExternalRecord {
	records := make([]ExternalRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, member(strconv.Itoa(i), fmt.Sprintf("user%d@example.com", i)))
	}
	return records
}

type fakeSource struct {
	mu       sync.Mutex
	records  []ExternalRecord
	fetchErr error
	probeErr map[string]error
	fetches  []FetchRequest
	onFetch  func()
}

func (s *fakeSource) FetchRecords(_ context.Context, req FetchRequest) ([]ExternalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, req)
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	start := 0
	if req.Cursor.IsID() {
		after, _ := strconv.Atoi(req.Cursor.AfterID)
		start = len(s.records)
		for i, record := range s.records {
			id, _ := strconv.Atoi(record.ExternalID)
			if id > after {
				start = i
				break
			}
		}
	} else {
		start = min(req.Cursor.Offset, len(s.records))
	}
	end := min(start+req.Limit, len(s.records))
	return append([]ExternalRecord(nil), s.records[start:end]...), nil
}

func (s *fakeSource) FindByEmail(_ context.Context, _ string, email string) (ExternalRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if NormalizeEmail(record.Email) == NormalizeEmail(email) {
			return record, true, nil
		}
	}
	return ExternalRecord{}, false, nil
}

func (s *fakeSource) Probe(_ context.Context, rawQuery string) (int, error) {
	if err := s.probeErr[rawQuery]; err != nil {
		return 0, err
	}
	if rawQuery == "" {
		return len(s.records), nil
	}
	return min(1, len(s.records)), nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

type fakeStore struct {
	mu         sync.Mutex
	accounts   []Account
	nextID     int
	createErr  map[string]error
	listErr    error
	deleted    []string
	createCall int
	updateCall int
}

func newFakeStore(accounts ...Account) *fakeStore {
	return &fakeStore{accounts: append([]Account(nil), accounts...)}
}

func (s *fakeStore) ListAccounts(_ context.Context, page, perPage int) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	start := (page - 1) * perPage
	if start >= len(s.accounts) {
		return nil, nil
	}
	end := min(start+perPage, len(s.accounts))
	return append([]Account(nil), s.accounts[start:end]...), nil
}

func (s *fakeStore) CreateAccount(_ context.Context, account NewAccount) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCall++
	if err := s.createErr[account.Email]; err != nil {
		return Account{}, err
	}
	for _, existing := range s.accounts {
		if NormalizeEmail(existing.Email) == NormalizeEmail(account.Email) {
			return Account{}, ErrConflict
		}
	}
	s.nextID++
	created := Account{
		ID:                fmt.Sprintf("acct-%d", s.nextID),
		Email:             account.Email,
		ExternalID:        account.ExternalID,
		IsInitialPassword: account.InitialPassword,
	}
	s.accounts = append(s.accounts, created)
	return created, nil
}

func (s *fakeStore) UpdateAccount(_ context.Context, id string, update AccountUpdate) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCall++
	for i := range s.accounts {
		if s.accounts[i].ID != id {
			continue
		}
		if update.Email != "" {
			s.accounts[i].Email = update.Email
		}
		if update.ExternalID != "" {
			s.accounts[i].ExternalID = update.ExternalID
		}
		return s.accounts[i], nil
	}
	return Account{}, ErrNotFound
}

func (s *fakeStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			s.deleted = append(s.deleted, id)
			return nil
		}
	}
	return ErrNotFound
}

func (s *fakeStore) emails() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account.Email)
	}
	sort.Strings(out)
	return out
}

func (s *fakeStore) byEmail(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.Email == email {
			return account, true
		}
	}
	return Account{}, false
}

type fakeLeases struct {
	mu       sync.Mutex
	held     map[string]LeaseToken
	renewals int
	releases int
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{held: map[string]LeaseToken{}}
}

func (l *fakeLeases) AcquireLease(_ context.Context, job string, ttl time.Duration) (LeaseToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[job]; ok {
		return LeaseToken{}, ErrAlreadyRunning
	}
	token := LeaseToken{Job: job, Owner: fmt.Sprintf("owner-%d", len(l.held)+l.releases+1), ExpiresAt: time.Now().Add(ttl)}
	l.held[job] = token
	return token, nil
}

func (l *fakeLeases) RenewLease(_ context.Context, token LeaseToken, ttl time.Duration) (LeaseToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.held[token.Job]
	if !ok || held.Owner != token.Owner {
		return LeaseToken{}, errors.New("lease lost")
	}
	l.renewals++
	held.ExpiresAt = time.Now().Add(ttl)
	l.held[token.Job] = held
	return held, nil
}

func (l *fakeLeases) ReleaseLease(_ context.Context, token LeaseToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.held[token.Job]; ok && held.Owner == token.Owner {
		delete(l.held, token.Job)
		l.releases++
	}
	return nil
}

type fakeCheckpoints struct {
	mu    sync.Mutex
	saved map[string]Checkpoint
	saves int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{saved: map[string]Checkpoint{}}
}

func (c *fakeCheckpoints) LoadCheckpoint(_ context.Context, job string) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkpoint, ok := c.saved[job]
	if !ok {
		return nil, nil
	}
	return &checkpoint, nil
}

func (c *fakeCheckpoints) SaveCheckpoint(_ context.Context, checkpoint Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.saved[checkpoint.Job] = checkpoint
	return nil
}

func (c *fakeCheckpoints) ClearCheckpoint(_ context.Context, job string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.saved, job)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRecorder struct {
	mu         sync.Mutex
	runs       map[string]int
	batches    int
	records    map[string]int
	contention int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{runs: map[string]int{}, records: map[string]int{}}
}

func (r *fakeRecorder) ObserveRun(mode, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[mode+"/"+outcome]++
}

func (r *fakeRecorder) ObserveBatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func (r *fakeRecorder) ObserveRecords(action string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[action] += count
}

func (r *fakeRecorder) ObserveLeaseContention() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contention++
}

func staticPassword() (string, error) {
	return "Temp-Password-1", nil
}
