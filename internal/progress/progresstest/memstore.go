// Package progresstest provides an in-memory progress.Store for tests.
package progresstest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/elcano/stepsync/internal/progress"
)

// ErrInjected is the default error returned by FailUpdates.
var ErrInjected = errors.New("progresstest: injected failure")

type userDocs struct {
	progress progress.Progress
	daily    map[string]int64
	applied  map[string]bool
	awards   map[string]progress.Award
	order    []string
}

func (u *userDocs) clone() *userDocs {
	c := &userDocs{
		progress: u.progress,
		daily:    make(map[string]int64, len(u.daily)),
		applied:  make(map[string]bool, len(u.applied)),
		awards:   make(map[string]progress.Award, len(u.awards)),
		order:    slices.Clone(u.order),
	}

	for k, v := range u.daily {
		c.daily[k] = v
	}

	for k, v := range u.applied {
		c.applied[k] = v
	}

	for k, v := range u.awards {
		c.awards[k] = v
	}

	return c
}

// Store keeps every document in memory. Update applies fn to a copy and
// swaps it in only on success, so a failed fn leaves no partial write.
type Store struct {
	mu         sync.Mutex
	users      map[string]*userDocs
	activities []progress.Activity
	sessions   []progress.SessionRecord

	failUpdates  int
	failErr      error
	conflicts    int
	updateCalls  int
	appendFail   error
	blockUpdates chan struct{}

	Now func() time.Time
}

// view returns the progress record with achievements derived from awards.
func (u *userDocs) view() progress.Progress {
	p := u.progress
	p.Achievements = slices.Clone(u.order)

	return p
}

// New returns an empty store.
func New() *Store {
	return &Store{users: make(map[string]*userDocs), Now: time.Now}
}

// FailUpdates makes the next n Update calls fail with err (ErrInjected when
// err is nil) without running fn.
func (s *Store) FailUpdates(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrInjected
	}

	s.failUpdates, s.failErr = n, err
}

// Conflict makes the next n transaction attempts run fn and then discard its
// writes as if a concurrent writer won, forcing a retry.
func (s *Store) Conflict(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts = n
}

// FailAppends makes every history append fail with err until reset with nil.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendFail = err
}

// BlockUpdates makes Update wait until the returned func is called. It lets
// tests hold a transaction in flight.
func (s *Store) BlockUpdates() (release func()) {
	ch := make(chan struct{})

	s.mu.Lock()
	s.blockUpdates = ch
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.blockUpdates = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// UpdateCalls returns how many times Update was invoked.
func (s *Store) UpdateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateCalls
}

// Sessions returns a copy of the session log.
func (s *Store) Sessions() []progress.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.sessions)
}

func (s *Store) docs(uid string) *userDocs {
	u, ok := s.users[uid]
	if !ok {
		u = &userDocs{
			progress: progress.Progress{UserID: uid},
			daily:    make(map[string]int64),
			applied:  make(map[string]bool),
			awards:   make(map[string]progress.Award),
		}
	}

	return u
}

// Update implements progress.Store.
func (s *Store) Update(ctx context.Context, uid string, fn func(progress.Tx) error) error {
	s.mu.Lock()
	s.updateCalls++
	block := s.blockUpdates
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates > 0 {
		s.failUpdates--
		return s.failErr
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memTx{docs: s.docs(uid).clone(), now: s.Now}
		if err := fn(tx); err != nil {
			return err
		}

		if s.conflicts > 0 {
			s.conflicts--
			continue
		}

		s.users[uid] = tx.docs

		return nil
	}
}

// Progress implements progress.Store.
func (s *Store) Progress(_ context.Context, uid string) (progress.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.docs(uid).view(), nil
}

// DailySteps implements progress.Store.
func (s *Store) DailySteps(_ context.Context, uid, dateKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.docs(uid).daily[dateKey], nil
}

// RecentActivities implements progress.Store, newest first.
func (s *Store) RecentActivities(_ context.Context, uid string, limit int) ([]progress.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []progress.Activity

	for i := len(s.activities) - 1; i >= 0; i-- {
		if s.activities[i].UserID != uid {
			continue
		}

		out = append(out, s.activities[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

// CountActivities implements progress.Store.
func (s *Store) CountActivities(_ context.Context, uid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for _, a := range s.activities {
		if a.UserID == uid {
			n++
		}
	}

	return n, nil
}

// AppendActivity implements progress.Store.
func (s *Store) AppendActivity(_ context.Context, a progress.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendFail != nil {
		return s.appendFail
	}

	s.activities = append(s.activities, a)

	return nil
}

// AppendSession implements progress.Store.
func (s *Store) AppendSession(_ context.Context, rec progress.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendFail != nil {
		return s.appendFail
	}

	s.sessions = append(s.sessions, rec)

	return nil
}

type memTx struct {
	docs *userDocs
	now  func() time.Time
}

func (t *memTx) Progress(context.Context) (progress.Progress, error) {
	return t.docs.view(), nil
}

func (t *memTx) PutProgress(_ context.Context, p progress.Progress) error {
	p.UpdatedAt = t.now()
	p.Achievements = nil
	t.docs.progress = p

	return nil
}

func (t *memTx) AddDailySteps(_ context.Context, dateKey string, steps int64) (int64, error) {
	t.docs.daily[dateKey] += steps

	return t.docs.daily[dateKey], nil
}

func (t *memTx) MarkApplied(_ context.Context, opID string) (bool, error) {
	if t.docs.applied[opID] {
		return false, nil
	}

	t.docs.applied[opID] = true

	return true, nil
}

func (t *memTx) HasAward(_ context.Context, id string) (bool, error) {
	_, ok := t.docs.awards[id]

	return ok, nil
}

func (t *memTx) PutAward(_ context.Context, a progress.Award) error {
	if _, ok := t.docs.awards[a.AchievementID]; ok {
		return errors.New("progresstest: duplicate award " + a.AchievementID)
	}

	a.AwardedAt = t.now()
	t.docs.awards[a.AchievementID] = a
	t.docs.order = append(t.docs.order, a.AchievementID)

	return nil
}
