// Package pedtest provides a scriptable pedometer.Sensor for tests.
package pedtest

import (
	"context"
	"sync"
	"time"

	"github.com/elcano/stepsync/internal/pedometer"
)

// Window is one historical StepCount query.
type Window struct {
	From, To time.Time
}

// Sensor is an in-memory pedometer. Samples pushed with Emit are delivered
// synchronously, in order, to every active watcher.
type Sensor struct {
	mu         sync.Mutex
	permission pedometer.Permission
	requested  pedometer.Permission
	available  bool
	watchers   map[int]func(pedometer.Sample)
	nextID     int
	watchCalls int

	historyCount int64
	historyErr   error
	historyFn    func(from, to time.Time) (int64, error)
	queries      []Window
}

// New returns a sensor that is available and already granted.
func New() *Sensor {
	return &Sensor{
		permission: pedometer.PermissionGranted,
		requested:  pedometer.PermissionGranted,
		available:  true,
		watchers:   make(map[int]func(pedometer.Sample)),
	}
}

// SetPermission sets both the current status and what a request returns.
func (s *Sensor) SetPermission(p pedometer.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.permission = p
	s.requested = p
}

// SetRequestResult sets the status a permission request resolves to.
func (s *Sensor) SetRequestResult(p pedometer.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requested = p
}

// SetAvailable toggles hardware availability.
func (s *Sensor) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.available = ok
}

// SetStepCount scripts the next StepCount results.
func (s *Sensor) SetStepCount(n int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyCount = n
	s.historyErr = err
	s.historyFn = nil
}

// SetStepCountFunc scripts StepCount per window. It replaces SetStepCount
// until the next call to either.
func (s *Sensor) SetStepCountFunc(fn func(from, to time.Time) (int64, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyFn = fn
}

// Queries returns every StepCount window asked for so far.
func (s *Sensor) Queries() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Window(nil), s.queries...)
}

// Watchers returns the number of live subscriptions.
func (s *Sensor) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.watchers)
}

// WatchCalls returns how many times Watch has been called.
func (s *Sensor) WatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.watchCalls
}

// Emit delivers an absolute count to all watchers.
func (s *Sensor) Emit(count int64) {
	s.mu.Lock()
	fns := make([]func(pedometer.Sample), 0, len(s.watchers))
	for i := range s.nextID {
		if fn, ok := s.watchers[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	sample := pedometer.Sample{Count: count, At: time.Now()}
	for _, fn := range fns {
		fn(sample)
	}
}

// PermissionStatus implements pedometer.Sensor.
func (s *Sensor) PermissionStatus(context.Context) pedometer.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.permission
}

// RequestPermission implements pedometer.Sensor.
func (s *Sensor) RequestPermission(context.Context) pedometer.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.permission = s.requested

	return s.permission
}

// Available implements pedometer.Sensor.
func (s *Sensor) Available(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.available
}

// Watch implements pedometer.Sensor. An unavailable sensor registers nothing.
func (s *Sensor) Watch(fn func(pedometer.Sample)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchCalls++

	if !s.available {
		return func() {}
	}

	id := s.nextID
	s.nextID++
	s.watchers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.watchers, id)
	}
}

// StepCount implements pedometer.Sensor.
func (s *Sensor) StepCount(_ context.Context, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, Window{From: from, To: to})

	if s.historyFn != nil {
		return s.historyFn(from, to)
	}

	if s.historyErr != nil {
		return 0, s.historyErr
	}

	return s.historyCount, nil
}
