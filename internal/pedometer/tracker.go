package pedometer

import (
	"fmt"
	"log/slog"
	"sync"
)

// Subscription owns one live sensor stream and converts absolute counts into
// deltas. The first sample after subscribing only sets the baseline, so steps
// taken before the subscription are never attributed to it. Release is
// idempotent and resets the baseline.
type Subscription struct {
	mu       sync.Mutex
	stop     func()
	emit     func(delta int64)
	last     int64
	hasLast  bool
	released bool
	logger   *slog.Logger
}

// Track subscribes to sensor and calls emit with every positive delta. emit
// runs on the sensor's delivery goroutine and must not block for long.
func Track(sensor Sensor, emit func(delta int64), logger *slog.Logger) *Subscription {
	s := &Subscription{emit: emit, logger: logger}

	stop := sensor.Watch(s.observe)

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	return s
}

// observe is the sensor callback. A counter that goes backwards (reset or
// wraparound) yields a zero delta and re-baselines at the new value.
func (s *Subscription) observe(sample Sample) {
	s.mu.Lock()

	if s.released {
		s.mu.Unlock()
		return
	}

	if !s.hasLast {
		s.last = sample.Count
		s.hasLast = true
		s.mu.Unlock()

		s.logger.Debug("pedometer: baseline sample", slog.Int64("count", sample.Count))

		return
	}

	delta := max(sample.Count-s.last, 0)
	if sample.Count < s.last {
		s.logger.Warn("pedometer: counter went backwards",
			slog.Int64("previous", s.last),
			slog.Int64("count", sample.Count),
		)
	}

	s.last = sample.Count
	s.mu.Unlock()

	if delta > 0 {
		s.deliver(delta)
	}
}

// deliver calls emit with panic recovery; a misbehaving consumer must not
// take down the sensor goroutine.
func (s *Subscription) deliver(delta int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pedometer: delta consumer panicked",
				slog.Int64("delta", delta),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	s.emit(delta)
}

// Release stops the underlying sensor stream and clears the baseline.
func (s *Subscription) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}

	s.released = true
	s.hasLast = false
	s.last = 0
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Released reports whether Release has been called.
func (s *Subscription) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released
}
