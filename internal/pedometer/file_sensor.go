package pedometer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch error backoff parameters.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FileSensor reads a counter log written by a device bridge. Each line is
//
//	<RFC 3339 timestamp> <absolute step count>
//
// Blank lines and lines starting with '#' are ignored. New lines appended to
// the file are delivered as live samples; the whole log answers historical
// StepCount queries.
type FileSensor struct {
	path   string
	logger *slog.Logger
}

// NewFileSensor returns a sensor for the counter log at path. The file does
// not have to exist yet; until it does the sensor reports itself unavailable.
func NewFileSensor(path string, logger *slog.Logger) *FileSensor {
	return &FileSensor{path: path, logger: logger}
}

// PermissionStatus maps file access to the permission model: readable is
// granted, EACCES is denied, a missing file is unknown.
func (s *FileSensor) PermissionStatus(context.Context) Permission {
	f, err := os.Open(s.path)
	if err == nil {
		f.Close()
		return PermissionGranted
	}

	if errors.Is(err, fs.ErrPermission) {
		return PermissionDenied
	}

	return PermissionUnknown
}

// RequestPermission cannot prompt for a file; it re-reads the status.
func (s *FileSensor) RequestPermission(ctx context.Context) Permission {
	p := s.PermissionStatus(ctx)
	s.logger.Debug("pedometer: permission requested",
		slog.String("path", s.path), slog.String("status", string(p)))

	return p
}

// Available reports whether the counter log exists as a regular file.
func (s *FileSensor) Available(context.Context) bool {
	info, err := os.Stat(s.path)

	return err == nil && info.Mode().IsRegular()
}

// Watch tails the counter log and delivers appended samples. Only lines
// written after Watch is called are delivered. If the watcher cannot be
// created the sensor delivers nothing and logs a warning.
func (s *FileSensor) Watch(fn func(Sample)) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("pedometer: cannot create watcher", slog.String("error", err.Error()))
		return func() {}
	}

	// Watch the directory so rotation (remove + create) is seen too.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("pedometer: cannot watch counter directory",
			slog.String("path", s.path), slog.String("error", err.Error()))
		watcher.Close()

		return func() {}
	}

	offset := int64(0)
	if info, statErr := os.Stat(s.path); statErr == nil {
		offset = info.Size()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t := &fileTail{path: s.path, offset: offset, fn: fn, logger: s.logger}

	go func() {
		defer close(done)
		t.loop(ctx, watcher)
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			cancel()
			watcher.Close()
			<-done
		})
	}
}

// StepCount sums the clamped increments the log recorded inside [from, to).
// The baseline is the last sample at or before from, or the first sample in
// the window when the log starts later.
func (s *FileSensor) StepCount(_ context.Context, from, to time.Time) (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("pedometer: opening counter log: %w", err)
	}
	defer f.Close()

	var (
		total   int64
		prev    int64
		hasPrev bool
	)

	err = scanSamples(f, s.logger, func(sm Sample) {
		switch {
		case !sm.At.After(from):
			prev, hasPrev = sm.Count, true
		case sm.At.Before(to):
			if hasPrev {
				total += max(sm.Count-prev, 0)
			}

			prev, hasPrev = sm.Count, true
		}
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

// fileTail follows appended lines of the counter log.
type fileTail struct {
	path   string
	offset int64
	fn     func(Sample)
	logger *slog.Logger
}

func (t *fileTail) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	errBackoff := watchErrInitBackoff
	name := filepath.Clean(t.path)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != name {
				continue
			}

			switch {
			case ev.Has(fsnotify.Create):
				t.offset = 0
				t.readNew()
			case ev.Has(fsnotify.Write):
				t.readNew()
			}

			errBackoff = watchErrInitBackoff

		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}

			t.logger.Warn("pedometer: watcher error",
				slog.String("error", werr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepCtx(ctx, errBackoff) != nil {
				return
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

// readNew delivers samples appended since the last read. A file shorter than
// the offset was truncated and is re-read from the start.
func (t *fileTail) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		t.logger.Debug("pedometer: counter log unreadable", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	if info.Size() < t.offset {
		t.offset = 0
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	// Only consume complete lines; a partially flushed line is picked up
	// by the next write event.
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		t.offset += int64(len(line))

		sm, ok, perr := parseSampleLine(line)
		if perr != nil {
			t.logger.Debug("pedometer: skipping malformed line", slog.String("error", perr.Error()))
			continue
		}

		if ok {
			t.fn(sm)
		}
	}
}

// scanSamples parses every sample in r, in file order.
func scanSamples(r io.Reader, logger *slog.Logger, fn func(Sample)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		sm, ok, err := parseSampleLine(sc.Text())
		if err != nil {
			logger.Debug("pedometer: skipping malformed line", slog.String("error", err.Error()))
			continue
		}

		if ok {
			fn(sm)
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("pedometer: reading counter log: %w", err)
	}

	return nil
}

// parseSampleLine returns ok=false for blank and comment lines.
func parseSampleLine(line string) (Sample, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Sample{}, false, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Sample{}, false, fmt.Errorf("want 2 fields, got %d in %q", len(fields), line)
	}

	at, err := time.Parse(time.RFC3339Nano, fields[0])
	if err != nil {
		return Sample{}, false, fmt.Errorf("timestamp %q: %w", fields[0], err)
	}

	count, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Sample{}, false, fmt.Errorf("count %q: %w", fields[1], err)
	}

	return Sample{Count: count, At: at}, true, nil
}

// FormatSample renders a sample as a counter log line.
func FormatSample(sm Sample) string {
	return sm.At.UTC().Format(time.RFC3339Nano) + " " + strconv.FormatInt(sm.Count, 10) + "\n"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
