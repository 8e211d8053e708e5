package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/elcano/stepsync/internal/config"
)

const (
	pidFileName = "stepsync.pid"
	pidFileMode = 0o644
	pidDirMode  = 0o755
)

// pidFilePath returns the daemon PID file for cfg: next to the state
// database, or "" when there is none.
func pidFilePath(cfg *config.Config) string {
	if cfg == nil || cfg.Store.StatePath == "" {
		return ""
	}

	return filepath.Join(filepath.Dir(cfg.Store.StatePath), pidFileName)
}

// writePIDFile records the current PID at path and holds an exclusive flock
// on it for the life of the daemon. The returned cleanup removes the file and
// drops the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirMode); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFileMode)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another stepsync daemon is already running (could not lock %s)", path)
	}

	err = f.Truncate(0)
	if err == nil {
		_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// pidFileLocked reports whether a live daemon holds the flock on path. A
// PID file nobody locks is left over from a crash, whatever process now
// owns that PID.
func pidFileLocked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking PID file lock: %w", err)
	}

	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return false, nil
}

// daemonRunning reports whether a daemon holds the PID file at pidPath.
func daemonRunning(pidPath string) bool {
	if pidPath == "" {
		return false
	}

	locked, err := pidFileLocked(pidPath)

	return err == nil && locked
}

// signalDaemon sends sig to the daemon that holds the PID file. An unlocked
// PID file is stale and is removed.
func signalDaemon(pidPath string, sig syscall.Signal) error {
	locked, err := pidFileLocked(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no running daemon found (no PID file at %s)", pidPath)
	}

	if err != nil {
		return err
	}

	if !locked {
		os.Remove(pidPath)
		return fmt.Errorf("daemon is not running (stale PID file %s removed)", pidPath)
	}

	pid, err := readPIDFile(pidPath)
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("sending %s to daemon (PID %d): %w", sig, pid, err)
	}

	return nil
}
