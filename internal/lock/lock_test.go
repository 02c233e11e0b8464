package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireRecordsHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %q", l.Path())
	}

	h, err := ReadHolder(l.Path())
	if err != nil {
		t.Fatalf("ReadHolder() error = %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", h.PID, os.Getpid())
	}
	if time.Since(h.Since) > time.Minute {
		t.Errorf("Since = %v, want about now", h.Since)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", lockErr.PID, os.Getpid())
	}
	if !strings.Contains(lockErr.Error(), "since") {
		t.Errorf("Error() = %q, want holder time", lockErr.Error())
	}
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = l2.Release()
}

func TestParseHolder(t *testing.T) {
	h := parseHolder("pid=42\ntime=2026-07-09T10:00:00Z\njunk\n")
	if h.PID != 42 {
		t.Errorf("PID = %d, want 42", h.PID)
	}
	if !h.Since.Equal(time.Date(2026, 7, 9, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Since = %v", h.Since)
	}

	err := &LockHeldError{Holder: Holder{PID: 7}, Path: "/p/LOCK"}
	if got, want := err.Error(), "profile lock held by PID 7 (/p/LOCK)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
