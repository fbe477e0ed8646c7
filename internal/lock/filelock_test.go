package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"keep/internal/keep"
)

func newTestLock(t *testing.T, dir string) *FileLock {
	t.Helper()
	l, err := NewFileLock(dir, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	return l
}

func TestFileLock_AcquireRelease(t *testing.T) {
	l := newTestLock(t, t.TempDir())
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "create")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Operation != "create" || lease.Holder == "" {
		t.Errorf("lease = %+v", lease)
	}
	if !lease.ExpiresAt.Equal(lease.AcquiredAt.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %s, want AcquiredAt+1h", lease.ExpiresAt)
	}

	status, err := l.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status == nil || status.Holder != lease.Holder {
		t.Errorf("Status() = %+v, want holder %s", status, lease.Holder)
	}

	if err := l.Release(lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if status, err := l.Status(); err != nil || status != nil {
		t.Errorf("Status() after release = %+v, %v; want nil", status, err)
	}
	if err := l.Release(lease); err == nil {
		t.Error("second Release() expected error")
	}
}

func TestFileLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	// Two lockers on one directory stand in for two processes.
	a := newTestLock(t, dir)
	b := newTestLock(t, dir)

	lease, err := a.Acquire(context.Background(), "restore")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "create")
	if !errors.Is(err, keep.ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "restore") {
		t.Errorf("error = %q, want holder operation in message", err)
	}

	if err := a.Release(lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	lease2, err := b.Acquire(context.Background(), "create")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	b.Release(lease2)
}

func TestFileLock_SameLockerTwice(t *testing.T) {
	l := newTestLock(t, t.TempDir())

	lease, err := l.Acquire(context.Background(), "create")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l.Release(lease)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "delete"); !errors.Is(err, keep.ErrLocked) {
		t.Errorf("second Acquire() on same locker error = %v, want ErrLocked", err)
	}
}

func TestFileLock_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir)
	b := newTestLock(t, dir)

	lease, err := a.Acquire(context.Background(), "sweep")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		a.Release(lease)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease2, err := b.Acquire(ctx, "create")
	if err != nil {
		t.Fatalf("waiting Acquire() error = %v", err)
	}
	b.Release(lease2)
}
