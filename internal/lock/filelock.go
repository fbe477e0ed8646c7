// Package lock provides the system-wide operation lock: an advisory file
// lock held for the duration of an operation, plus a lease file that tells
// waiters who holds it.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"keep/internal/keep"
	"keep/internal/model"
)

const (
	lockFileName  = "keep.lock"
	leaseFileName = "keep.lease"

	// retryDelay is how often a waiting Acquire retries the lock.
	retryDelay = 50 * time.Millisecond
)

// FileLock implements keep.Locker with flock(2) on <dir>/keep.lock.
// The kernel releases the lock when the holding process exits, so a crash
// never leaves the system locked.
type FileLock struct {
	dir   string
	ttl   time.Duration
	clock keep.Clock
	idgen keep.IDGenerator

	mu   sync.Mutex
	held map[string]*flock.Flock
}

var _ keep.Locker = (*FileLock)(nil)

// NewFileLock creates the lock directory if needed. ttl is recorded in each
// lease as its expected lifetime.
func NewFileLock(dir string, ttl time.Duration, clock keep.Clock, idgen keep.IDGenerator) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if clock == nil {
		clock = keep.RealClock{}
	}
	if idgen == nil {
		idgen = keep.UUIDGenerator{}
	}
	return &FileLock{
		dir:   dir,
		ttl:   ttl,
		clock: clock,
		idgen: idgen,
		held:  make(map[string]*flock.Flock),
	}, nil
}

// Acquire waits for the lock until ctx is done.
func (l *FileLock) Acquire(ctx context.Context, operation string) (*model.Lease, error) {
	// A fresh Flock per call: a single Flock reports success when asked
	// to lock twice.
	fl := flock.New(filepath.Join(l.dir, lockFileName))
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil || !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, l.lockedError(operation, ctxErr)
		}
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	now := l.clock.Now().UTC()
	lease := &model.Lease{
		Holder:     l.idgen.New(),
		Operation:  operation,
		PID:        os.Getpid(),
		AcquiredAt: now,
	}
	if l.ttl > 0 {
		lease.ExpiresAt = now.Add(l.ttl)
	}
	if err := l.writeLease(lease); err != nil {
		fl.Unlock()
		return nil, err
	}

	l.mu.Lock()
	l.held[lease.Holder] = fl
	l.mu.Unlock()
	return lease, nil
}

func (l *FileLock) lockedError(operation string, cause error) error {
	current, err := l.readLease()
	if err != nil || current == nil {
		return fmt.Errorf("%w: %s could not start: %v", keep.ErrLocked, operation, cause)
	}
	return fmt.Errorf("%w: held by %s (pid %d) since %s",
		keep.ErrLocked, current.Operation, current.PID, current.AcquiredAt.Format(time.RFC3339))
}

// Release drops a lease returned by Acquire.
func (l *FileLock) Release(lease *model.Lease) error {
	if lease == nil {
		return errors.New("nil lease")
	}
	l.mu.Lock()
	fl, ok := l.held[lease.Holder]
	delete(l.held, lease.Holder)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("lease %s is not held", lease.Holder)
	}

	var errs []error
	if err := os.Remove(l.leasePath()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing lease file: %w", err))
	}
	if err := fl.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	return errors.Join(errs...)
}

// Status reports the current holder, or nil when the lock is free. A lease
// file left by a crashed process is ignored once the lock is free.
func (l *FileLock) Status() (*model.Lease, error) {
	probe := flock.New(filepath.Join(l.dir, lockFileName))
	free, err := probe.TryLock()
	if err != nil {
		return nil, fmt.Errorf("probing lock: %w", err)
	}
	if free {
		probe.Unlock()
		return nil, nil
	}
	lease, err := l.readLease()
	if err != nil {
		return nil, err
	}
	if lease == nil {
		// Locked between the holder's flock and its lease write.
		return &model.Lease{Operation: "unknown"}, nil
	}
	return lease, nil
}

func (l *FileLock) leasePath() string {
	return filepath.Join(l.dir, leaseFileName)
}

func (l *FileLock) writeLease(lease *model.Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encoding lease: %w", err)
	}
	tmp, err := os.CreateTemp(l.dir, ".lease-*")
	if err != nil {
		return fmt.Errorf("creating lease file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing lease file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing lease file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.leasePath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("installing lease file: %w", err)
	}
	return nil
}

func (l *FileLock) readLease() (*model.Lease, error) {
	data, err := os.ReadFile(l.leasePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lease file: %w", err)
	}
	var lease model.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("decoding lease file: %w", err)
	}
	return &lease, nil
}
