// Package jobs runs long engine operations in the background with a bounded
// number of workers, tracking their stage and byte progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"keep/internal/keep"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("job runner closed")

// Status is a point-in-time copy of a job.
type Status struct {
	ID          string
	Kind        string
	State       State
	Stage       string
	Total       int64
	Done        int64
	Err         error
	Result      any
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Func is the work of a job. Its context carries a keep.Progress, and the
// returned value is kept as the job's result.
type Func func(ctx context.Context) (any, error)

type job struct {
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

var _ keep.Progress = (*job)(nil)

func (j *job) Stage(name string) {
	j.mu.Lock()
	j.status.Stage = name
	j.status.Total, j.status.Done = 0, 0
	j.mu.Unlock()
}

func (j *job) SetTotal(n int64) {
	j.mu.Lock()
	j.status.Total = n
	j.mu.Unlock()
}

func (j *job) Add(n int64) {
	j.mu.Lock()
	j.status.Done += n
	j.mu.Unlock()
}

func (j *job) snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Runner executes submitted jobs, at most workers at a time.
type Runner struct {
	sem    *semaphore.Weighted
	clock  keep.Clock
	idgen  keep.IDGenerator
	logger keep.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// NewRunner creates a runner with the given number of workers.
func NewRunner(workers int, clock keep.Clock, idgen keep.IDGenerator, logger keep.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if clock == nil {
		clock = keep.RealClock{}
	}
	if idgen == nil {
		idgen = keep.UUIDGenerator{}
	}
	if logger == nil {
		logger = keep.NewNopLogger()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		sem:    semaphore.NewWeighted(int64(workers)),
		clock:  clock,
		idgen:  idgen,
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		jobs:   make(map[string]*job),
	}
}

// Submit queues fn and returns the job id.
func (r *Runner) Submit(kind string, fn Func) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(r.ctx)
	j := &job{
		status: Status{
			ID:          r.idgen.New(),
			Kind:        kind,
			State:       StateQueued,
			SubmittedAt: r.clock.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.jobs[j.status.ID] = j

	r.wg.Add(1)
	go r.run(ctx, j, fn)
	return j.status.ID, nil
}

func (r *Runner) run(ctx context.Context, j *job, fn Func) {
	defer r.wg.Done()
	defer close(j.done)
	defer j.cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(j, nil, err)
		return
	}
	defer r.sem.Release(1)

	j.mu.Lock()
	j.status.State = StateRunning
	id, kind := j.status.ID, j.status.Kind
	j.mu.Unlock()
	r.logger.Debug("job started", "job", id, "kind", kind)

	result, err := fn(keep.WithProgress(ctx, j))
	r.finish(j, result, err)
}

func (r *Runner) finish(j *job, result any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.FinishedAt = r.clock.Now()
	j.status.Result = result
	j.status.Err = err
	switch {
	case err == nil:
		j.status.State = StateSucceeded
	case errors.Is(err, context.Canceled):
		j.status.State = StateCancelled
	default:
		j.status.State = StateFailed
	}
	r.logger.Debug("job finished", "job", j.status.ID, "kind", j.status.Kind, "state", j.status.State)
}

func (r *Runner) lookup(id string) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return j, nil
}

// Get returns the current status of a job.
func (r *Runner) Get(id string) (Status, error) {
	j, err := r.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return j.snapshot(), nil
}

// List returns every job, oldest first.
func (r *Runner) List() []Status {
	r.mu.Lock()
	all := make([]Status, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(all, func(a, b int) bool {
		if all[a].SubmittedAt.Equal(all[b].SubmittedAt) {
			return all[a].ID < all[b].ID
		}
		return all[a].SubmittedAt.Before(all[b].SubmittedAt)
	})
	return all
}

// Cancel cancels the job's context. The job decides how quickly it stops;
// a restore that is already replacing live state finishes first.
func (r *Runner) Cancel(id string) error {
	j, err := r.lookup(id)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (Status, error) {
	j, err := r.lookup(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Close cancels every job and waits for all of them to return.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
}
