package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/donorhub/reconcile/internal/idgen"
	"github.com/donorhub/reconcile/internal/metrics"
)

// JobStatus is the lifecycle state of a queued reconciliation job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one deferred reconciliation request. The run does not exist until
// the job executes; RunID is filled in once it does.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	RunID      string     `json:"runId,omitempty"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	input TriggerInput
}

// Queue is a bounded in-memory job queue with a fixed worker pool. Execution
// is at-least-once: a transient persistence failure is retried once before
// the job is marked failed (the run itself records the failure, so it stays
// observable via listing and stats).
type Queue struct {
	svc     *Service
	jobs    chan *Job
	byID    map[string]*Job
	mu      sync.RWMutex
	logger  *slog.Logger
	workers int
	wg      sync.WaitGroup
	quit    chan struct{}
	stopped bool
}

// NewQueue creates a job queue feeding the given service.
func NewQueue(svc *Service, workers, size int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 16
	}
	q := &Queue{
		svc:     svc,
		jobs:    make(chan *Job, size),
		byID:    make(map[string]*Job),
		logger:  logger,
		workers: workers,
		quit:    make(chan struct{}),
	}
	svc.AttachQueue(q)
	return q
}

// Start launches the worker pool. Workers exit when ctx is done.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("reconciliation workers started", "workers", q.workers, "queue_size", cap(q.jobs))
}

// Stop prevents further enqueues, wakes idle workers and waits for in-flight
// jobs to finish. Jobs still waiting in the channel are abandoned;
// at-least-once delivery is scoped to the process lifetime. Stop does not
// depend on the Start context being cancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	alreadyStopped := q.stopped
	q.stopped = true
	q.mu.Unlock()
	if !alreadyStopped {
		close(q.quit)
	}
	q.wg.Wait()
}

// Enqueue registers a job and places it on the queue. Returns ErrQueueFull
// when the bounded channel is at capacity.
func (q *Queue) Enqueue(in TriggerInput) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, ErrQueueStopped
	}

	job := &Job{
		ID:         idgen.WithPrefix("job_"),
		Status:     JobQueued,
		EnqueuedAt: time.Now().UTC(),
		input:      in,
	}

	select {
	case q.jobs <- job:
		q.byID[job.ID] = job
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return job, nil
	default:
		return nil, ErrQueueFull
	}
}

// Job returns a copy of the job with the given id, or ErrJobNotFound.
func (q *Queue) Job(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Depth returns the number of jobs waiting to be picked up.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context, n int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case job := <-q.jobs:
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.execute(ctx, job, n)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job *Job, worker int) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in reconciliation worker",
				"worker", worker, "job_id", job.ID, "panic", fmt.Sprint(r))
			q.transition(job, func(j *Job) {
				now := time.Now().UTC()
				j.Status = JobFailed
				j.Error = fmt.Sprint(r)
				j.FinishedAt = &now
			})
			metrics.QueuedJobsTotal.WithLabelValues("panic").Inc()
		}
	}()

	q.transition(job, func(j *Job) {
		now := time.Now().UTC()
		j.Status = JobRunning
		j.StartedAt = &now
	})

	run, err := q.svc.runQueued(ctx, job.input)
	if err != nil && run == nil && !errors.Is(err, ErrInvalidTransaction) {
		// The pending run could not even be created; one retry covers a
		// transient storage hiccup. Deterministic failures (validation,
		// matching) are never retried.
		time.Sleep(500 * time.Millisecond)
		run, err = q.svc.runQueued(ctx, job.input)
	}

	now := time.Now().UTC()
	q.transition(job, func(j *Job) {
		j.FinishedAt = &now
		if run != nil {
			j.RunID = run.ID
		}
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
		} else {
			j.Status = JobSucceeded
		}
	})

	if err != nil {
		metrics.QueuedJobsTotal.WithLabelValues("failed").Inc()
		q.logger.Error("queued reconciliation failed", "job_id", job.ID, "error", err)
		return
	}
	metrics.QueuedJobsTotal.WithLabelValues("succeeded").Inc()
}

func (q *Queue) transition(job *Job, fn func(*Job)) {
	q.mu.Lock()
	fn(job)
	q.mu.Unlock()
}
