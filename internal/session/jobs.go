package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrato/narrato-agent/internal/logging"
)

// Publisher receives every job transition.
type Publisher interface {
	PublishJob(job Job)
}

// Progress reports completion in percent with a short label such as "3/20".
type Progress func(percent int, label string)

// JobFunc is the body of an asynchronous job.
type JobFunc func(ctx context.Context, progress Progress) error

// Jobs runs long operations on their own goroutines and records each run in
// the session store.
type Jobs struct {
	repo   Repository
	pub    Publisher
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewJobs(repo Repository, pub Publisher, logger *slog.Logger) *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		repo:    repo,
		pub:     pub,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "jobs"),
		ctx:     ctx,
		cancel:  cancel,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start records a pending job and runs fn. The job context is independent of
// the caller's; it ends with Cancel or Close.
func (j *Jobs) Start(kind string, fn JobFunc) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      kind,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := j.repo.CreateJob(context.Background(), job); err != nil {
		return nil, err
	}
	j.publish(*job)

	ctx, cancel := context.WithCancel(j.ctx)
	j.mu.Lock()
	j.cancels[job.ID] = cancel
	j.mu.Unlock()

	snapshot := *job
	j.wg.Add(1)
	go j.run(ctx, snapshot, fn)
	return job, nil
}

func (j *Jobs) run(ctx context.Context, job Job, fn JobFunc) {
	defer j.wg.Done()
	defer func() {
		j.mu.Lock()
		if cancel, ok := j.cancels[job.ID]; ok {
			cancel()
			delete(j.cancels, job.ID)
		}
		j.mu.Unlock()
	}()

	logger := logging.WithJobID(j.logger, job.ID, job.Type)
	store := context.WithoutCancel(ctx)

	job.Status = JobStatusRunning
	job.UpdatedAt = time.Now()
	if err := j.repo.UpdateJobStatus(store, job.ID, job.Status, nil); err != nil {
		logger.Warn("failed to record job start", "error", err)
	}
	j.publish(job)
	logger.Info("job started")
	start := time.Now()

	progress := func(percent int, label string) {
		job.Progress = percent
		job.Label = label
		job.UpdatedAt = time.Now()
		if err := j.repo.UpdateJobProgress(store, job.ID, percent, label); err != nil {
			logger.Debug("failed to record job progress", "error", err)
		}
		j.publish(job)
	}

	err := runSafely(ctx, fn, progress)

	job.UpdatedAt = time.Now()
	var failure *Failure
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.Progress = 100
		if uerr := j.repo.UpdateJobProgress(store, job.ID, 100, job.Label); uerr != nil {
			logger.Debug("failed to record job progress", "error", uerr)
		}
		logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSuperseded):
		job.Status = JobStatusCanceled
		failure = Classify(err)
		logger.Info("job canceled", "reason", err)
	default:
		job.Status = JobStatusFailed
		failure = Classify(err)
		logger.Error("job failed", "error", err, "code", failure.Code)
	}
	if failure != nil {
		job.Error, job.Code, job.Hint = failure.Message, failure.Code, failure.Hint
	}
	if uerr := j.repo.UpdateJobStatus(store, job.ID, job.Status, failure); uerr != nil {
		logger.Warn("failed to record job result", "error", uerr)
	}
	j.publish(job)
}

func runSafely(ctx context.Context, fn JobFunc, progress Progress) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return fn(ctx, progress)
}

// Cancel stops a running job. It reports whether the job was running.
func (j *Jobs) Cancel(id string) bool {
	j.mu.Lock()
	cancel, ok := j.cancels[id]
	j.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (j *Jobs) Get(ctx context.Context, id string) (*Job, error) {
	job, err := j.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (j *Jobs) List(ctx context.Context, limit int) ([]*Job, error) {
	return j.repo.ListJobs(ctx, limit)
}

func (j *Jobs) Active(ctx context.Context) ([]*Job, error) {
	return j.repo.ListActiveJobs(ctx)
}

// Wait blocks until every started job has returned.
func (j *Jobs) Wait() {
	j.wg.Wait()
}

// Close cancels all jobs and waits for them.
func (j *Jobs) Close() {
	j.cancel()
	j.wg.Wait()
}

func (j *Jobs) publish(job Job) {
	if j.pub != nil {
		j.pub.PublishJob(job)
	}
}
