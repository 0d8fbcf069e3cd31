package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/wadispatch/internal/gateway"
	"github.com/BTreeMap/wadispatch/internal/models"
)

const (
	// DefaultRetryBase is the first retry delay.
	DefaultRetryBase = 2 * time.Second
	// DefaultMaxAttempts bounds transport attempts per job.
	DefaultMaxAttempts = 3
	// DefaultRetryBatchSize is the number of jobs claimed per tick.
	DefaultRetryBatchSize = 1
	// DefaultRetryPollInterval is the retry worker tick.
	DefaultRetryPollInterval = time.Second
)

// RetryQueue holds jobs whose earlier attempts failed and retries them with
// exponential backoff until they are delivered, fail fatally, or run out of
// attempts.
//
// A job is owned by at most one worker at a time: it is claimed by setting
// Locked under the queue mutex and only released by the goroutine that sends
// it. Claimed jobs are sent concurrently.
type RetryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*models.DispatchJob
	sends sync.WaitGroup

	d            *deliverer
	base         time.Duration
	batchSize    int
	pollInterval time.Duration
	onFinish     FinishFunc
	onThrottle   ThrottleFunc
}

func newRetryQueue(d *deliverer, base time.Duration, batchSize int, pollInterval time.Duration, onFinish FinishFunc, onThrottle ThrottleFunc) *RetryQueue {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if batchSize <= 0 {
		batchSize = DefaultRetryBatchSize
	}
	if pollInterval <= 0 {
		pollInterval = DefaultRetryPollInterval
	}
	return &RetryQueue{
		jobs:         make(map[string]*models.DispatchJob),
		d:            d,
		base:         base,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		onFinish:     onFinish,
		onThrottle:   onThrottle,
	}
}

// Enqueue adds job as PENDING. A zero NextAttemptAt makes it due now.
func (q *RetryQueue) Enqueue(job *models.DispatchJob) {
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = q.d.now()
	}
	job.Locked = false
	job.State = models.JobStatePending

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	slog.Debug("RetryQueue.Enqueue: job queued", "jobID", job.ID, "attempts", job.Attempts, "nextAttemptAt", job.NextAttemptAt)
}

// Backoff returns the delay after the given number of failed attempts:
// base * 2^(attempts-1).
func (q *RetryQueue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return q.base * time.Duration(1<<(attempts-1))
}

// Fail records a failed attempt for job, which must not be in the queue or
// must be locked by the caller. The job is abandoned once it has used all of
// its attempts; otherwise it is (re)queued after the backoff.
func (q *RetryQueue) Fail(job *models.DispatchJob, cause error) {
	now := q.d.now()

	q.mu.Lock()
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Exhausted() {
		job.State = models.JobStateAbandoned
		job.Locked = false
		delete(q.jobs, job.ID)
		q.mu.Unlock()

		slog.Error("RetryQueue.Fail: job abandoned after max attempts",
			"jobID", job.ID, "fingerprint", job.Fingerprint, "recipient", job.Recipient,
			"attempts", job.Attempts, "maxAttempts", job.MaxAttempts, "lastError", job.LastError)
		q.finish(job, FinishAbandoned)
		return
	}
	job.NextAttemptAt = now.Add(q.Backoff(job.Attempts))
	job.State = models.JobStatePending
	job.Locked = false
	q.jobs[job.ID] = job
	q.mu.Unlock()

	slog.Info("RetryQueue.Fail: job rescheduled", "jobID", job.ID, "fingerprint", job.Fingerprint,
		"attempts", job.Attempts, "maxAttempts", job.MaxAttempts, "nextAttemptAt", job.NextAttemptAt)
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (q *RetryQueue) Run(ctx context.Context) {
	slog.Info("RetryQueue.Run: starting retry worker", "pollInterval", q.pollInterval, "batchSize", q.batchSize)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("RetryQueue.Run: stopping, waiting for in-flight sends")
			q.wait()
			return
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

// claim locks up to batchSize due, unlocked jobs, oldest due first.
func (q *RetryQueue) claim(now time.Time) []*models.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*models.DispatchJob
	for _, job := range q.jobs {
		if !job.Locked && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > q.batchSize {
		due = due[:q.batchSize]
	}
	for _, job := range due {
		job.Locked = true
		job.State = models.JobStateInFlight
	}
	return due
}

func (q *RetryQueue) unlock(jobs []*models.DispatchJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		job.Locked = false
		job.State = models.JobStatePending
	}
}

func (q *RetryQueue) remove(job *models.DispatchJob, state models.JobState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Locked = false
	job.State = state
	delete(q.jobs, job.ID)
}

func (q *RetryQueue) poll(ctx context.Context) {
	claimed := q.claim(q.d.now())
	for i, job := range claimed {
		switch q.d.gate(job) {
		case gateDuplicate:
			slog.Info("RetryQueue.poll: already sent by another path, dropping", "jobID", job.ID, "fingerprint", job.Fingerprint)
			q.remove(job, models.JobStateDone)
			q.finish(job, FinishDuplicate)
			continue
		case gateThrottled:
			slog.Debug("RetryQueue.poll: rate budget exhausted, deferring", "jobID", job.ID, "deferred", len(claimed)-i)
			q.unlock(claimed[i:])
			if q.onThrottle != nil {
				q.onThrottle(QueueRetry)
			}
			return
		}
		q.sends.Add(1)
		go func() {
			defer q.sends.Done()
			q.process(ctx, job)
		}()
	}
}

// wait blocks until every send started by poll has been applied.
func (q *RetryQueue) wait() {
	q.sends.Wait()
}

// process sends one claimed job that already passed the gate and applies
// the result.
func (q *RetryQueue) process(ctx context.Context, job *models.DispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("RetryQueue.process: recovered from panic", "jobID", job.ID, "panic", r)
			q.Fail(job, fmt.Errorf("panic while sending: %v", r))
		}
	}()

	slog.Debug("RetryQueue.process: retrying job", "jobID", job.ID, "fingerprint", job.Fingerprint, "attempt", job.Attempts+1, "maxAttempts", job.MaxAttempts)
	res := q.d.send(ctx, job)
	q.complete(job, res)
}

// complete applies a transport result to a job owned by the caller.
func (q *RetryQueue) complete(job *models.DispatchJob, res gateway.Result) {
	switch res.Outcome {
	case models.OutcomeDelivered:
		q.mu.Lock()
		job.Attempts++
		q.mu.Unlock()
		q.remove(job, models.JobStateDone)
		slog.Info("RetryQueue.complete: job delivered", "jobID", job.ID, "correlationID", res.CorrelationID, "attempts", job.Attempts)
		q.finish(job, FinishDelivered)
	case models.OutcomeFatal:
		q.mu.Lock()
		job.Attempts++
		job.LastError = errString(res.Err)
		q.mu.Unlock()
		q.remove(job, models.JobStateAbandoned)
		slog.Error("RetryQueue.complete: fatal gateway error, dropping job", "jobID", job.ID, "correlationID", res.CorrelationID, "status", res.StatusCode, "error", res.Err)
		q.finish(job, FinishFatal)
	default:
		q.Fail(job, res.Err)
	}
}

func (q *RetryQueue) finish(job *models.DispatchJob, reason string) {
	if q.onFinish != nil {
		q.onFinish(job, reason)
	}
}

// Jobs returns copies of the queued jobs ordered by next attempt.
func (q *RetryQueue) Jobs() []models.DispatchJob {
	q.mu.Lock()
	out := make([]models.DispatchJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out
}

// Len returns the number of queued jobs.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
