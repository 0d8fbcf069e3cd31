package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/wadispatch/internal/gateway"
	"github.com/BTreeMap/wadispatch/internal/models"
)

// DefaultDelayedPollInterval is the delayed queue tick.
const DefaultDelayedPollInterval = time.Second

type scheduledJob struct {
	job *models.DispatchJob
	seq uint64
}

// scheduleHeap orders jobs by scheduled time, then by insertion order.
type scheduleHeap []scheduledJob

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool {
	ti, tj := h[i].job.NextAttemptAt, h[j].job.NextAttemptAt
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)   { *h = append(*h, x.(scheduledJob)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = scheduledJob{}
	*h = old[:n-1]
	return item
}

// AttemptFunc receives the result of a job's first transport attempt.
type AttemptFunc func(job *models.DispatchJob, res gateway.Result)

// DelayedQueue holds jobs until their jittered send time and releases them
// strictly in scheduled order. When the rate budget runs out the tick stops
// and the remaining jobs keep their order; nothing is skipped ahead.
//
// Jobs leave the queue in order on the poller goroutine; each send then runs
// on its own goroutine so a slow gateway call never stalls other due jobs.
type DelayedQueue struct {
	mu    sync.Mutex
	items scheduleHeap
	seq   uint64
	sends sync.WaitGroup

	d            *deliverer
	pollInterval time.Duration
	onAttempt    AttemptFunc
	onFinish     FinishFunc
	onThrottle   ThrottleFunc
}

func newDelayedQueue(d *deliverer, pollInterval time.Duration, onAttempt AttemptFunc, onFinish FinishFunc, onThrottle ThrottleFunc) *DelayedQueue {
	if pollInterval <= 0 {
		pollInterval = DefaultDelayedPollInterval
	}
	return &DelayedQueue{
		d:            d,
		pollInterval: pollInterval,
		onAttempt:    onAttempt,
		onFinish:     onFinish,
		onThrottle:   onThrottle,
	}
}

// Schedule queues job to be sent no earlier than notBefore.
func (q *DelayedQueue) Schedule(job *models.DispatchJob, notBefore time.Time) {
	q.mu.Lock()
	job.NextAttemptAt = notBefore
	job.State = models.JobStatePending
	job.Locked = false
	q.seq++
	heap.Push(&q.items, scheduledJob{job: job, seq: q.seq})
	q.mu.Unlock()

	slog.Debug("DelayedQueue.Schedule: job scheduled", "jobID", job.ID, "fingerprint", job.Fingerprint, "notBefore", notBefore)
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (q *DelayedQueue) Run(ctx context.Context) {
	slog.Info("DelayedQueue.Run: starting delayed dispatcher", "pollInterval", q.pollInterval)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("DelayedQueue.Run: stopping, waiting for in-flight sends")
			q.wait()
			return
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

// next pops the earliest due job that may be sent now. Duplicates are popped
// and reported through dup. It returns nil when nothing is due or the budget
// is exhausted (throttled is then true).
func (q *DelayedQueue) next(now time.Time) (job *models.DispatchJob, dup *models.DispatchJob, throttled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, nil, false
	}
	head := q.items[0].job
	if head.NextAttemptAt.After(now) {
		return nil, nil, false
	}
	switch q.d.gate(head) {
	case gateDuplicate:
		heap.Pop(&q.items)
		head.State = models.JobStateDone
		return nil, head, false
	case gateThrottled:
		return nil, nil, true
	}
	heap.Pop(&q.items)
	head.Locked = true
	head.State = models.JobStateInFlight
	return head, nil, false
}

func (q *DelayedQueue) poll(ctx context.Context) {
	for ctx.Err() == nil {
		job, dup, throttled := q.next(q.d.now())
		if dup != nil {
			slog.Info("DelayedQueue.poll: already sent, dropping", "jobID", dup.ID, "fingerprint", dup.Fingerprint)
			if q.onFinish != nil {
				q.onFinish(dup, FinishDuplicate)
			}
			continue
		}
		if throttled {
			slog.Debug("DelayedQueue.poll: rate budget exhausted, waiting for next tick", "pending", q.Len())
			if q.onThrottle != nil {
				q.onThrottle(QueueDelayed)
			}
			return
		}
		if job == nil {
			return
		}
		q.sends.Add(1)
		go func() {
			defer q.sends.Done()
			q.dispatch(ctx, job)
		}()
	}
}

// wait blocks until every send started by poll has been applied.
func (q *DelayedQueue) wait() {
	q.sends.Wait()
}

func (q *DelayedQueue) dispatch(ctx context.Context, job *models.DispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("DelayedQueue.dispatch: recovered from panic", "jobID", job.ID, "panic", r)
			q.onAttempt(job, gateway.Result{
				Outcome: models.OutcomeRetryable,
				Err:     fmt.Errorf("panic while sending: %v", r),
			})
		}
	}()

	slog.Debug("DelayedQueue.dispatch: sending job", "jobID", job.ID, "fingerprint", job.Fingerprint, "scheduledFor", job.NextAttemptAt)
	res := q.d.send(ctx, job)
	q.onAttempt(job, res)
}

// Jobs returns copies of the scheduled jobs in dispatch order.
func (q *DelayedQueue) Jobs() []models.DispatchJob {
	q.mu.Lock()
	items := append(scheduleHeap(nil), q.items...)
	out := make([]models.DispatchJob, 0, len(items))
	for items.Len() > 0 {
		out = append(out, *heap.Pop(&items).(scheduledJob).job)
	}
	q.mu.Unlock()
	return out
}

// Len returns the number of scheduled jobs.
func (q *DelayedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
