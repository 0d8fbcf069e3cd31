// Package dispatch turns send intents into paced, rate-limited, retried
// gateway attempts.
//
// Every send path (immediate, delayed, retried) goes through the same gate:
// idempotency first, then the shared rate limiter, then one transport
// attempt. A refused rate acquire is not an attempt and leaves the job
// untouched.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/wadispatch/internal/clock"
	"github.com/BTreeMap/wadispatch/internal/gateway"
	"github.com/BTreeMap/wadispatch/internal/idempotency"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/ratelimit"
)

// Finish reasons reported when a job leaves the engine.
const (
	FinishDelivered = "delivered"
	FinishDuplicate = "duplicate"
	FinishFatal     = "fatal"
	FinishAbandoned = "abandoned"
)

// Queue names used in logs and metrics.
const (
	QueueImmediate = "immediate"
	QueueDelayed   = "delayed"
	QueueRetry     = "retry"
)

// gateResult is the outcome of the pre-send checks.
type gateResult int

const (
	gateOpen gateResult = iota
	gateDuplicate
	gateThrottled
)

// FinishFunc is called exactly once when a job reaches a terminal state.
type FinishFunc func(job *models.DispatchJob, reason string)

// ThrottleFunc is called when a queue stops a tick on an exhausted budget.
type ThrottleFunc func(queue string)

// deliverer holds the shared send-path dependencies.
type deliverer struct {
	limiter   *ratelimit.Limiter
	idem      *idempotency.Cache
	transport *gateway.Transport
	clock     clock.Clock

	mu       sync.Mutex
	inFlight map[string]models.DispatchJob // job id -> copy taken when the send started
}

// gate runs the idempotency and rate checks in that order. It does not
// consume budget for duplicates.
func (d *deliverer) gate(job *models.DispatchJob) gateResult {
	if d.idem.Seen(job.Fingerprint) {
		return gateDuplicate
	}
	if !d.limiter.TryAcquire() {
		return gateThrottled
	}
	return gateOpen
}

// send performs one transport attempt with the per-kind timeout. Cancelling
// ctx does not cut a started attempt short; it runs to its own timeout. The
// job is listed by inFlightJobs until the attempt returns.
func (d *deliverer) send(ctx context.Context, job *models.DispatchJob) gateway.Result {
	d.mu.Lock()
	snap := *job
	snap.State = models.JobStateInFlight
	d.inFlight[job.ID] = snap
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, job.ID)
		d.mu.Unlock()
	}()
	return d.transport.Send(context.WithoutCancel(ctx), job, 0)
}

// inFlightJobs returns the jobs whose transport attempt is running, oldest
// scheduled first.
func (d *deliverer) inFlightJobs() []models.DispatchJob {
	d.mu.Lock()
	out := make([]models.DispatchJob, 0, len(d.inFlight))
	for _, job := range d.inFlight {
		out = append(out, job)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out
}

func (d *deliverer) now() time.Time {
	return d.clock.Now()
}
