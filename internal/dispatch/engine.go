package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/wadispatch/internal/clock"
	"github.com/BTreeMap/wadispatch/internal/fingerprint"
	"github.com/BTreeMap/wadispatch/internal/gateway"
	"github.com/BTreeMap/wadispatch/internal/idempotency"
	"github.com/BTreeMap/wadispatch/internal/ledger"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/ratelimit"
	"github.com/BTreeMap/wadispatch/internal/util"
)

const (
	// DefaultJitterMin and DefaultJitterMax bound the delay between an enqueue
	// and the first attempt of a non-urgent message.
	DefaultJitterMin = 2 * time.Second
	DefaultJitterMax = 8 * time.Second
	// DefaultUrgentBuffer is the capacity of the immediate-send channel.
	DefaultUrgentBuffer = 64
)

// Observer receives engine lifecycle events, e.g. for metrics.
type Observer interface {
	JobEnqueued(kind models.Kind, duplicate bool)
	JobFinished(kind models.Kind, reason string)
	QueueThrottled(queue string)
}

// Opts holds Engine configuration.
type Opts struct {
	Clock               clock.Clock
	FingerprintBucket   time.Duration
	JitterMin           time.Duration
	JitterMax           time.Duration
	RetryBase           time.Duration
	MaxAttempts         int
	RetryBatchSize      int
	RetryPollInterval   time.Duration
	DelayedPollInterval time.Duration
	UrgentBuffer        int
	Observer            Observer
}

// Option configures an Engine.
type Option func(*Opts)

func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

func WithFingerprintBucket(d time.Duration) Option {
	return func(o *Opts) { o.FingerprintBucket = d }
}

// WithJitter sets the bounds of the random first-send delay.
func WithJitter(min, max time.Duration) Option {
	return func(o *Opts) { o.JitterMin, o.JitterMax = min, max }
}

func WithRetryBase(d time.Duration) Option {
	return func(o *Opts) { o.RetryBase = d }
}

func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

func WithRetryBatchSize(n int) Option {
	return func(o *Opts) { o.RetryBatchSize = n }
}

func WithRetryPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.RetryPollInterval = d }
}

func WithDelayedPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.DelayedPollInterval = d }
}

func WithUrgentBuffer(n int) Option {
	return func(o *Opts) { o.UrgentBuffer = n }
}

func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// EnqueueOptions holds per-message options.
type EnqueueOptions struct {
	Urgent bool
	Delay  *time.Duration
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*EnqueueOptions)

// Urgent sends the message as soon as the rate budget allows, skipping the
// jitter delay.
func Urgent() EnqueueOption {
	return func(o *EnqueueOptions) { o.Urgent = true }
}

// After replaces the random jitter with a fixed delay.
func After(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = &d }
}

// EnqueueResult describes what Enqueue did. Duplicate results are not errors;
// they carry the fingerprint of the existing send and, while it is still
// pending, its job id.
type EnqueueResult struct {
	JobID       string `json:"job_id,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Duplicate   bool   `json:"duplicate"`
}

// Snapshot is a point-in-time view of the engine for operators.
type Snapshot struct {
	Delayed            []models.DispatchJob `json:"delayed"`
	Retry              []models.DispatchJob `json:"retry"`
	InFlight           []models.DispatchJob `json:"in_flight"`
	UrgentBacklog      int                  `json:"urgent_backlog"`
	RateBudget         int                  `json:"rate_budget"`
	RateRemaining      int                  `json:"rate_remaining"`
	RateResetAt        time.Time            `json:"rate_reset_at"`
	IdempotencyEntries int                  `json:"idempotency_entries"`
	Pending            int                  `json:"pending"`
}

// Engine is the outbound delivery engine. Enqueue never blocks on delivery;
// Run drives the background workers.
type Engine struct {
	opts     Opts
	clock    clock.Clock
	fp       *fingerprint.Fingerprinter
	idem     *idempotency.Cache
	limiter  *ratelimit.Limiter
	detector *ledger.Detector

	d       *deliverer
	delayed *DelayedQueue
	retry   *RetryQueue
	urgent  chan *models.DispatchJob
	sends   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string // fingerprint -> job id, until the job finishes
}

// NewEngine wires an Engine around the shared limiter, caches and transport.
func NewEngine(transport *gateway.Transport, limiter *ratelimit.Limiter, idem *idempotency.Cache, detector *ledger.Detector, opts ...Option) (*Engine, error) {
	if transport == nil || limiter == nil || idem == nil || detector == nil {
		return nil, fmt.Errorf("transport, limiter, idempotency cache and detector are required")
	}
	cfg := Opts{
		JitterMin:    DefaultJitterMin,
		JitterMax:    DefaultJitterMax,
		RetryBase:    DefaultRetryBase,
		MaxAttempts:  DefaultMaxAttempts,
		UrgentBuffer: DefaultUrgentBuffer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.UrgentBuffer <= 0 {
		cfg.UrgentBuffer = DefaultUrgentBuffer
	}
	if cfg.JitterMax < cfg.JitterMin {
		return nil, fmt.Errorf("jitter max %s is below jitter min %s", cfg.JitterMax, cfg.JitterMin)
	}

	c := clock.OrReal(cfg.Clock)
	e := &Engine{
		opts:     cfg,
		clock:    c,
		fp:       fingerprint.New(c, cfg.FingerprintBucket),
		idem:     idem,
		limiter:  limiter,
		detector: detector,
		d:        &deliverer{limiter: limiter, idem: idem, transport: transport, clock: c, inFlight: make(map[string]models.DispatchJob)},
		urgent:   make(chan *models.DispatchJob, cfg.UrgentBuffer),
		pending:  make(map[string]string),
	}
	e.retry = newRetryQueue(e.d, cfg.RetryBase, cfg.RetryBatchSize, cfg.RetryPollInterval, e.finish, e.throttled)
	e.delayed = newDelayedQueue(e.d, cfg.DelayedPollInterval, e.firstAttempt, e.finish, e.throttled)
	return e, nil
}

// Enqueue registers a send intent and returns immediately. A message whose
// fingerprint is already marked as sent, or is already pending, is a no-op.
func (e *Engine) Enqueue(recipient string, kind models.Kind, payload models.Payload, opts ...EnqueueOption) (EnqueueResult, error) {
	var eo EnqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}

	if strings.TrimSpace(recipient) == "" || fingerprint.NormalizeRecipient(recipient) == "" {
		return EnqueueResult{}, models.ErrEmptyRecipient
	}
	if !models.IsValidKind(kind) {
		return EnqueueResult{}, fmt.Errorf("%w: %q", models.ErrInvalidKind, kind)
	}
	if err := payload.Validate(kind); err != nil {
		return EnqueueResult{}, err
	}

	fp := e.fp.Fingerprint(recipient, kind, payload)
	if e.idem.Seen(fp) {
		slog.Info("Engine.Enqueue: duplicate of delivered message, skipping", "fingerprint", fp, "recipient", recipient, "kind", kind)
		e.observeEnqueue(kind, true)
		return EnqueueResult{Fingerprint: fp, Duplicate: true}, nil
	}

	now := e.clock.Now()
	e.mu.Lock()
	if id, ok := e.pending[fp]; ok {
		e.mu.Unlock()
		slog.Info("Engine.Enqueue: duplicate of pending message, skipping", "fingerprint", fp, "jobID", id, "recipient", recipient, "kind", kind)
		e.observeEnqueue(kind, true)
		return EnqueueResult{JobID: id, Fingerprint: fp, Duplicate: true}, nil
	}
	job := &models.DispatchJob{
		ID:          util.GenerateJobID(),
		Recipient:   recipient,
		Kind:        kind,
		Payload:     payload,
		Fingerprint: fp,
		MaxAttempts: e.opts.MaxAttempts,
		State:       models.JobStatePending,
		CreatedAt:   now,
	}
	e.pending[fp] = job.ID
	e.mu.Unlock()

	switch {
	case eo.Urgent:
		select {
		case e.urgent <- job:
			slog.Debug("Engine.Enqueue: handed to immediate sender", "jobID", job.ID, "fingerprint", fp)
		default:
			slog.Warn("Engine.Enqueue: immediate sender busy, scheduling without delay", "jobID", job.ID)
			e.delayed.Schedule(job, now)
		}
	case eo.Delay != nil:
		e.delayed.Schedule(job, now.Add(*eo.Delay))
	default:
		e.delayed.Schedule(job, now.Add(util.Jitter(e.opts.JitterMin, e.opts.JitterMax)))
	}

	slog.Info("Engine.Enqueue: job accepted", "jobID", job.ID, "fingerprint", fp, "recipient", recipient, "kind", kind, "urgent", eo.Urgent)
	e.observeEnqueue(kind, false)
	return EnqueueResult{JobID: job.ID, Fingerprint: fp}, nil
}

// IsPhantomEcho reports whether an inbound message is an echo of something
// this engine attempted to send to the same recipient recently.
func (e *Engine) IsPhantomEcho(recipient, text string) bool {
	return e.detector.IsPhantomEcho(recipient, text)
}

// Run drives the delayed dispatcher, the retry worker and the immediate
// sender. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.delayed.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.retry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.runImmediate(ctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) runImmediate(ctx context.Context) {
	slog.Info("Engine.runImmediate: starting immediate sender")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.runImmediate: stopping, waiting for in-flight sends")
			e.sends.Wait()
			return
		case job := <-e.urgent:
			e.sends.Add(1)
			go func() {
				defer e.sends.Done()
				e.sendImmediate(ctx, job)
			}()
		}
	}
}

// sendImmediate makes the first attempt for an urgent job. A throttled job
// falls back to the delayed queue, due now, without counting an attempt.
func (e *Engine) sendImmediate(ctx context.Context, job *models.DispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.sendImmediate: recovered from panic", "jobID", job.ID, "panic", r)
			e.firstAttempt(job, gateway.Result{Outcome: models.OutcomeRetryable, Err: fmt.Errorf("panic while sending: %v", r)})
		}
	}()

	switch e.d.gate(job) {
	case gateDuplicate:
		e.finish(job, FinishDuplicate)
		return
	case gateThrottled:
		e.throttled(QueueImmediate)
		e.delayed.Schedule(job, e.clock.Now())
		return
	}
	job.State = models.JobStateInFlight
	res := e.d.send(ctx, job)
	e.firstAttempt(job, res)
}

// firstAttempt applies the result of a job's first transport attempt. A
// retryable failure hands the job to the retry queue with the attempt counted.
func (e *Engine) firstAttempt(job *models.DispatchJob, res gateway.Result) {
	switch res.Outcome {
	case models.OutcomeDelivered:
		job.Attempts = 1
		job.State = models.JobStateDone
		job.Locked = false
		e.finish(job, FinishDelivered)
	case models.OutcomeFatal:
		job.Attempts = 1
		job.State = models.JobStateAbandoned
		job.Locked = false
		job.LastError = errString(res.Err)
		slog.Error("Engine.firstAttempt: fatal gateway error, dropping job", "jobID", job.ID, "correlationID", res.CorrelationID, "status", res.StatusCode, "error", res.Err)
		e.finish(job, FinishFatal)
	default:
		e.retry.Fail(job, res.Err)
	}
}

func (e *Engine) finish(job *models.DispatchJob, reason string) {
	e.mu.Lock()
	if e.pending[job.Fingerprint] == job.ID {
		delete(e.pending, job.Fingerprint)
	}
	e.mu.Unlock()

	slog.Debug("Engine.finish: job finished", "jobID", job.ID, "fingerprint", job.Fingerprint, "reason", reason, "attempts", job.Attempts)
	if e.opts.Observer != nil {
		e.opts.Observer.JobFinished(job.Kind, reason)
	}
}

func (e *Engine) throttled(queue string) {
	if e.opts.Observer != nil {
		e.opts.Observer.QueueThrottled(queue)
	}
}

func (e *Engine) observeEnqueue(kind models.Kind, duplicate bool) {
	if e.opts.Observer != nil {
		e.opts.Observer.JobEnqueued(kind, duplicate)
	}
}

// Snapshot returns the queue contents and limiter state. A retry job whose
// attempt is running is listed both in Retry (locked) and in InFlight.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()

	return Snapshot{
		Delayed:            e.delayed.Jobs(),
		Retry:              e.retry.Jobs(),
		InFlight:           e.d.inFlightJobs(),
		UrgentBacklog:      len(e.urgent),
		RateBudget:         e.limiter.Budget(),
		RateRemaining:      e.limiter.Remaining(),
		RateResetAt:        e.limiter.ResetAt(),
		IdempotencyEntries: e.idem.Len(),
		Pending:            pending,
	}
}

// InFlight returns the number of transport attempts currently running.
func (e *Engine) InFlight() int {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return len(e.d.inFlight)
}

// Delayed returns the delayed dispatch queue.
func (e *Engine) Delayed() *DelayedQueue { return e.delayed }

// Retry returns the retry job queue.
func (e *Engine) Retry() *RetryQueue { return e.retry }
