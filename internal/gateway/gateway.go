// Package gateway performs single delivery attempts against the WhatsApp
// gateway and classifies their outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/wadispatch/internal/idempotency"
	"github.com/BTreeMap/wadispatch/internal/ledger"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/util"
)

const (
	// DefaultTextTimeout bounds a text or interactive request.
	DefaultTextTimeout = 10 * time.Second
	// DefaultDocumentTimeout bounds a document request.
	DefaultDocumentTimeout = 30 * time.Second
	// maxErrorBody is how much of a failed response body is kept for logs.
	maxErrorBody = 512
)

var (
	// ErrFatal marks failures that must never be retried (credential or
	// permission rejection).
	ErrFatal = errors.New("fatal gateway error")
	// ErrRetryable marks transient failures (timeouts, 5xx, network).
	ErrRetryable = errors.New("retryable gateway error")
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Classify maps a wire error to an attempt outcome. Only 401 and 403 are fatal.
func Classify(err error) models.Outcome {
	if err == nil {
		return models.OutcomeDelivered
	}
	if errors.Is(err, ErrFatal) {
		return models.OutcomeFatal
	}
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return models.OutcomeFatal
	}
	return models.OutcomeRetryable
}

// Request is one encoded delivery handed to a Wire.
type Request struct {
	CorrelationID string
	Recipient     string
	Kind          models.Kind
	Payload       models.Payload
}

// Wire speaks one gateway protocol.
type Wire interface {
	// Encodings lists the encodings to try for kind, in order.
	Encodings(kind models.Kind) []string
	// Deliver performs one request and returns the HTTP status seen (0 if
	// none) and a non-nil error unless the gateway accepted the message.
	Deliver(ctx context.Context, req Request, encoding string) (int, error)
	// Endpoint describes where kind is sent, for logs.
	Endpoint(kind models.Kind) string
}

// Observer receives every attempt outcome, e.g. for metrics.
type Observer interface {
	ObserveAttempt(kind models.Kind, encoding string, outcome models.Outcome, d time.Duration)
}

// Result is the outcome of Transport.Send.
type Result struct {
	Outcome       models.Outcome
	CorrelationID string
	StatusCode    int
	Encoding      string
	Err           error
	Duration      time.Duration
}

// Opts holds Transport configuration.
type Opts struct {
	TextTimeout     time.Duration
	DocumentTimeout time.Duration
	Observer        Observer
}

// Option configures a Transport.
type Option func(*Opts)

// WithTextTimeout sets the timeout for text and interactive sends.
func WithTextTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TextTimeout = d }
}

// WithDocumentTimeout sets the timeout for document sends.
func WithDocumentTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DocumentTimeout = d }
}

// WithObserver registers an attempt observer.
func WithObserver(obs Observer) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Transport performs a delivery attempt and records its result in the
// idempotency cache and the outbound ledger.
type Transport struct {
	wire   Wire
	idem   *idempotency.Cache
	ledger *ledger.Ledger
	opts   Opts
}

// NewTransport creates a Transport over wire.
func NewTransport(wire Wire, idem *idempotency.Cache, l *ledger.Ledger, opts ...Option) *Transport {
	cfg := Opts{TextTimeout: DefaultTextTimeout, DocumentTimeout: DefaultDocumentTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = DefaultTextTimeout
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = DefaultDocumentTimeout
	}
	return &Transport{wire: wire, idem: idem, ledger: l, opts: cfg}
}

// TimeoutFor returns the configured per-attempt timeout for kind.
func (t *Transport) TimeoutFor(kind models.Kind) time.Duration {
	if kind == models.KindDocument {
		return t.opts.DocumentTimeout
	}
	return t.opts.TextTimeout
}

// Send makes one delivery attempt for job. Each request carries a fresh
// correlation id. Documents fall back to the next encoding on a retryable
// failure; a fatal failure stops immediately. A non-positive timeout uses
// TimeoutFor(job.Kind).
//
// On success the fingerprint is marked in the idempotency cache before the
// ledger entry is written; on failure only the ledger is written.
func (t *Transport) Send(ctx context.Context, job *models.DispatchJob, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = t.TimeoutFor(job.Kind)
	}

	start := time.Now()
	var res Result
	for _, enc := range t.wire.Encodings(job.Kind) {
		res = t.attempt(ctx, job, enc, timeout)
		if res.Outcome != models.OutcomeRetryable {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	res.Duration = time.Since(start)

	if res.Outcome == models.OutcomeDelivered {
		t.idem.Mark(job.Fingerprint)
	}
	t.ledger.RecordAttempt(ledger.Attempt{
		JobID:         job.ID,
		Recipient:     job.Recipient,
		Kind:          job.Kind,
		Payload:       job.Payload,
		Fingerprint:   job.Fingerprint,
		CorrelationID: res.CorrelationID,
		Encoding:      res.Encoding,
		StatusCode:    res.StatusCode,
		Outcome:       res.Outcome,
		Err:           res.Err,
		Duration:      res.Duration,
	})
	return res
}

func (t *Transport) attempt(ctx context.Context, job *models.DispatchJob, enc string, timeout time.Duration) Result {
	corrID := util.NewCorrelationID()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status, err := t.wire.Deliver(attemptCtx, Request{
		CorrelationID: corrID,
		Recipient:     job.Recipient,
		Kind:          job.Kind,
		Payload:       job.Payload,
	}, enc)
	elapsed := time.Since(start)

	res := Result{
		Outcome:       Classify(err),
		CorrelationID: corrID,
		StatusCode:    status,
		Encoding:      enc,
		Duration:      elapsed,
	}
	switch res.Outcome {
	case models.OutcomeFatal:
		res.Err = wrapAs(ErrFatal, err)
	case models.OutcomeRetryable:
		res.Err = wrapAs(ErrRetryable, err)
	}

	attrs := []any{
		"correlationID", corrID,
		"jobID", job.ID,
		"fingerprint", job.Fingerprint,
		"recipient", job.Recipient,
		"kind", job.Kind,
		"encoding", enc,
		"endpoint", t.wire.Endpoint(job.Kind),
		"status", status,
		"outcome", res.Outcome,
		"duration", elapsed,
	}
	if err != nil {
		slog.Warn("Transport.Send: attempt failed", append(attrs, "error", err)...)
	} else {
		slog.Info("Transport.Send: attempt delivered", attrs...)
	}
	if t.opts.Observer != nil {
		t.opts.Observer.ObserveAttempt(job.Kind, enc, res.Outcome, elapsed)
	}
	return res
}

func wrapAs(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
