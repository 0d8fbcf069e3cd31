// Package ledger keeps a short-lived record of every outbound attempt and
// answers "did we send this content to this recipient recently?".
//
// Gateway failures are not proof of non-delivery: a request that timed out
// may still reach the recipient minutes later and come back over the
// inbound webhook. The ledger is the read side used to recognize those
// echoes. It never gates sending; the idempotency cache does that.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/wadispatch/internal/clock"
	"github.com/BTreeMap/wadispatch/internal/fingerprint"
	"github.com/BTreeMap/wadispatch/internal/models"
)

const (
	// DefaultMaxEntries bounds the number of (recipient, content) keys.
	DefaultMaxEntries = 10000
	// maxEntriesPerKey bounds the attempts retained under one key.
	maxEntriesPerKey = 16
)

// Entry is one recorded attempt. Entries are never mutated after creation.
type Entry struct {
	Fingerprint   string    `json:"fingerprint"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Succeeded     bool      `json:"succeeded"`
}

// Attempt describes a send attempt to record.
type Attempt struct {
	JobID         string
	Recipient     string
	Kind          models.Kind
	Payload       models.Payload
	Fingerprint   string
	CorrelationID string
	Encoding      string
	StatusCode    int
	Outcome       models.Outcome
	Err           error
	Duration      time.Duration
}

// Sink receives a copy of every recorded attempt, e.g. for an operator archive.
// Implementations must not block.
type Sink interface {
	Archive(rec models.AttemptRecord)
}

// Ledger is a bounded, TTL-expiring index of outbound attempts keyed by
// normalized recipient and echo digest.
type Ledger struct {
	mu      sync.Mutex
	entries *lru.Cache[string, []Entry]
	window  time.Duration
	clock   clock.Clock
	sink    Sink
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink forwards every attempt to s.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = clock.OrReal(c) }
}

// New creates a Ledger whose entries live for window. The window has no safe
// universal default and must be positive.
func New(window time.Duration, maxEntries int, opts ...Option) (*Ledger, error) {
	if window <= 0 {
		return nil, fmt.Errorf("phantom delivery window must be positive, got %s", window)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, []Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger cache: %w", err)
	}
	l := &Ledger{entries: entries, window: window, clock: clock.Real{}}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func key(recipient, digest string) string {
	return fingerprint.NormalizeRecipient(recipient) + "|" + digest
}

// RecordAttempt appends an entry for a, successful or not, under every echo
// digest of its content.
func (l *Ledger) RecordAttempt(a Attempt) {
	now := l.clock.Now()
	entry := Entry{
		Fingerprint:   a.Fingerprint,
		CorrelationID: a.CorrelationID,
		Timestamp:     now,
		Succeeded:     a.Outcome == models.OutcomeDelivered,
	}

	l.mu.Lock()
	for _, d := range fingerprint.EchoDigests(a.Kind, a.Payload) {
		k := key(a.Recipient, d)
		prev, _ := l.entries.Peek(k)
		next := make([]Entry, 0, len(prev)+1)
		for _, e := range prev {
			if now.Sub(e.Timestamp) < l.window {
				next = append(next, e)
			}
		}
		next = append(next, entry)
		if len(next) > maxEntriesPerKey {
			next = next[len(next)-maxEntriesPerKey:]
		}
		l.entries.Add(k, next)
	}
	l.mu.Unlock()

	slog.Debug("Ledger.RecordAttempt: recorded", "correlationID", a.CorrelationID, "jobID", a.JobID, "fingerprint", a.Fingerprint, "succeeded", entry.Succeeded)

	if l.sink != nil {
		rec := models.AttemptRecord{
			CorrelationID: a.CorrelationID,
			JobID:         a.JobID,
			Fingerprint:   a.Fingerprint,
			Recipient:     fingerprint.NormalizeRecipient(a.Recipient),
			Kind:          a.Kind,
			ContentDigest: fingerprint.ContentDigest(a.Kind, a.Payload),
			Encoding:      a.Encoding,
			StatusCode:    a.StatusCode,
			Outcome:       a.Outcome,
			DurationMs:    a.Duration.Milliseconds(),
			AttemptedAt:   now,
		}
		if a.Err != nil {
			rec.Error = a.Err.Error()
		}
		l.sink.Archive(rec)
	}
}

// Lookup returns the most recent live entry for recipient and content, where
// content is a text body or a document reference.
func (l *Ledger) Lookup(recipient, content string) (Entry, bool) {
	k := key(recipient, fingerprint.TextDigest(content))
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	entries, ok := l.entries.Get(k)
	if !ok {
		return Entry{}, false
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if now.Sub(entries[i].Timestamp) < l.window {
			return entries[i], true
		}
	}
	l.entries.Remove(k)
	return Entry{}, false
}

// WasSentByUs returns the correlation id of the latest attempt to send
// content to recipient inside the window.
func (l *Ledger) WasSentByUs(recipient, content string) (string, bool) {
	e, ok := l.Lookup(recipient, content)
	if !ok {
		return "", false
	}
	return e.CorrelationID, true
}

// Window returns the retention window.
func (l *Ledger) Window() time.Duration {
	return l.window
}

// Len returns the number of tracked keys.
func (l *Ledger) Len() int {
	return l.entries.Len()
}
