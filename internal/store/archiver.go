package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/wadispatch/internal/models"
)

const (
	// DefaultArchiveBuffer is the number of records held between flushes.
	DefaultArchiveBuffer = 1024
	// DefaultFlushInterval is how often buffered records are written.
	DefaultFlushInterval = 2 * time.Second
)

// Archiver buffers attempt records and writes them to an AttemptRepo in
// batches. Archive never blocks: when the buffer is full the record is
// dropped and counted.
type Archiver struct {
	repo          AttemptRepo
	flushInterval time.Duration
	capacity      int

	mu      sync.Mutex
	buf     []models.AttemptRecord
	dropped int
}

// NewArchiver creates an Archiver writing to repo.
func NewArchiver(repo AttemptRepo, capacity int, flushInterval time.Duration) *Archiver {
	if capacity <= 0 {
		capacity = DefaultArchiveBuffer
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Archiver{repo: repo, capacity: capacity, flushInterval: flushInterval}
}

// Archive queues rec for the next flush.
func (a *Archiver) Archive(rec models.AttemptRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) >= a.capacity {
		a.dropped++
		if a.dropped == 1 || a.dropped%100 == 0 {
			slog.Warn("Archiver.Archive: buffer full, dropping attempt record", "correlationID", rec.CorrelationID, "dropped", a.dropped)
		}
		return
	}
	a.buf = append(a.buf, rec)
}

// Dropped returns the number of records dropped because the buffer was full.
func (a *Archiver) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run starts the flush loop. It blocks until the context is cancelled, then
// makes a final flush.
func (a *Archiver) Run(ctx context.Context) {
	slog.Info("Archiver.Run: starting attempt archiver", "flushInterval", a.flushInterval)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Flush(flushCtx)
			cancel()
			slog.Info("Archiver.Run: stopping")
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush writes all buffered records. Records that fail to save are dropped;
// the archive is history only.
func (a *Archiver) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := a.repo.SaveAttempts(ctx, batch); err != nil {
		slog.Error("Archiver.Flush: save failed, records dropped", "count", len(batch), "error", err)
		return
	}
	slog.Debug("Archiver.Flush: saved attempts", "count", len(batch))
}
