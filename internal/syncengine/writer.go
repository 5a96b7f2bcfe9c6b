package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"roadsync/internal/mirror"
)

// Mirror writer defaults.
const (
	DefaultWriterBufferSize    = 256
	DefaultWriterFlushInterval = 2 * time.Second
	writerBatchThreshold       = 50
)

var mirrorWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "roadsync_mirror_write_failures_total",
	Help: "Mirror documents that could not be written or were dropped",
})

// WriterConfig configures a MirrorWriter.
type WriterConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	// Timeout bounds each batch write.
	Timeout time.Duration
}

// MirrorWriter copies documents to the mirror store in the background.
// Write never blocks: when the buffer is full the document is dropped,
// which only delays the mirror until the next successful sync.
type MirrorWriter struct {
	store  mirror.Store
	buffer chan mirror.Write
	done   chan struct{}
	// flushReq asks the loop to write its batch now; the reply is closed when done.
	flushReq chan chan struct{}
	wg       sync.WaitGroup
	writes   sync.WaitGroup
	closed   atomic.Bool
	cfg      WriterConfig
}

// NewMirrorWriter starts the background flush loop.
func NewMirrorWriter(store mirror.Store, cfg WriterConfig) *MirrorWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultWriterBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	w := &MirrorWriter{
		store:    store,
		buffer:   make(chan mirror.Write, cfg.BufferSize),
		done:     make(chan struct{}),
		flushReq: make(chan chan struct{}),
		cfg:      cfg,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write queues a document for the next batch.
func (w *MirrorWriter) Write(doc mirror.Write) {
	if w.closed.Load() {
		return
	}
	w.writes.Add(1)
	defer w.writes.Done()
	if w.closed.Load() {
		return
	}

	select {
	case w.buffer <- doc:
	default:
		mirrorWriteFailures.Inc()
		slog.Warn("mirror write buffer full, dropping document", "collection", doc.Collection, "id", doc.ID)
	}
}

// Flush writes everything queued so far and waits for it.
func (w *MirrorWriter) Flush(ctx context.Context) {
	if w.closed.Load() {
		return
	}
	reply := make(chan struct{})
	select {
	case w.flushReq <- reply:
	case <-w.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// Close flushes remaining documents and stops the loop. It does not close
// the mirror store. Close is idempotent.
func (w *MirrorWriter) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.writes.Wait()
	close(w.done)
	w.wg.Wait()
	return nil
}

func (w *MirrorWriter) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]mirror.Write, 0, writerBatchThreshold)
	drain := func() {
		for {
			select {
			case doc := <-w.buffer:
				batch = append(batch, doc)
			default:
				return
			}
		}
	}

	for {
		select {
		case doc := <-w.buffer:
			batch = append(batch, doc)
			if len(batch) >= writerBatchThreshold {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case reply := <-w.flushReq:
			drain()
			w.flushBatch(batch)
			batch = batch[:0]
			close(reply)

		case <-w.done:
			close(w.buffer)
			for doc := range w.buffer {
				batch = append(batch, doc)
			}
			w.flushBatch(batch)
			return
		}
	}
}

func (w *MirrorWriter) flushBatch(batch []mirror.Write) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	if err := w.store.BatchSet(ctx, batch); err != nil {
		mirrorWriteFailures.Add(float64(len(batch)))
		slog.Warn("failed to write mirror batch", "error", err, "count", len(batch))
	}
}
