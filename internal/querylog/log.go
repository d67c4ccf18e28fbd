package querylog

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/service"
)

// Config is the configuration of the durable query log.
type Config struct {
	// Logger is used for logging the operation of the log.  It must not be
	// nil.
	Logger *slog.Logger

	// Storage persists flushed batches.  It must not be nil.
	Storage Storage

	// Metrics collects the statistics of the log.  It must not be nil.
	Metrics Metrics

	// Anonymizer produces the stored client identity.  It must not be nil.
	Anonymizer *Anonymizer

	// Stream receives every written entry.  It must not be nil.
	Stream *Stream

	// Stats receives every written entry.  It must not be nil.
	Stats *Stats

	// MaxBuffered is the number of entries held in memory between flushes.
	// When the buffer is full, the oldest entries are dropped.  It must be
	// positive.
	MaxBuffered int
}

// Log is the durable query log.  Entries are anonymised, buffered in memory,
// and flushed to storage by [Log.Refresh], which the caller is expected to
// run on a schedule and once at shutdown.
type Log struct {
	logger     *slog.Logger
	storage    Storage
	metrics    Metrics
	anonymizer *Anonymizer
	stream     *Stream
	stats      *Stats

	// mu protects buf and dropped.
	mu      *sync.Mutex
	buf     []*Entry
	dropped int

	maxBuffered int
}

// New returns a new durable query log.  c must not be nil and must be valid.
func New(c *Config) (l *Log) {
	return &Log{
		logger:      c.Logger,
		storage:     c.Storage,
		metrics:     c.Metrics,
		anonymizer:  c.Anonymizer,
		stream:      c.Stream,
		stats:       c.Stats,
		mu:          &sync.Mutex{},
		maxBuffered: c.MaxBuffered,
	}
}

// type check
var _ Interface = (*Log)(nil)

// Write implements the [Interface] interface for *Log.  The entry is
// anonymised before it is buffered, streamed, or counted, so the raw client
// address never leaves the call.
func (l *Log) Write(ctx context.Context, e *Entry) (err error) {
	c := e.clone()
	c.Client = l.anonymizer.Client(c.ClientIP)
	if l.anonymizer.Enabled() {
		c.ClientIP = netip.Addr{}
	}

	l.stats.record(c)
	l.stream.publish(c)
	l.metrics.IncrementItemsCount(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) >= l.maxBuffered {
		l.buf = l.buf[1:]
		l.dropped++
	}

	l.buf = append(l.buf, c)

	return nil
}

// type check
var _ service.Refresher = (*Log)(nil)

// Refresh implements the [service.Refresher] interface for *Log.  It flushes
// the buffered entries to storage.  On failure the batch is kept for the
// next flush.
func (l *Log) Refresh(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "flushing query log: %w") }()

	l.mu.Lock()
	batch := l.buf
	dropped := l.dropped
	l.buf, l.dropped = nil, 0
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.WarnContext(ctx, "dropped buffered entries", "count", dropped)
	}

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err = l.storage.SaveQueries(ctx, batch)
	if err != nil {
		l.requeue(batch)

		return err
	}

	l.metrics.ObserveFlushSize(ctx, len(batch))
	l.metrics.ObserveFlushDuration(ctx, time.Since(start))

	return nil
}

// requeue puts batch back at the head of the buffer after a failed flush,
// trimming to the buffer limit.
func (l *Log) requeue(batch []*Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := append(batch, l.buf...)
	if over := len(buf) - l.maxBuffered; over > 0 {
		l.dropped += over
		buf = buf[over:]
	}

	l.buf = buf
}
