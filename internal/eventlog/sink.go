// Package eventlog is a fire-and-forget sink for system events. Callers
// never block on it; entries are batched into the system_logs table by a
// background loop and dropped with a warning when the queue is full.
package eventlog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/storage"
)

// Event types stored in system_logs.type.
const (
	TypeError = "error"
	TypeInfo  = "info"
	TypeSQL   = "sql"
	TypeAgent = "agent"
)

const (
	defaultQueueSize = 1000
	defaultBatchSize = 50
	defaultInterval  = 2 * time.Second
	flushTimeout     = 5 * time.Second
)

// Writer persists a batch of entries.
type Writer interface {
	InsertLogs(ctx context.Context, entries []storage.LogEntry) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithQueueSize sets how many entries may wait for the writer.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queue = make(chan storage.LogEntry, n)
		}
	}
}

// WithBatch sets the flush threshold and the periodic flush interval.
func WithBatch(size int, interval time.Duration) Option {
	return func(s *Sink) {
		if size > 0 {
			s.batchSize = size
		}
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithClock overrides the timestamp assigned to entries.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

type Sink struct {
	w         Writer
	queue     chan storage.LogEntry
	batchSize int
	interval  time.Duration
	now       func() time.Time
	dropped   atomic.Int64
}

func NewSink(w Writer, opts ...Option) *Sink {
	s := &Sink{
		w:         w,
		queue:     make(chan storage.LogEntry, defaultQueueSize),
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Log enqueues e without blocking. It reports false when e was dropped.
func (s *Sink) Log(e storage.LogEntry) bool {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	select {
	case s.queue <- e:
		return true
	default:
		n := s.dropped.Add(1)
		logx.Warn().Str("type", e.Type).Str("source", e.Source).Int64("dropped", n).Msg("event log queue full, dropping entry")
		return false
	}
}

func (s *Sink) Error(source, message, details string) bool {
	return s.Log(storage.LogEntry{Type: TypeError, Source: source, Message: message, Details: details})
}

func (s *Sink) Info(source, message, details string) bool {
	return s.Log(storage.LogEntry{Type: TypeInfo, Source: source, Message: message, Details: details})
}

func (s *Sink) SQL(source, query, details string) bool {
	return s.Log(storage.LogEntry{Type: TypeSQL, Source: source, Message: query, Details: details})
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Observer returns a bus observer that records every agent message. Query
// announcements are stored as sql entries and error messages as errors.
func (s *Sink) Observer() bus.Observer {
	return func(m bus.Message) {
		typ := TypeAgent
		switch {
		case m.Type == bus.TypeError:
			typ = TypeError
		case bus.DecodeKind(m.Content) == bus.KindSearchAttempt:
			typ = TypeSQL
		}
		s.Log(storage.LogEntry{
			Type:      typ,
			Source:    m.From + "->" + m.To,
			Message:   string(m.Type),
			Details:   m.Content,
			CreatedAt: m.Timestamp,
		})
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]storage.LogEntry, 0, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			s.flush(fctx, s.drain(batch))
			cancel()
			return nil

		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Sink) drain(batch []storage.LogEntry) []storage.LogEntry {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (s *Sink) flush(ctx context.Context, batch []storage.LogEntry) {
	if len(batch) == 0 {
		return
	}
	if err := s.w.InsertLogs(ctx, batch); err != nil {
		logx.Warn().Err(err).Int("entries", len(batch)).Msg("writing event log batch")
	}
}
