package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Sink        Sink
	Notifier    Notifier // optional
	NotifyTypes []Type
	Logger      *slog.Logger
	QueueSize   int
}

type entry struct {
	ctx     context.Context
	rec     *Record
	flushed chan struct{}
}

// Ledger is a fire-and-forget Recorder. Records are queued and written by
// a single drain goroutine; sink and notifier failures are logged and
// dropped.
type Ledger struct {
	sink     Sink
	notifier Notifier
	notify   map[Type]bool
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan entry
	done   chan struct{}
}

// NewLedger creates a Ledger and starts its drain goroutine.
// Call Close to drain and stop it.
func NewLedger(cfg LedgerConfig) *Ledger {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	types := cfg.NotifyTypes
	if types == nil {
		types = DefaultNotifyTypes
	}
	notify := make(map[Type]bool, len(types))
	for _, t := range types {
		notify[t] = true
	}

	l := &Ledger{
		sink:     cfg.Sink,
		notifier: cfg.Notifier,
		notify:   notify,
		logger:   logger,
		queue:    make(chan entry, size),
		done:     make(chan struct{}),
	}
	go l.drain()
	return l
}

// Record enqueues rec, assigning an ID and timestamp when missing.
// It never blocks on I/O: if the queue is full the record is written on
// the caller's goroutine instead of being dropped.
func (l *Ledger) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.write(ctx, &rec)
		return
	}
	select {
	case l.queue <- entry{ctx: ctx, rec: &rec}:
	default:
		l.logger.Warn("activity queue full, writing inline",
			slog.String("type", string(rec.Type)),
			slog.String("user_id", rec.UserID))
		l.write(ctx, &rec)
	}
}

// Flush blocks until every record queued before the call is written.
func (l *Ledger) Flush() {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	ch := make(chan struct{})
	l.queue <- entry{flushed: ch}
	l.mu.RUnlock()
	<-ch
}

// Close drains the queue and stops the drain goroutine. Records submitted
// after Close are written synchronously.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

func (l *Ledger) drain() {
	defer close(l.done)
	for e := range l.queue {
		if e.rec != nil {
			l.write(e.ctx, e.rec)
		}
		if e.flushed != nil {
			close(e.flushed)
		}
	}
}

func (l *Ledger) write(ctx context.Context, rec *Record) {
	if l.sink != nil {
		if err := l.sink.Append(ctx, rec); err != nil {
			l.logger.Error("append activity record",
				slog.String("type", string(rec.Type)),
				slog.String("task_id", rec.TaskID),
				slog.Any("err", err))
		}
	}
	if l.notifier != nil && l.notify[rec.Type] {
		if err := l.notifier.Notify(ctx, rec); err != nil {
			l.logger.Warn("notify activity record",
				slog.String("type", string(rec.Type)),
				slog.Any("err", err))
		}
	}
}
