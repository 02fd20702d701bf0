package decisionlog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/richxcame/taxi-dispatch/pkg/logger"
)

const defaultBuffer = 1024

// Store is the persistence surface the writer drains into.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	SetOutcome(ctx context.Context, u OutcomeUpdate) error
	InsertRejection(ctx context.Context, rej Rejection) error
}

type op struct {
	entry     *Entry
	outcome   *OutcomeUpdate
	rejection *Rejection
}

// Writer decouples the dispatch critical path from log persistence. Submits
// never block: when the buffer is full the record is dropped and counted in
// the log, which is preferable to stalling an offer.
type Writer struct {
	store Store
	ch    chan op

	closeOnce sync.Once
	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewWriter creates a writer with the default buffer size.
func NewWriter(store Store) *Writer {
	return &Writer{
		store: store,
		ch:    make(chan op, defaultBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start drains the buffer until Close is called. Runs in its own goroutine.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case o := <-w.ch:
				w.apply(ctx, o)
			case <-w.stop:
				w.drain(ctx)
				return
			}
		}
	}()
}

// Close stops intake and waits for the buffer to drain. The channel itself is
// never closed: engine goroutines may still hold a reference during shutdown,
// and their late submits must drop, not panic.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stop)
	})
	<-w.done
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case o := <-w.ch:
			w.apply(ctx, o)
		default:
			return
		}
	}
}

// LogEntry submits an offer decision row.
func (w *Writer) LogEntry(e Entry) {
	w.submit(op{entry: &e})
}

// LogOutcome submits an outcome resolution.
func (w *Writer) LogOutcome(u OutcomeUpdate) {
	w.submit(op{outcome: &u})
}

// LogRejection submits a driver rejection record.
func (w *Writer) LogRejection(rej Rejection) {
	w.submit(op{rejection: &rej})
}

func (w *Writer) submit(o op) {
	if w.closed.Load() {
		return
	}
	select {
	case w.ch <- o:
	default:
		logger.Warn("decision log buffer full, dropping record",
			zap.Bool("entry", o.entry != nil),
			zap.Bool("outcome", o.outcome != nil),
			zap.Bool("rejection", o.rejection != nil),
		)
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	var err error
	switch {
	case o.entry != nil:
		err = w.store.InsertEntry(ctx, *o.entry)
	case o.outcome != nil:
		err = w.store.SetOutcome(ctx, *o.outcome)
	case o.rejection != nil:
		err = w.store.InsertRejection(ctx, *o.rejection)
	}
	if err != nil {
		logger.Error("decision log write failed", zap.Error(err))
	}
}
