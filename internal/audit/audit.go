// Package audit records who did what. Writes happen off the request path and
// never fail the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type Sink interface {
	Record(ctx context.Context, entry domain.AuditLog)
}

type Discard struct{}

func (Discard) Record(context.Context, domain.AuditLog) {}

// Writer buffers entries and persists them on a single background goroutine.
// When the buffer is full the entry is dropped and a warning logged.
type Writer struct {
	repo    store.AuditStore
	log     *zap.Logger
	entries chan domain.AuditLog
	done    chan struct{}
	once    sync.Once
}

func NewWriter(repo store.AuditStore, log *zap.Logger, buffer int) *Writer {
	if buffer < 1 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		repo:    repo,
		log:     log,
		entries: make(chan domain.AuditLog, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) Record(_ context.Context, entry domain.AuditLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	defer func() {
		// Record after Close must not panic the caller.
		if recover() != nil {
			w.log.Warn("audit entry dropped after close", zap.String("action", entry.Action))
		}
	}()
	select {
	case w.entries <- entry:
	default:
		w.log.Warn("audit buffer full, entry dropped", zap.String("action", entry.Action), zap.String("entity_id", entry.EntityID))
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.repo.CreateAuditLog(ctx, entry); err != nil {
			w.log.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
		}
		cancel()
	}
}

// Close stops intake and waits for buffered entries to be written or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.entries) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
