package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// Saver is the subset of the store the writer needs.
type Saver interface {
	Save(ctx context.Context, state *State) error
}

// Writer is a coalescing write-through pump: every state change notifies it,
// and it captures and saves the current projection at most once per pending
// notification. Bursts of changes collapse into one write.
type Writer struct {
	store  Saver
	source func() *State
	notify chan struct{}
	logger *logger.Logger
}

// NewWriter creates a writer that snapshots via source on each notification.
func NewWriter(store Saver, source func() *State, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Default()
	}
	return &Writer{
		store:  store,
		source: source,
		notify: make(chan struct{}, 1),
		logger: log.WithFields(zap.String("component", "persistence-writer")),
	}
}

// Notify marks the state dirty. Never blocks; a pending notification already
// covers this change.
func (w *Writer) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run processes notifications until ctx is cancelled, then performs a final
// flush so shutdown never loses acknowledged state.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case <-w.notify:
			w.save(ctx)
		}
	}
}

func (w *Writer) save(ctx context.Context) {
	if err := w.store.Save(ctx, w.source()); err != nil {
		w.logger.Error("failed to persist snapshot", zap.Error(err))
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.save(ctx)
}
