package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/session"
)

// ErrAlreadyRunning is returned when a non-streaming runner is already
// attached to the session; the caller keeps the existing runner.
var ErrAlreadyRunning = errors.New("runner already attached to session")

// EventSink receives the normalized events of one session, in stream order.
// The supervisor guarantees at most one outstanding call per session.
type EventSink interface {
	HandleRunnerEvent(ctx context.Context, sessionID string, ev Event)
}

// eventQueueSize bounds the per-session event queue. Runner read loops block
// when the sink falls behind, which keeps posted activity order intact.
const eventQueueSize = 256

// Supervisor owns the running runner subprocesses, keyed by session id. It
// enforces at most one runner per session, serializes event forwarding per
// session, and applies the bounded drain on stop.
type Supervisor struct {
	factory      Factory
	sink         EventSink
	drainTimeout time.Duration
	logger       *logger.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	runner        Runner
	events        chan Event
	done          chan struct{}
	cancel        context.CancelFunc
	stopRequested atomic.Bool
}

// NewSupervisor creates a supervisor. The sink is typically the
// orchestrator's translator pipeline.
func NewSupervisor(factory Factory, sink EventSink, drainTimeout time.Duration, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Supervisor{
		factory:      factory,
		sink:         sink,
		drainTimeout: drainTimeout,
		logger:       log.WithFields(zap.String("component", "runner-supervisor")),
		handles:      make(map[string]*handle),
	}
}

// EnsureRunner attaches a runner to the session and delivers the prompt.
// When a streaming-capable runner is already attached, the prompt is
// appended to its input stream; a running non-streaming runner rejects the
// second start with ErrAlreadyRunning. Returns true when a new subprocess
// was spawned.
func (s *Supervisor) EnsureRunner(ctx context.Context, sess *session.AgentSession, selection session.RunnerSelection, prompt string, opts StartOptions) (bool, error) {
	s.mu.Lock()
	if h, ok := s.handles[sess.SessionID]; ok && h.runner.IsRunning() {
		s.mu.Unlock()
		if h.runner.SupportsStreamingInput() {
			if err := h.runner.AddStreamMessage(ctx, prompt); err != nil {
				return false, fmt.Errorf("failed to stream prompt: %w", err)
			}
			return false, nil
		}
		return false, ErrAlreadyRunning
	}
	// A dead handle may linger briefly between process exit and forwarder
	// completion; replace it.
	delete(s.handles, sess.SessionID)

	r, err := s.factory.Create(selection, opts)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		runner: r,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.handles[sess.SessionID] = h
	s.mu.Unlock()

	sessionID := sess.SessionID
	go s.forward(sessionID, h)
	go s.run(runCtx, sessionID, h, prompt)

	s.logger.Info("runner started",
		zap.String("session_id", sessionID),
		zap.String("runner", string(selection.Runner)),
		zap.Bool("resume", selection.ResumeSessionID != ""))
	return true, nil
}

// run drives the subprocess until it exits, then closes the event queue.
func (s *Supervisor) run(ctx context.Context, sessionID string, h *handle, prompt string) {
	defer close(h.events)
	err := h.runner.Start(ctx, prompt, func(ev Event) {
		h.events <- ev
	})
	if err != nil && !h.stopRequested.Load() {
		h.events <- Event{Kind: KindError, ErrorMessage: err.Error()}
	}
}

// forward consumes the session's event queue one event at a time, preserving
// the order an observer sees in the tracker.
func (s *Supervisor) forward(sessionID string, h *handle) {
	defer close(h.done)
	for ev := range h.events {
		if h.stopRequested.Load() && ev.Kind == KindError {
			// Errors after a requested stop are expected teardown noise.
			s.logger.Debug("suppressing post-stop runner error",
				zap.String("session_id", sessionID))
			continue
		}
		s.sink.HandleRunnerEvent(context.Background(), sessionID, ev)
		if ev.Kind == KindFinal {
			// Terminal result: release the subprocess. The session record
			// keeps the runner session id for later resume. Marking the stop
			// as requested keeps the process-exit error out of the sink.
			h.stopRequested.Store(true)
			_ = h.runner.Stop(context.Background())
		}
	}
	s.mu.Lock()
	if s.handles[sessionID] == h {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()
}

// Stop requests a graceful stop of the session's runner and waits up to the
// drain timeout for in-flight event forwarding to settle. Idempotent; a
// session without a runner is a no-op.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if h.stopRequested.Swap(true) {
		return nil
	}

	if err := h.runner.Stop(ctx); err != nil {
		s.logger.Warn("runner stop returned error",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	select {
	case <-h.done:
	case <-time.After(s.drainTimeout):
		// Abandon forwarding; the subprocess is already asked to exit.
		s.logger.Warn("drain window elapsed, abandoning event forwarding",
			zap.String("session_id", sessionID))
		h.cancel()
	case <-ctx.Done():
		h.cancel()
	}

	s.mu.Lock()
	if s.handles[sessionID] == h {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether a runner is attached to the session.
func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	return ok && h.runner.IsRunning()
}

// StopAll stops every runner; used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(ctx, id)
	}
}
