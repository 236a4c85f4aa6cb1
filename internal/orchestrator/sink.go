package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/translator"
)

// HandleRunnerEvent implements runner.EventSink. The supervisor calls it from
// a single goroutine per session, so translation state needs no extra
// locking. A panic anywhere in the pipeline is converted into a sanitized
// error activity; other sessions are unaffected.
func (s *Service) HandleRunnerEvent(ctx context.Context, sessionID string, ev runner.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session worker",
				zap.String("session_id", sessionID),
				zap.Any("panic", r))
			activity := tracker.Activity{
				Type: tracker.ActivityError,
				Body: tracker.SanitizeError(fmt.Sprintf("Internal error while processing agent output: %v", r)),
			}
			if _, err := s.postActivity(context.Background(), sessionID, activity); err != nil {
				s.logger.Warn("failed to post panic error", zap.Error(err))
			}
			s.markStatus(context.Background(), sessionID, session.StatusError)
		}
	}()

	store, sess := s.lookupSession(sessionID)
	if sess == nil {
		s.logger.Warn("runner event for unknown session",
			zap.String("session_id", sessionID),
			zap.String("kind", string(ev.Kind)))
		return
	}
	if sess.Status.IsTerminal() && ev.Kind != runner.KindError {
		s.logger.Debug("dropping runner event for terminal session",
			zap.String("session_id", sessionID),
			zap.String("kind", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case runner.KindSession:
		s.recordRunnerSession(sessionID, store, ev)
	case runner.KindFinal:
		s.recordUsage(sessionID, store, ev)
	}

	t := s.translatorFor(sessionID)

	// Non-tracker sessions bypass the translator entirely; only lifecycle
	// bookkeeping applies.
	if sess.Platform == session.PlatformTracker {
		for _, out := range t.Translate(ev) {
			s.postOutput(ctx, sessionID, store, out)
		}
		store.SetActiveTask(sessionID, t.ActiveTask())
	} else {
		t.Translate(ev)
	}

	if status := translator.TerminalStatus(ev); status != "" {
		s.finishSession(ctx, sessionID, sess, status, ev, t)
	}

	s.writer.Notify()
}

// recordRunnerSession stores the runner-native session id and model metadata
// reported by the first event of a run.
func (s *Service) recordRunnerSession(sessionID string, store *session.Store, ev runner.Event) {
	_ = store.Update(sessionID, func(as *session.AgentSession) {
		as.RunnerSessionID = ev.RunnerSessionID
		if ev.Model != "" {
			as.Metadata.Model = ev.Model
		}
		if len(ev.Tools) > 0 {
			as.Metadata.Tools = ev.Tools
		}
	})

	if sel, ok := s.selectionFor(sessionID); ok {
		sel.ResumeSessionID = ev.RunnerSessionID
		s.setSelection(sessionID, sel)
		if sel.Runner == session.RunnerCodex {
			s.mu.Lock()
			s.codexSessions[sessionID] = ev.RunnerSessionID
			s.mu.Unlock()
		}
	}
}

func (s *Service) recordUsage(sessionID string, store *session.Store, ev runner.Event) {
	_ = store.Update(sessionID, func(as *session.AgentSession) {
		as.Metadata.InputTokens += ev.InputTokens
		as.Metadata.OutputTokens += ev.OutputTokens
		as.Metadata.CostUSD += ev.CostUSD
	})
}

// postOutput posts one translated activity and stores its transcript entry.
// A failed post logs and stores nothing, keeping the entry⇔activity
// correspondence exact.
func (s *Service) postOutput(ctx context.Context, sessionID string, store *session.Store, out translator.Output) {
	id, err := s.postActivity(ctx, sessionID, out.Activity)
	if err != nil {
		s.logger.Warn("failed to post activity",
			zap.String("session_id", sessionID),
			zap.String("type", string(out.Activity.Type)),
			zap.Error(err))
		return
	}
	entry := out.Entry
	entry.TrackerActivityID = id
	if err := store.AppendEntry(sessionID, entry); err != nil {
		s.logger.Warn("failed to store entry",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// finishSession applies the terminal transition for a final event and kicks
// off the parent resume on success.
func (s *Service) finishSession(ctx context.Context, sessionID string, sess *session.AgentSession, status session.Status, ev runner.Event, t *translator.Translator) {
	if !s.markStatus(ctx, sessionID, status) {
		return
	}

	if sel, ok := s.selectionFor(sessionID); ok && sel.Runner != session.RunnerClaude {
		s.mu.Lock()
		s.finalizedNonClaude[sessionID] = true
		s.mu.Unlock()
	}

	if status == session.StatusComplete {
		result := translator.StripMarker(ev.Result)
		if result == "" {
			result = t.WithheldFinal()
		}
		s.resumeParent(ctx, sessionID, result)
	}
}
