package orchestrator

import (
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/session"
)

// captureState builds the serializable projection handed to the persistence
// writer. Runner handles, queues and subscriptions are deliberately absent.
func (s *Service) captureState() *persistence.State {
	state := persistence.NewState()

	for repoID, store := range s.stores {
		state.Repositories[repoID] = store.Serialize()
	}

	s.mu.Lock()
	for id, sel := range s.runnerSelections {
		state.SessionRunnerSelections[id] = sel
	}
	for id, codexID := range s.codexSessions {
		state.CodexSessionCache[id] = codexID
	}
	for id := range s.finalizedNonClaude {
		state.FinalizedNonClaudeSessions = append(state.FinalizedNonClaudeSessions, id)
	}
	for id := range s.stopRequested {
		state.StopRequestedSessions = append(state.StopRequestedSessions, id)
	}
	s.mu.Unlock()

	for child, parent := range s.links.Serialize() {
		state.ChildToParentLinks[child] = parent
	}
	state.IssueRepositoryCache = s.router.Cache().Serialize()

	return state
}

// restoreState rehydrates the orchestrator from a snapshot. Sessions for
// repositories no longer configured are dropped, as are parent links whose
// endpoints are gone. A stop that was requested but never acknowledged
// before the restart is applied now: the session lands in stopped.
func (s *Service) restoreState(state *persistence.State) {
	for repoID, snap := range state.Repositories {
		store := s.storeFor(repoID)
		if store == nil {
			s.logger.Warn("dropping snapshot for unknown repository",
				zap.String("repository_id", repoID))
			continue
		}
		store.Restore(snap)
		for _, sess := range store.List() {
			s.mu.Lock()
			s.sessionRepo[sess.SessionID] = repoID
			s.mu.Unlock()
		}
	}

	exists := func(sessionID string) bool {
		_, sess := s.lookupSession(sessionID)
		return sess != nil
	}
	s.links.Restore(state.ChildToParentLinks, exists)

	s.mu.Lock()
	for id, sel := range state.SessionRunnerSelections {
		if exists(id) {
			s.runnerSelections[id] = sel
		}
	}
	for id, codexID := range state.CodexSessionCache {
		if exists(id) {
			s.codexSessions[id] = codexID
		}
	}
	for _, id := range state.FinalizedNonClaudeSessions {
		if exists(id) {
			s.finalizedNonClaude[id] = true
		}
	}
	s.mu.Unlock()

	s.router.Cache().Restore(state.IssueRepositoryCache)

	// Honor stops that raced the previous shutdown.
	for _, id := range state.StopRequestedSessions {
		if !exists(id) {
			continue
		}
		if store, sess := s.lookupSession(id); sess != nil && !sess.Status.IsTerminal() {
			_ = store.Update(id, func(as *session.AgentSession) {
				as.Status = session.StatusStopped
			})
			s.logger.Info("applied persisted stop request",
				zap.String("session_id", id))
		}
	}
}
