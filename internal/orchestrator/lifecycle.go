package orchestrator

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/prompt"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/runner/agents"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/translator"
)

// createSession inserts a new active session, prepares its workspace, posts
// the acknowledgement thought, and links it under a parent session when the
// issue is a sub-issue of one the repository is already working.
func (s *Service) createSession(ctx context.Context, repo *config.Repository, sessionID string, issue *tracker.Issue, platform session.Platform) (*session.AgentSession, error) {
	store := s.storeFor(repo.ID)
	if store == nil {
		return nil, errors.New("no store for repository " + repo.ID)
	}

	if existing, err := store.Get(sessionID); err == nil {
		return existing, nil
	}

	ws, err := s.workspaces.EnsureWorkspace(ctx, repo, issue)
	if err != nil {
		s.logger.Warn("workspace creation failed, using repository checkout",
			zap.String("session_id", sessionID),
			zap.Error(err))
		ws = &session.Workspace{Path: repo.RepoPath}
	}

	sess := &session.AgentSession{
		SessionID: sessionID,
		IssueID:   issue.ID,
		Issue: session.Issue{
			ID:          issue.ID,
			Identifier:  issue.Identifier,
			Title:       issue.Title,
			Description: issue.Description,
			URL:         issue.URL,
			BranchName:  issue.BranchName,
			Labels:      issue.Labels,
			TeamKey:     issue.TeamKey,
			ProjectName: issue.ProjectName,
		},
		Workspace: *ws,
		Status:    session.StatusActive,
		Platform:  platform,
	}
	store.Add(sess)

	s.mu.Lock()
	s.sessionRepo[sessionID] = repo.ID
	s.mu.Unlock()

	// Sub-issue of an issue this repository is already working: the new
	// session is a child of that issue's newest active session.
	if issue.ParentID != "" {
		if parents := store.ListActiveByIssue(issue.ParentID); len(parents) > 0 {
			parentID := parents[len(parents)-1].SessionID
			s.links.Link(sessionID, parentID)
			s.logger.Info("linked child session",
				zap.String("session_id", sessionID),
				zap.String("parent_session_id", parentID))
		}
	}

	if platform == session.PlatformTracker {
		ack := tracker.Activity{
			Type: tracker.ActivityThought,
			Body: "Getting to work on " + issue.Identifier + "…",
		}
		if id, err := s.postActivity(ctx, sessionID, ack); err != nil {
			s.logger.Warn("failed to post acknowledgement", zap.Error(err))
		} else {
			_ = store.AppendEntry(sessionID, session.Entry{
				Type:              session.EntrySystem,
				Content:           ack.Body,
				TrackerActivityID: id,
			})
		}
	}

	s.publish(ctx, events.SessionCreated, map[string]interface{}{
		"sessionId":    sessionID,
		"repositoryId": repo.ID,
		"issueId":      issue.ID,
	})
	s.writer.Notify()

	got, err := store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// startNewSession assembles the first-turn prompt and attaches a runner.
func (s *Service) startNewSession(ctx context.Context, repo *config.Repository, sess *session.AgentSession, issue *tracker.Issue, guidance string) error {
	roleName, rolePrompt, hasRole := prompt.SelectRole(repo, issue.Labels)
	systemPrompt := ""
	allowedTools := ""
	if hasRole {
		systemPrompt = s.loadRolePrompt(repo, roleName, rolePrompt)
		allowedTools = rolePrompt.AllowedTools
	}

	bundle := prompt.NewSession(prompt.NewSessionInput{
		Issue:            issue,
		Repository:       repo,
		UserComment:      guidance,
		RoleSystemPrompt: systemPrompt,
	})

	selection := session.RunnerSelection{
		Runner:       session.RunnerClaude,
		Model:        agents.DefaultModel(session.RunnerClaude),
		AllowedTools: allowedTools,
		PromptType:   bundle.Metadata.PromptType,
	}
	s.setSelection(sess.SessionID, selection)

	return s.ensureRunner(ctx, sess, selection, bundle)
}

// continueSession delivers a follow-up prompt, streaming into the running
// runner when possible and respawning with the persisted resume id when not.
func (s *Service) continueSession(ctx context.Context, sess *session.AgentSession, body string, subroutine bool) error {
	selection, ok := s.selectionFor(sess.SessionID)
	if !ok {
		selection = session.RunnerSelection{
			Runner: session.RunnerClaude,
			Model:  agents.DefaultModel(session.RunnerClaude),
		}
	}
	if selection.ResumeSessionID == "" {
		selection.ResumeSessionID = s.resumeIDFor(sess, selection)
	}
	s.setSelection(sess.SessionID, selection)

	bundle := prompt.Continuation(prompt.ContinuationInput{
		UserComment:            body,
		IsStreaming:            s.supervisor.IsRunning(sess.SessionID),
		IsSubroutineTransition: subroutine,
	})
	return s.ensureRunner(ctx, sess, selection, bundle)
}

// resumeIDFor picks the runner-native session id to resume from: the codex
// cache for codex runners, the recorded runner session id otherwise.
func (s *Service) resumeIDFor(sess *session.AgentSession, selection session.RunnerSelection) string {
	if selection.Runner == session.RunnerCodex {
		s.mu.Lock()
		id := s.codexSessions[sess.SessionID]
		s.mu.Unlock()
		return id
	}
	return sess.RunnerSessionID
}

// ensureRunner attaches or streams into the session's runner and handles the
// spawn error taxonomy.
func (s *Service) ensureRunner(ctx context.Context, sess *session.AgentSession, selection session.RunnerSelection, bundle prompt.Bundle) error {
	systemPrompt := translator.MarkerInstruction
	if bundle.SystemPrompt != "" {
		systemPrompt = bundle.SystemPrompt + "\n\n" + translator.MarkerInstruction
	}
	opts := runner.StartOptions{
		WorkDir:      sess.Workspace.Path,
		SystemPrompt: systemPrompt,
	}

	spawned, err := s.supervisor.EnsureRunner(ctx, sess, selection, bundle.UserPrompt, opts)
	switch {
	case err == nil:
		if spawned {
			s.writer.Notify()
		}
		return nil

	case errors.Is(err, runner.ErrAlreadyRunning):
		s.logger.Debug("runner busy, prompt dropped",
			zap.String("session_id", sess.SessionID))
		return nil

	case errors.Is(err, runner.ErrRunnerUnavailable):
		// Keep the session in its current status; never substitute a
		// different runner type for a persisted selection.
		s.logger.Warn("runner type unavailable",
			zap.String("session_id", sess.SessionID),
			zap.String("runner", string(selection.Runner)))
		activity := tracker.Activity{
			Type: tracker.ActivityThought,
			Body: "❌ " + tracker.SanitizeError("The "+string(selection.Runner)+" runner is not available on this worker."),
		}
		if _, postErr := s.postActivity(ctx, sess.SessionID, activity); postErr != nil {
			s.logger.Warn("failed to post runner-unavailable notice", zap.Error(postErr))
		}
		return nil

	default:
		s.markStatus(ctx, sess.SessionID, session.StatusError)
		activity := tracker.Activity{
			Type: tracker.ActivityError,
			Body: tracker.SanitizeError("Failed to start the agent: " + err.Error()),
		}
		if _, postErr := s.postActivity(ctx, sess.SessionID, activity); postErr != nil {
			s.logger.Warn("failed to post spawn error", zap.Error(postErr))
		}
		s.writer.Notify()
		return err
	}
}

// stopPropagation stops the session and every descendant, posting the
// visible "stopped" response only on the initially targeted session.
func (s *Service) stopPropagation(ctx context.Context, targetID string) error {
	stopped := s.stopTree(ctx, targetID)
	if !stopped {
		s.logger.Info("stop requested for unknown session",
			zap.String("session_id", targetID))
	}

	activity := tracker.Activity{
		Type: tracker.ActivityResponse,
		Body: "I've stopped working on this issue.",
	}
	if id, err := s.postActivity(ctx, targetID, activity); err != nil {
		s.logger.Warn("failed to post stopped response", zap.Error(err))
	} else if store, _ := s.lookupSession(targetID); store != nil {
		_ = store.AppendEntry(targetID, session.Entry{
			Type:              session.EntryResult,
			Content:           activity.Body,
			TrackerActivityID: id,
		})
	}
	s.writer.Notify()
	return nil
}

// stopTree silently stops target and descendants, each runner at most once.
// Reports whether the target session was known.
func (s *Service) stopTree(ctx context.Context, targetID string) bool {
	ids := append([]string{targetID}, s.links.Descendants(targetID)...)
	_, target := s.lookupSession(targetID)

	for _, id := range ids {
		s.mu.Lock()
		already := s.stopRequested[id]
		s.stopRequested[id] = true
		s.mu.Unlock()

		if !already {
			if err := s.supervisor.Stop(ctx, id); err != nil {
				s.logger.Warn("runner stop failed",
					zap.String("session_id", id),
					zap.Error(err))
			}
		}
		s.markStatus(ctx, id, session.StatusStopped)
		s.publish(ctx, events.SessionStopped, map[string]interface{}{"sessionId": id})
	}
	return target != nil
}

// markStatus applies a status transition unless the session is already
// terminal; terminal statuses never change (events addressed to them are
// logged and dropped).
func (s *Service) markStatus(ctx context.Context, sessionID string, status session.Status) bool {
	store, sess := s.lookupSession(sessionID)
	if store == nil || sess == nil {
		return false
	}
	if sess.Status.IsTerminal() {
		s.logger.Debug("ignoring status change for terminal session",
			zap.String("session_id", sessionID),
			zap.String("status", string(sess.Status)))
		return false
	}
	if err := store.Update(sessionID, func(as *session.AgentSession) {
		as.Status = status
	}); err != nil {
		return false
	}
	s.publish(ctx, events.SessionStatusChanged, map[string]interface{}{
		"sessionId": sessionID,
		"status":    string(status),
	})
	s.writer.Notify()
	return true
}

// resumeParent re-prompts the parent session after a child completes
// successfully, at most once per child.
func (s *Service) resumeParent(ctx context.Context, childID, result string) {
	parentID, ok := s.links.Parent(childID)
	if !ok {
		return
	}

	s.mu.Lock()
	already := s.parentResumed[childID]
	s.parentResumed[childID] = true
	s.mu.Unlock()
	if already {
		return
	}

	_, parent := s.lookupSession(parentID)
	if parent == nil {
		s.logger.Warn("parent session missing for child completion",
			zap.String("child_session_id", childID))
		return
	}

	s.logger.Info("resuming parent session",
		zap.String("parent_session_id", parentID),
		zap.String("child_session_id", childID))
	if err := s.continueSession(ctx, parent, prompt.ChildResult(childID, result), true); err != nil {
		s.logger.Error("failed to resume parent session",
			zap.String("parent_session_id", parentID),
			zap.Error(err))
	}
}

// loadRolePrompt reads the role's prompt file; a read failure degrades to no
// system prompt rather than blocking the session.
func (s *Service) loadRolePrompt(repo *config.Repository, role string, rp config.RolePrompt) string {
	if rp.PromptPath == "" {
		return ""
	}
	path, err := config.ExpandHome(rp.PromptPath)
	if err == nil {
		var content []byte
		if content, err = os.ReadFile(path); err == nil {
			return string(content)
		}
	}
	s.logger.Warn("failed to load role prompt",
		zap.String("repository_id", repo.ID),
		zap.String("role", role),
		zap.Error(err))
	return ""
}
