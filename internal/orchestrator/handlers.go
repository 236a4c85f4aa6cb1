package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/telemetry"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/prompt"
	"github.com/ceedaragents/cyrus/internal/routing"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// handleWebhook dispatches a bus event to the handler for its kind. Handler
// errors are logged, never returned to the bus: a webhook is consumed exactly
// once whether or not it could be acted on.
func (s *Service) handleWebhook(ctx context.Context, event *bus.Event) error {
	ctx, span := telemetry.Tracer("orchestrator").Start(ctx, "webhook.dispatch")
	span.SetAttributes(attribute.String("webhook.type", event.Type))
	defer span.End()

	var err error
	switch event.Type {
	case events.WebhookSessionCreated:
		err = s.handleSessionCreated(ctx, event)
	case events.WebhookSessionPrompted:
		err = s.handleSessionPrompted(ctx, event)
	case events.WebhookIssueAssigned:
		err = s.handleIssueAssigned(ctx, event)
	case events.WebhookIssueUnassigned:
		err = s.handleIssueUnassigned(ctx, event)
	case events.WebhookIssueStatusChange:
		err = s.handleIssueStatusChanged(ctx, event)
	default:
		s.logger.Debug("ignoring unknown webhook kind", zap.String("type", event.Type))
		return nil
	}
	if err != nil {
		s.logger.Error("webhook handling failed",
			zap.String("type", event.Type),
			zap.Error(err))
	}
	return nil
}

func (s *Service) handleSessionCreated(ctx context.Context, event *bus.Event) error {
	var p sessionCreatedPayload
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	if p.AgentSessionID == "" || p.IssueID == "" {
		s.logger.Warn("session-created webhook missing required fields")
		return nil
	}

	issue := s.fetchIssue(ctx, p.IssueID, p.IssueIdentifier)

	decision, err := s.route(ctx, routing.RouteInput{
		WorkspaceID:     p.WorkspaceID,
		AgentSessionID:  p.AgentSessionID,
		IssueID:         p.IssueID,
		IssueIdentifier: p.IssueIdentifier,
		TeamKey:         p.TeamKey,
		ProjectKey:      p.ProjectKey,
		Labels:          mergeLabels(p.Labels, issue.Labels),
	}, p.AgentSessionID)
	if err != nil || decision == nil {
		return err
	}

	sess, err := s.createSession(ctx, decision.Repository, p.AgentSessionID, issue, session.PlatformTracker)
	if err != nil {
		return err
	}
	return s.startNewSession(ctx, decision.Repository, sess, issue, p.Guidance)
}

func (s *Service) handleSessionPrompted(ctx context.Context, event *bus.Event) error {
	var p sessionPromptedPayload
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	if p.AgentSessionID == "" {
		s.logger.Warn("session-prompted webhook missing agent session id")
		return nil
	}

	if p.Activity.Signal == "stop" {
		return s.stopPropagation(ctx, p.AgentSessionID)
	}

	// A prompted body may answer an outstanding repository elicitation.
	if repo, ok := s.router.ResolveSelection(p.AgentSessionID, p.Activity.Body); ok {
		issue := s.fetchIssue(ctx, p.IssueID, "")
		sess, err := s.createSession(ctx, repo, p.AgentSessionID, issue, session.PlatformTracker)
		if err != nil {
			return err
		}
		return s.startNewSession(ctx, repo, sess, issue, "")
	}

	store, sess := s.lookupSession(p.AgentSessionID)
	if sess == nil {
		return s.recoverMissingSession(ctx, p)
	}

	if sess.Status.IsTerminal() {
		// A follow-up on a finished session resumes it: back to active before
		// the runner restarts.
		_ = store.Update(sess.SessionID, func(as *session.AgentSession) {
			as.Status = session.StatusActive
		})
		s.mu.Lock()
		delete(s.stopRequested, sess.SessionID)
		delete(s.finalizedNonClaude, sess.SessionID)
		s.mu.Unlock()
		sess.Status = session.StatusActive
	}

	return s.continueSession(ctx, sess, p.Activity.Body, false)
}

func (s *Service) handleIssueAssigned(ctx context.Context, event *bus.Event) error {
	var p issueAssignedPayload
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	issue := s.fetchIssue(ctx, p.IssueID, p.IssueIdentifier)
	notice := prompt.AssignmentNotice(issue)

	// An existing active session receives the notice as a continuation.
	for _, store := range s.storeList() {
		for _, sess := range store.ListActiveByIssue(p.IssueID) {
			return s.continueSession(ctx, sess, notice, false)
		}
	}

	// No agent session exists yet, so ambiguity cannot be elicited here; the
	// router records nothing and the assignment is dropped with a log.
	decision, err := s.route(ctx, routing.RouteInput{
		WorkspaceID:     p.WorkspaceID,
		IssueID:         p.IssueID,
		IssueIdentifier: p.IssueIdentifier,
		Labels:          issue.Labels,
	}, "")
	if err != nil || decision == nil {
		return err
	}

	sess, err := s.createSession(ctx, decision.Repository, uuid.New().String(), issue, session.PlatformTracker)
	if err != nil {
		return err
	}
	return s.startNewSession(ctx, decision.Repository, sess, issue, notice)
}

func (s *Service) handleIssueUnassigned(ctx context.Context, event *bus.Event) error {
	var p issueUnassignedPayload
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	// Silent stop of every session tree rooted at this issue's sessions.
	for _, store := range s.storeList() {
		for _, sess := range store.ListActiveByIssue(p.IssueID) {
			s.stopTree(ctx, sess.SessionID)
		}
	}
	s.writer.Notify()
	return nil
}

func (s *Service) handleIssueStatusChanged(ctx context.Context, event *bus.Event) error {
	var p issueStatusChangedPayload
	if err := decodePayload(event, &p); err != nil {
		return err
	}
	if p.ToState != "completed" {
		return nil
	}

	issue := s.fetchIssue(ctx, p.IssueID, "")
	if issue.ParentID == "" {
		return nil
	}
	parent, err := s.fetchIssueStrict(ctx, issue.ParentID)
	if err != nil {
		s.logger.Warn("failed to fetch parent issue", zap.Error(err))
		return nil
	}

	repo := s.router.CachedRepository(parent.ID)
	if repo == nil {
		repo = s.router.CachedRepository(issue.ID)
	}
	if repo == nil || !parentHasOrchestratorLabel(repo, parent.Labels) {
		return nil
	}

	body := "Sub-issue " + issue.Identifier + " is now completed. Re-evaluate the remaining plan for this issue."
	callCtx, cancel := context.WithTimeout(ctx, trackerCallTimeout)
	defer cancel()
	if err := s.tracker.CreateComment(callCtx, parent.ID, body); err != nil {
		s.logger.Warn("failed to post re-evaluation comment",
			zap.String("issue_id", parent.ID),
			zap.Error(err))
	}
	return nil
}

// route runs the router and performs the elicitation or error posting its
// decision calls for. Returns a nil decision when no session work should
// proceed.
func (s *Service) route(ctx context.Context, in routing.RouteInput, elicitSessionID string) (*routing.Decision, error) {
	decision, err := s.router.Route(in, s)
	if err != nil {
		s.logger.Warn("no routable repository",
			zap.String("issue_id", in.IssueID),
			zap.Error(err))
		if elicitSessionID != "" {
			activity := tracker.Activity{
				Type: tracker.ActivityError,
				Body: "No repository is configured for this workspace, so I can't work on this issue.",
			}
			if _, postErr := s.postActivity(ctx, elicitSessionID, activity); postErr != nil {
				s.logger.Warn("failed to post routing error", zap.Error(postErr))
			}
		}
		return nil, nil
	}
	if decision.NeedsSelection {
		if elicitSessionID == "" {
			s.logger.Warn("routing ambiguous but no session to elicit on",
				zap.String("issue_id", in.IssueID))
			return nil, nil
		}
		options := make([]tracker.SelectOption, len(decision.Candidates))
		for i, repo := range decision.Candidates {
			options[i] = tracker.SelectOption{Value: repo.DisplayLabel()}
		}
		activity := tracker.Activity{
			Type:    tracker.ActivityElicitation,
			Body:    "Which repository should I work in?",
			Signal:  tracker.SignalSelect,
			Options: options,
		}
		if _, err := s.postActivity(ctx, elicitSessionID, activity); err != nil {
			s.logger.Warn("failed to post repository elicitation", zap.Error(err))
		}
		return nil, nil
	}
	return decision, nil
}

// recoverMissingSession handles a prompted webhook whose session is unknown:
// the router fallback rebuilds the issue→repository mapping, a replacement
// session is synthesized, and the prompt proceeds as a continuation.
func (s *Service) recoverMissingSession(ctx context.Context, p sessionPromptedPayload) error {
	issue := s.fetchIssue(ctx, p.IssueID, "")

	repo := s.router.CachedRepository(p.IssueID)
	if repo == nil {
		decision, err := s.router.Route(routing.RouteInput{
			WorkspaceID:     p.WorkspaceID,
			AgentSessionID:  p.AgentSessionID,
			IssueID:         p.IssueID,
			IssueIdentifier: issue.Identifier,
			TeamKey:         issue.TeamKey,
			Labels:          issue.Labels,
		}, s)
		if err != nil || decision.Repository == nil {
			activity := tracker.Activity{
				Type: tracker.ActivityResponse,
				Body: "I couldn't find the session this comment belongs to, and no repository could be determined for the issue. Please re-assign the issue to start over.",
			}
			if _, postErr := s.postActivity(ctx, p.AgentSessionID, activity); postErr != nil {
				s.logger.Warn("failed to post recovery response", zap.Error(postErr))
			}
			return err
		}
		repo = decision.Repository
	}

	s.logger.Info("synthesizing replacement session",
		zap.String("session_id", p.AgentSessionID),
		zap.String("repository_id", repo.ID))

	sess, err := s.createSession(ctx, repo, p.AgentSessionID, issue, session.PlatformTracker)
	if err != nil {
		return err
	}
	return s.continueSession(ctx, sess, p.Activity.Body, false)
}

// fetchIssue loads the issue, degrading to a stub built from webhook fields
// when the tracker is unreachable; routing and prompting still proceed.
func (s *Service) fetchIssue(ctx context.Context, issueID, identifier string) *tracker.Issue {
	issue, err := s.fetchIssueStrict(ctx, issueID)
	if err != nil {
		s.logger.Warn("failed to fetch issue, using webhook fields",
			zap.String("issue_id", issueID),
			zap.Error(err))
		return &tracker.Issue{ID: issueID, Identifier: identifier, Title: identifier}
	}
	return issue
}

func (s *Service) fetchIssueStrict(ctx context.Context, issueID string) (*tracker.Issue, error) {
	callCtx, cancel := context.WithTimeout(ctx, trackerCallTimeout)
	defer cancel()
	return s.tracker.FetchIssue(callCtx, issueID)
}

func parentHasOrchestratorLabel(repo *config.Repository, labels []string) bool {
	rp, ok := repo.LabelRoles["orchestrator"]
	if !ok {
		return false
	}
	for _, configured := range rp.Labels {
		for _, l := range labels {
			if strings.EqualFold(configured, l) {
				return true
			}
		}
	}
	return false
}

func mergeLabels(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, l := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(l)
		if l == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}
