// Package routing picks the target repository for each inbound webhook
// using a strict priority chain, and manages the elicitation flow when the
// choice is ambiguous.
package routing

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// ErrNoRoutableRepository is returned when the event's workspace has no
// matching repositories at all.
var ErrNoRoutableRepository = errors.New("no routable repository for workspace")

// ActiveSessionLookup answers whether a repository currently has an active
// session for an issue. Implemented by the orchestrator over its stores.
type ActiveSessionLookup interface {
	HasActiveSession(repositoryID, issueID string) bool
}

// RouteInput is the routing-relevant projection of a webhook.
type RouteInput struct {
	WorkspaceID     string
	AgentSessionID  string
	IssueID         string
	IssueIdentifier string
	TeamKey         string
	ProjectKey      string
	Labels          []string
}

// Decision is the routing outcome: either a repository, or a request to
// elicit a choice among candidates.
type Decision struct {
	Repository     *config.Repository
	NeedsSelection bool
	Candidates     []*config.Repository
	// Rule records which priority matched, for logging.
	Rule string
}

// Router chooses a Repository for each inbound webhook.
type Router struct {
	repos   []*config.Repository
	cache   *IssueRepoCache
	pending *pendingSelections
	logger  *logger.Logger
}

// NewRouter creates a router over the configured repositories.
func NewRouter(repos []*config.Repository, cache *IssueRepoCache, selectionTTL time.Duration, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		repos:   repos,
		cache:   cache,
		pending: newPendingSelections(selectionTTL),
		logger:  log.WithFields(zap.String("component", "repository-router")),
	}
}

// Repository returns the config for a repository id, or nil.
func (r *Router) Repository(id string) *config.Repository {
	for _, repo := range r.repos {
		if repo.ID == id {
			return repo
		}
	}
	return nil
}

// Repositories returns all configured repositories.
func (r *Router) Repositories() []*config.Repository {
	return r.repos
}

// Cache exposes the issue→repository cache for persistence.
func (r *Router) Cache() *IssueRepoCache {
	return r.cache
}

// CachedRepository resolves the issue cache hint, lazily dropping mappings
// that point at repositories that no longer exist.
func (r *Router) CachedRepository(issueID string) *config.Repository {
	id, ok := r.cache.Get(issueID)
	if !ok {
		return nil
	}
	repo := r.Repository(id)
	if repo == nil || !repo.IsActive {
		r.cache.Remove(issueID)
		return nil
	}
	return repo
}

// Route applies the priority chain:
// active-session affinity, label routing, project routing, team routing,
// catch-all, single-repo fallback, then elicitation. A tie inside a
// priority produces an elicitation among the tied candidates, never a
// silent pick.
func (r *Router) Route(in RouteInput, active ActiveSessionLookup) (*Decision, error) {
	candidates := r.candidates(in.WorkspaceID)
	if len(candidates) == 0 {
		return nil, ErrNoRoutableRepository
	}

	// 1. Active-session affinity.
	if active != nil {
		for _, repo := range candidates {
			if active.HasActiveSession(repo.ID, in.IssueID) {
				return r.decide(repo, "active-session", in), nil
			}
		}
	}

	// 2. Label routing.
	if d := r.matchOne(candidates, "label", in, func(repo *config.Repository) bool {
		return intersects(repo.RoutingLabels, in.Labels)
	}); d != nil {
		return d, nil
	}

	// 3. Project routing.
	if in.ProjectKey != "" {
		if d := r.matchOne(candidates, "project", in, func(repo *config.Repository) bool {
			return containsFold(repo.ProjectKeys, in.ProjectKey)
		}); d != nil {
			return d, nil
		}
	}

	// 4. Team routing.
	teamKey := in.TeamKey
	if teamKey == "" {
		teamKey = identifierPrefix(in.IssueIdentifier)
	}
	if teamKey != "" {
		if d := r.matchOne(candidates, "team", in, func(repo *config.Repository) bool {
			return containsFold(repo.TeamKeys, teamKey)
		}); d != nil {
			return d, nil
		}
	}

	// 5. Catch-all: exactly one unconstrained repository.
	var unconstrained []*config.Repository
	for _, repo := range candidates {
		if !repo.HasRoutingRules() {
			unconstrained = append(unconstrained, repo)
		}
	}
	if len(unconstrained) == 1 {
		return r.decide(unconstrained[0], "catch-all", in), nil
	}

	// 6. Single repository in the workspace.
	if len(candidates) == 1 {
		return r.decide(candidates[0], "single-repo", in), nil
	}

	// 7. Elicit.
	return r.elicit(candidates, in), nil
}

// matchOne applies one priority: exactly one match picks, several matches
// elicit among them, none falls through.
func (r *Router) matchOne(candidates []*config.Repository, rule string, in RouteInput, match func(*config.Repository) bool) *Decision {
	var matched []*config.Repository
	for _, repo := range candidates {
		if match(repo) {
			matched = append(matched, repo)
		}
	}
	switch len(matched) {
	case 0:
		return nil
	case 1:
		return r.decide(matched[0], rule, in)
	default:
		return r.elicit(matched, in)
	}
}

func (r *Router) decide(repo *config.Repository, rule string, in RouteInput) *Decision {
	r.logger.Info("routed webhook",
		zap.String("issue_id", in.IssueID),
		zap.String("repository_id", repo.ID),
		zap.String("rule", rule))
	r.cache.Put(in.IssueID, repo.ID)
	return &Decision{Repository: repo, Rule: rule}
}

func (r *Router) elicit(candidates []*config.Repository, in RouteInput) *Decision {
	ids := make([]string, len(candidates))
	for i, repo := range candidates {
		ids[i] = repo.ID
	}
	// Without an agent session there is no thread to answer on, so a pending
	// selection could never be resolved; the caller just observes the
	// ambiguity.
	if in.AgentSessionID != "" {
		r.pending.record(&PendingSelection{
			AgentSessionID: in.AgentSessionID,
			IssueID:        in.IssueID,
			CandidateIDs:   ids,
		})
	}
	return &Decision{NeedsSelection: true, Candidates: candidates, Rule: "elicit"}
}

// ResolveSelection matches a prompted webhook's body against a pending
// elicitation's options. On a match the issue→repository mapping is cached
// and the repository returned.
func (r *Router) ResolveSelection(agentSessionID, body string) (*config.Repository, bool) {
	sel, ok := r.pending.take(agentSessionID)
	if !ok {
		return nil, false
	}
	choice := strings.TrimSpace(body)
	for _, id := range sel.CandidateIDs {
		repo := r.Repository(id)
		if repo == nil {
			continue
		}
		if strings.EqualFold(choice, repo.DisplayLabel()) || strings.EqualFold(choice, repo.Name) {
			r.cache.Put(sel.IssueID, repo.ID)
			return repo, true
		}
	}
	// No option matched; put the selection back so the user can retry.
	r.pending.record(sel)
	return nil, false
}

// candidates filters to active repositories in the event's workspace.
func (r *Router) candidates(workspaceID string) []*config.Repository {
	var out []*config.Repository
	for _, repo := range r.repos {
		if repo.IsActive && repo.TrackerWorkspaceID == workspaceID {
			out = append(out, repo)
		}
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func identifierPrefix(identifier string) string {
	if idx := strings.Index(identifier, "-"); idx > 0 {
		return identifier[:idx]
	}
	return ""
}
