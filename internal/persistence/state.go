// Package persistence saves and restores the orchestrator's durable state as
// a single JSON snapshot in SQLite. Runner process handles are never
// persisted; a restored session that was active simply has no runner until
// the next prompt respawns one.
package persistence

import (
	"github.com/ceedaragents/cyrus/internal/session"
)

// State is the serialized projection of everything the orchestrator needs to
// survive a restart.
type State struct {
	// Repositories maps repository id to its session store snapshot.
	Repositories map[string]session.Snapshot `json:"repositories"`

	// SessionRunnerSelections remembers which runner and model each session
	// was started with, so resume uses the same runner.
	SessionRunnerSelections map[string]session.RunnerSelection `json:"sessionRunnerSelections"`

	// CodexSessionCache maps agent session id to the codex-native session id
	// used for resume.
	CodexSessionCache map[string]string `json:"codexSessionCache"`

	// ChildToParentLinks maps a child agent session id to its parent's.
	ChildToParentLinks map[string]string `json:"childToParentLinks"`

	// FinalizedNonClaudeSessions lists sessions whose non-streaming runner
	// already delivered a terminal result, so a late exit event is ignored.
	FinalizedNonClaudeSessions []string `json:"finalizedNonClaudeSessions"`

	// StopRequestedSessions lists sessions with an unacknowledged stop, so a
	// stop that raced a restart is still honored.
	StopRequestedSessions []string `json:"stopRequestedSessions"`

	// IssueRepositoryCache maps issue id to the repository it was routed to.
	IssueRepositoryCache map[string]string `json:"issueRepositoryCache"`
}

// NewState returns an empty state with all maps allocated.
func NewState() *State {
	return &State{
		Repositories:            make(map[string]session.Snapshot),
		SessionRunnerSelections: make(map[string]session.RunnerSelection),
		CodexSessionCache:       make(map[string]string),
		ChildToParentLinks:      make(map[string]string),
		IssueRepositoryCache:    make(map[string]string),
	}
}

// normalize allocates any maps a decoded snapshot left nil so callers never
// need nil checks.
func (s *State) normalize() {
	if s.Repositories == nil {
		s.Repositories = make(map[string]session.Snapshot)
	}
	if s.SessionRunnerSelections == nil {
		s.SessionRunnerSelections = make(map[string]session.RunnerSelection)
	}
	if s.CodexSessionCache == nil {
		s.CodexSessionCache = make(map[string]string)
	}
	if s.ChildToParentLinks == nil {
		s.ChildToParentLinks = make(map[string]string)
	}
	if s.IssueRepositoryCache == nil {
		s.IssueRepositoryCache = make(map[string]string)
	}
}
