// Package session defines the agent session data model and the in-memory
// per-repository store that is the authoritative source of session state.
package session

import (
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// IsTerminal reports whether the status is final. Terminal sessions never
// change status again; later events addressed to them are logged and
// dropped.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusStopped:
		return true
	}
	return false
}

// Platform identifies where a session originated, which gates activity
// posting: only tracker sessions post activities through the translator.
type Platform string

const (
	PlatformTracker Platform = "tracker"
	PlatformGithub  Platform = "github"
	PlatformCLI     Platform = "cli"
)

// Workspace is the on-disk directory a runner executes in.
type Workspace struct {
	Path          string `json:"path"`
	IsGitWorktree bool   `json:"isGitWorktree"`
}

// Issue is the minimal issue snapshot stored on a session.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	BranchName  string   `json:"branchName,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	TeamKey     string   `json:"teamKey,omitempty"`
	ProjectName string   `json:"projectName,omitempty"`
}

// Metadata carries observational runner details attached to a session.
type Metadata struct {
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	InputTokens  int64    `json:"inputTokens,omitempty"`
	OutputTokens int64    `json:"outputTokens,omitempty"`
	CostUSD      float64  `json:"costUsd,omitempty"`
}

// RunnerType identifies which agent CLI drives a session.
type RunnerType string

const (
	RunnerClaude RunnerType = "claude"
	RunnerCodex  RunnerType = "codex"
	RunnerGemini RunnerType = "gemini"
)

// RunnerSelection records which runner a session uses. Chosen at session
// creation, persisted, and reused on restart so a resumed session keeps its
// runner, model and permission settings.
type RunnerSelection struct {
	Runner          RunnerType `json:"runner"`
	Model           string     `json:"model,omitempty"`
	ResumeSessionID string     `json:"resumeSessionId,omitempty"`
	AllowedTools    string     `json:"allowedTools,omitempty"`
	PromptType      string     `json:"promptType,omitempty"`
}

// AgentSession is the authoritative record of one agent conversation tied to
// one tracker comment thread. SessionID is the tracker-assigned UUID.
type AgentSession struct {
	SessionID    string    `json:"sessionId"`
	RepositoryID string    `json:"repositoryId"`
	IssueID      string    `json:"issueId"`
	Issue        Issue     `json:"issue"`
	Workspace    Workspace `json:"workspace"`
	Status       Status    `json:"status"`
	Platform     Platform  `json:"platform"`

	// RunnerSessionID is the id the runner subprocess reports on its first
	// event; empty until emitted.
	RunnerSessionID string `json:"runnerSessionId,omitempty"`

	Metadata Metadata `json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryType is the transcript row kind.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
	EntryResult    EntryType = "result"
)

// EntryMetadata carries the tool-call context of a transcript row.
type EntryMetadata struct {
	Timestamp       time.Time `json:"timestamp"`
	ToolUseID       string    `json:"toolUseId,omitempty"`
	ToolName        string    `json:"toolName,omitempty"`
	ToolInput       string    `json:"toolInput,omitempty"`
	ParentToolUseID string    `json:"parentToolUseId,omitempty"`
	IsError         bool      `json:"isError,omitempty"`
	IsTerminalError bool      `json:"isTerminalError,omitempty"`
}

// Entry is an append-only transcript row. An entry is stored only after it
// was posted to the tracker, so TrackerActivityID is always set on stored
// entries.
type Entry struct {
	Type              EntryType     `json:"type"`
	Content           string        `json:"content"`
	Metadata          EntryMetadata `json:"metadata"`
	TrackerActivityID string        `json:"trackerActivityId,omitempty"`
}
