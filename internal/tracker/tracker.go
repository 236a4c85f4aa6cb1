// Package tracker defines the issue tracker boundary: the activity and issue
// types the orchestrator produces and consumes, and the interface the edge
// worker calls to post them. The GraphQL client implementing this interface
// lives outside the edge worker.
package tracker

import "context"

// ActivityType enumerates the structured activity kinds a session can post.
type ActivityType string

const (
	ActivityThought     ActivityType = "thought"
	ActivityAction      ActivityType = "action"
	ActivityResponse    ActivityType = "response"
	ActivityError       ActivityType = "error"
	ActivityElicitation ActivityType = "elicitation"
)

// SignalSelect marks an elicitation activity carrying selectable options.
const SignalSelect = "select"

// SelectOption is one selectable choice in an elicitation.
type SelectOption struct {
	Value string `json:"value"`
}

// Activity is a typed post to the issue tracker. Thought, response and error
// activities carry Body; action activities carry Action/Parameter/Result.
type Activity struct {
	Type      ActivityType   `json:"type"`
	Body      string         `json:"body,omitempty"`
	Action    string         `json:"action,omitempty"`
	Parameter string         `json:"parameter,omitempty"`
	Result    string         `json:"result,omitempty"`
	Ephemeral bool           `json:"ephemeral,omitempty"`
	Signal    string         `json:"signal,omitempty"`
	Options   []SelectOption `json:"options,omitempty"`
}

// Issue is the minimal issue projection the orchestrator works with.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"` // e.g. "TEST-123"
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	BranchName  string   `json:"branchName"`
	Labels      []string `json:"labels"`
	TeamKey     string   `json:"teamKey"`
	ProjectName string   `json:"projectName"`
	ParentID    string   `json:"parentId,omitempty"`
}

// TeamPrefix returns the team key derived from the issue identifier
// ("TEST-123" -> "TEST") when no explicit team key is set.
func (i *Issue) TeamPrefix() string {
	if i.TeamKey != "" {
		return i.TeamKey
	}
	for idx := 0; idx < len(i.Identifier); idx++ {
		if i.Identifier[idx] == '-' {
			return i.Identifier[:idx]
		}
	}
	return i.Identifier
}

// Label is a tracker label resolved to its name.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueTracker is the outbound interface to the issue tracker. All calls are
// network I/O with per-call timeouts owned by the implementation.
type IssueTracker interface {
	// CreateActivity posts an activity to an agent session thread and
	// returns the tracker-assigned activity id.
	CreateActivity(ctx context.Context, sessionID string, activity Activity) (string, error)

	// FetchIssue loads the minimal issue projection.
	FetchIssue(ctx context.Context, issueID string) (*Issue, error)

	// FetchLabels lists the labels defined in a tracker workspace.
	FetchLabels(ctx context.Context, workspaceID string) ([]Label, error)

	// CreateComment posts a plain comment on an issue (used for the
	// parent-issue re-evaluation nudge).
	CreateComment(ctx context.Context, issueID, body string) error
}
