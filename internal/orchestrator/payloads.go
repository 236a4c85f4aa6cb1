package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/ceedaragents/cyrus/internal/events/bus"
)

// Webhook payload shapes. The webhook intake publishes these as loose maps on
// the bus; decoding round-trips through JSON so unknown keys are ignored and
// missing optional keys default to zero values.

type sessionCreatedPayload struct {
	WorkspaceID     string   `json:"workspaceId"`
	AgentSessionID  string   `json:"agentSessionId"`
	IssueID         string   `json:"issueId"`
	IssueIdentifier string   `json:"issueIdentifier"`
	TeamKey         string   `json:"teamKey,omitempty"`
	ProjectKey      string   `json:"projectKey,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Guidance        string   `json:"guidance,omitempty"`
}

type promptActivity struct {
	Body            string `json:"body"`
	SourceCommentID string `json:"sourceCommentId,omitempty"`
	Signal          string `json:"signal,omitempty"`
}

type sessionPromptedPayload struct {
	WorkspaceID    string         `json:"workspaceId"`
	AgentSessionID string         `json:"agentSessionId"`
	IssueID        string         `json:"issueId"`
	Activity       promptActivity `json:"activity"`
}

type issueAssignedPayload struct {
	WorkspaceID     string `json:"workspaceId"`
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`
}

type issueUnassignedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	IssueID     string `json:"issueId"`
}

type issueStatusChangedPayload struct {
	WorkspaceID string `json:"workspaceId"`
	IssueID     string `json:"issueId"`
	ToState     string `json:"toState"`
}

// decodePayload extracts a typed payload from a bus event's data map.
func decodePayload(event *bus.Event, out interface{}) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
	}
	return nil
}
