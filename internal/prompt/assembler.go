// Package prompt assembles the text sent to a runner: the first-turn prompt
// built from issue context and role prompts, and the continuation prompts
// for follow-up comments. All functions are pure; prompt files are loaded by
// the caller.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Prompt types, recorded observationally in bundle metadata.
const (
	TypeMention        = "mention"
	TypeLabelPromptCmd = "label-based-prompt-command"
	TypeLabelBased     = "label-based"
	TypeFallback       = "fallback"
	TypeContinuation   = "continuation"
)

// Metadata describes how a bundle was assembled.
type Metadata struct {
	Components   []string
	PromptType   string
	IsNewSession bool
	IsStreaming  bool
}

// Bundle is the assembled prompt pair handed to the runner supervisor.
type Bundle struct {
	SystemPrompt string
	UserPrompt   string
	Metadata     Metadata
}

// NewSessionInput carries everything needed for a first-turn prompt.
type NewSessionInput struct {
	Issue      *tracker.Issue
	Repository *config.Repository

	// UserComment is the triggering comment body, when any.
	UserComment        string
	AttachmentManifest string

	// IsMentionTriggered selects the lightweight mention context.
	IsMentionTriggered bool
	// IsLabelPromptRequested selects the label-prompt-command context.
	IsLabelPromptRequested bool

	// RoleSystemPrompt is the content of the selected role's prompt file,
	// loaded by the caller (see SelectRole).
	RoleSystemPrompt string
	// ProcedurePrompt is the subroutine prompt of the current procedure,
	// when one is active.
	ProcedurePrompt string
}

// ContinuationInput carries a follow-up comment.
type ContinuationInput struct {
	UserComment        string
	AttachmentManifest string
	IsStreaming        bool
	// IsSubroutineTransition wraps the comment in an override directive
	// instead of the default new-comment wrapper.
	IsSubroutineTransition bool
	Timestamp              time.Time
}

// SelectRole picks the repository role matching the issue's labels. Category
// precedence is fixed (debugger > builder > scoper > orchestrator); label
// order within a category follows the repository config. Returns the role
// name and its config, or false when no role matches.
func SelectRole(repo *config.Repository, labels []string) (string, config.RolePrompt, bool) {
	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[strings.ToLower(l)] = true
	}
	for _, role := range config.RoleOrder {
		rp, ok := repo.LabelRoles[role]
		if !ok {
			continue
		}
		for _, l := range rp.Labels {
			if labelSet[strings.ToLower(l)] {
				return role, rp, true
			}
		}
	}
	return "", config.RolePrompt{}, false
}

// NewSession assembles the first-turn prompt.
func NewSession(in NewSessionInput) Bundle {
	var (
		parts      []string
		components []string
		promptType string
	)

	switch {
	case in.IsMentionTriggered:
		promptType = TypeMention
		parts = append(parts, mentionContext(in.Issue))
		components = append(components, "mention-context")
	case in.IsLabelPromptRequested:
		promptType = TypeLabelPromptCmd
		parts = append(parts, issueContext(in.Issue))
		components = append(components, "issue-context")
	case in.RoleSystemPrompt != "":
		promptType = TypeLabelBased
		parts = append(parts, issueContext(in.Issue))
		components = append(components, "issue-context")
	default:
		promptType = TypeFallback
		parts = append(parts, issueContext(in.Issue))
		components = append(components, "issue-context")
	}

	if in.ProcedurePrompt != "" {
		parts = append(parts, in.ProcedurePrompt)
		components = append(components, "procedure")
	}

	if in.UserComment != "" {
		comment := in.UserComment
		if in.AttachmentManifest != "" {
			comment += "\n\n" + in.AttachmentManifest
			components = append(components, "attachment-manifest")
		}
		parts = append(parts, comment)
		components = append(components, "user-comment")
	} else if in.AttachmentManifest != "" {
		parts = append(parts, in.AttachmentManifest)
		components = append(components, "attachment-manifest")
	}

	if in.RoleSystemPrompt != "" {
		components = append(components, "role-system-prompt")
	}

	return Bundle{
		SystemPrompt: in.RoleSystemPrompt,
		UserPrompt:   strings.Join(parts, "\n\n"),
		Metadata: Metadata{
			Components:   components,
			PromptType:   promptType,
			IsNewSession: true,
		},
	}
}

// Continuation assembles a follow-up prompt. Streaming and non-streaming
// continuations share the same shape; the flag is observational.
func Continuation(in ContinuationInput) Bundle {
	components := []string{"user-comment"}
	body := in.UserComment
	if in.AttachmentManifest != "" {
		body += "\n\n" + in.AttachmentManifest
		components = append(components, "attachment-manifest")
	}

	var userPrompt string
	if in.IsSubroutineTransition {
		ts := in.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		userPrompt = fmt.Sprintf(
			"<subroutine_directive priority=\"override\">\n"+
				"<instruction>STOP your current work. This is a mandatory subroutine transition.</instruction>\n"+
				"<timestamp>%s</timestamp>\n"+
				"<content>%s</content>\n"+
				"</subroutine_directive>",
			ts.Format(time.RFC3339), body)
		components = append(components, "subroutine-directive")
	} else {
		userPrompt = "<new_comment>\n" + body + "\n</new_comment>"
	}

	return Bundle{
		UserPrompt: userPrompt,
		Metadata: Metadata{
			Components:  components,
			PromptType:  TypeContinuation,
			IsStreaming: in.IsStreaming,
		},
	}
}

// ChildResult synthesizes the message that re-prompts a parent session when
// a child agent session completes.
func ChildResult(childSessionID, result string) string {
	return fmt.Sprintf("Child agent session, with ID %s completed with result:\n\n%s", childSessionID, result)
}

// AssignmentNotice synthesizes the body of the prompt sent when an issue is
// assigned to the agent without a comment.
func AssignmentNotice(issue *tracker.Issue) string {
	return fmt.Sprintf("You have been assigned issue %s: %s. Review the issue and begin working on it.", issue.Identifier, issue.Title)
}

func issueContext(issue *tracker.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<issue>\n<identifier>%s</identifier>\n<title>%s</title>\n", issue.Identifier, issue.Title)
	if issue.Description != "" {
		fmt.Fprintf(&b, "<description>\n%s\n</description>\n", issue.Description)
	}
	if issue.URL != "" {
		fmt.Fprintf(&b, "<url>%s</url>\n", issue.URL)
	}
	if issue.BranchName != "" {
		fmt.Fprintf(&b, "<branch>%s</branch>\n", issue.BranchName)
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "<labels>%s</labels>\n", strings.Join(issue.Labels, ", "))
	}
	b.WriteString("</issue>")
	return b.String()
}

func mentionContext(issue *tracker.Issue) string {
	return fmt.Sprintf("<issue>\n<identifier>%s</identifier>\n<title>%s</title>\n<url>%s</url>\n</issue>\n\nYou were mentioned on this issue. Respond to the comment below.", issue.Identifier, issue.Title, issue.URL)
}
