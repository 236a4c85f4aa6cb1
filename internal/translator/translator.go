// Package translator maps the normalized runner event stream of one session
// to the tracker activities an observer sees. It is pure: no I/O, no clocks;
// the orchestrator posts the activities it returns.
package translator

import (
	"strings"

	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// FinalMessageMarker is the literal the runner is instructed to wrap its
// final answer in. An assistant message carrying it is withheld from posting
// so the terminal result is the only place the text surfaces.
const FinalMessageMarker = "___LAST_MESSAGE_MARKER___"

// MarkerInstruction is appended to the system prompt so runners mark their
// final answer.
const MarkerInstruction = "When you give your final answer, wrap the entire message in the literal marker " + FinalMessageMarker + " at the start."

// Output couples a tracker activity with the transcript entry to store once
// the activity has been posted.
type Output struct {
	Activity tracker.Activity
	Entry    session.Entry
}

// TerminalStatus is the status transition a final event implies; empty when
// the event is not terminal.
func TerminalStatus(ev runner.Event) session.Status {
	if ev.Kind != runner.KindFinal {
		return ""
	}
	if ev.Subtype == runner.SubtypeSuccess {
		return session.StatusComplete
	}
	return session.StatusError
}

// pendingAction is a tool-use waiting for its result before it is posted.
type pendingAction struct {
	actionName string
	parameter  string
	toolName   string
	input      map[string]interface{}
	parentID   string
}

// Translator holds the per-session translation state. One instance exists
// per session; the orchestrator serializes calls.
type Translator struct {
	modelAnnounced bool
	activeTaskID   string
	pending        map[string]*pendingAction

	// withheldFinal is marker-carrying assistant text, kept as the fallback
	// response body if the terminal result arrives empty.
	withheldFinal string
}

// New creates a translator for one session.
func New() *Translator {
	return &Translator{pending: make(map[string]*pendingAction)}
}

// ActiveTask exposes the current active Task tool-use id (mirrored into the
// session store for persistence).
func (t *Translator) ActiveTask() string {
	return t.activeTaskID
}

// WithheldFinal returns the stored marker text, marker stripped, for use as
// the response body when the terminal result has none.
func (t *Translator) WithheldFinal() string {
	return StripMarker(t.withheldFinal)
}

// StripMarker removes the final-message marker from a body.
func StripMarker(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, FinalMessageMarker, ""))
}

// Translate converts one runner event into zero or more outputs.
func (t *Translator) Translate(ev runner.Event) []Output {
	switch ev.Kind {
	case runner.KindSession:
		return t.translateSession(ev)
	case runner.KindThought:
		return t.translateThought(ev)
	case runner.KindAction:
		return t.translateAction(ev)
	case runner.KindToolResult:
		return t.translateToolResult(ev)
	case runner.KindStatus:
		return t.translateStatus(ev)
	case runner.KindFinal:
		return t.translateFinal(ev)
	case runner.KindError:
		return t.translateError(ev)
	}
	return nil
}

func (t *Translator) translateSession(ev runner.Event) []Output {
	if t.modelAnnounced || ev.Model == "" {
		return nil
	}
	t.modelAnnounced = true
	return []Output{{
		Activity: tracker.Activity{
			Type: tracker.ActivityThought,
			Body: "Using model: " + ev.Model,
		},
		Entry: session.Entry{Type: session.EntrySystem, Content: "Using model: " + ev.Model},
	}}
}

func (t *Translator) translateThought(ev runner.Event) []Output {
	if strings.Contains(ev.Text, FinalMessageMarker) {
		// Withheld: posted only via the terminal result (or as its
		// fallback body).
		t.withheldFinal = ev.Text
		return nil
	}
	return []Output{{
		Activity: tracker.Activity{Type: tracker.ActivityThought, Body: ev.Text},
		Entry:    session.Entry{Type: session.EntryAssistant, Content: ev.Text},
	}}
}

func (t *Translator) translateAction(ev runner.Event) []Output {
	switch ev.ToolName {
	case "TodoWrite":
		body := formatTodoChecklist(ev.ToolInput)
		if body == "" {
			return nil
		}
		return []Output{{
			Activity: tracker.Activity{Type: tracker.ActivityThought, Body: body},
			Entry: session.Entry{
				Type:    session.EntryAssistant,
				Content: body,
				Metadata: session.EntryMetadata{
					ToolUseID: ev.ToolUseID,
					ToolName:  ev.ToolName,
				},
			},
		}}

	case "Task":
		t.activeTaskID = ev.ToolUseID
		parameter := firstMeaningfulValue(ev.ToolInput)
		return []Output{{
			Activity: tracker.Activity{
				Type:      tracker.ActivityAction,
				Action:    "Task",
				Parameter: parameter,
			},
			Entry: session.Entry{
				Type:    session.EntryAssistant,
				Content: parameter,
				Metadata: session.EntryMetadata{
					ToolUseID: ev.ToolUseID,
					ToolName:  ev.ToolName,
				},
			},
		}}

	default:
		actionName, parameter := formatToolAction(ev.ToolName, ev.ToolInput)
		if ev.ParentToolUseID != "" && ev.ParentToolUseID == t.activeTaskID {
			actionName = "↪ " + actionName
		}
		// Held until the matching tool-result fills in the result field.
		t.pending[ev.ToolUseID] = &pendingAction{
			actionName: actionName,
			parameter:  parameter,
			toolName:   ev.ToolName,
			input:      ev.ToolInput,
			parentID:   ev.ParentToolUseID,
		}
		return nil
	}
}

func (t *Translator) translateToolResult(ev runner.Event) []Output {
	if ev.ToolUseID != "" && ev.ToolUseID == t.activeTaskID {
		t.activeTaskID = ""
		body := "✅ Task Completed\n\n\n\n" + ev.ToolResult + "\n\n---\n\n"
		return []Output{{
			Activity: tracker.Activity{Type: tracker.ActivityThought, Body: body},
			Entry: session.Entry{
				Type:    session.EntryUser,
				Content: body,
				Metadata: session.EntryMetadata{
					ToolUseID: ev.ToolUseID,
				},
			},
		}}
	}

	pa, ok := t.pending[ev.ToolUseID]
	if !ok {
		// Result for a tool that was never announced; nothing to attach.
		return nil
	}
	delete(t.pending, ev.ToolUseID)

	result := formatToolResult(pa.toolName, pa.input, ev.ToolResult)
	return []Output{{
		Activity: tracker.Activity{
			Type:      tracker.ActivityAction,
			Action:    pa.actionName,
			Parameter: pa.parameter,
			Result:    result,
		},
		Entry: session.Entry{
			Type:    session.EntryAssistant,
			Content: pa.parameter,
			Metadata: session.EntryMetadata{
				ToolUseID:       ev.ToolUseID,
				ToolName:        pa.toolName,
				ParentToolUseID: pa.parentID,
				IsError:         ev.ResultError,
			},
		},
	}}
}

func (t *Translator) translateStatus(ev runner.Event) []Output {
	if ev.Status == "compacting" {
		return []Output{{
			Activity: tracker.Activity{
				Type:      tracker.ActivityThought,
				Body:      "Compacting conversation history…",
				Ephemeral: true,
			},
			Entry: session.Entry{Type: session.EntrySystem, Content: "Compacting conversation history…"},
		}}
	}
	if ev.Status == "" {
		return []Output{{
			Activity: tracker.Activity{
				Type: tracker.ActivityThought,
				Body: "Conversation history compacted",
			},
			Entry: session.Entry{Type: session.EntrySystem, Content: "Conversation history compacted"},
		}}
	}
	return nil
}

func (t *Translator) translateFinal(ev runner.Event) []Output {
	if ev.Subtype == runner.SubtypeSuccess {
		body := StripMarker(ev.Result)
		if body == "" {
			body = t.WithheldFinal()
		}
		return []Output{{
			Activity: tracker.Activity{Type: tracker.ActivityResponse, Body: body},
			Entry:    session.Entry{Type: session.EntryResult, Content: body},
		}}
	}

	msg := ev.ErrorMessage
	if msg == "" {
		msg = ev.Result
	}
	msg = tracker.SanitizeError(msg)
	return []Output{{
		Activity: tracker.Activity{Type: tracker.ActivityError, Body: msg},
		Entry: session.Entry{
			Type:    session.EntryResult,
			Content: msg,
			Metadata: session.EntryMetadata{
				IsError:         true,
				IsTerminalError: true,
			},
		},
	}}
}

func (t *Translator) translateError(ev runner.Event) []Output {
	body := "❌ " + tracker.SanitizeError(ev.ErrorMessage)
	return []Output{{
		Activity: tracker.Activity{Type: tracker.ActivityThought, Body: body},
		Entry: session.Entry{
			Type:     session.EntrySystem,
			Content:  body,
			Metadata: session.EntryMetadata{IsError: true},
		},
	}}
}

// firstMeaningfulValue renders a Task tool input as display text: the
// description when present, else the first scalar field's value.
func firstMeaningfulValue(input map[string]interface{}) string {
	for _, key := range []string{"description", "desc", "prompt"} {
		if v := stringField(input, key); v != "" {
			return v
		}
	}
	if s := firstMeaningfulField(input); s != "" {
		if idx := strings.Index(s, ": "); idx >= 0 {
			return s[idx+2:]
		}
		return s
	}
	return ""
}
