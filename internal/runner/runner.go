// Package runner defines the normalized agent event stream, the Runner
// contract implemented by each agent CLI adapter, and the supervisor that
// owns running subprocesses.
package runner

import (
	"context"
	"errors"

	"github.com/ceedaragents/cyrus/internal/session"
)

// EventKind tags the normalized event variants every adapter produces.
type EventKind string

const (
	// KindSession is emitted once when the runner reports its own session
	// id (and usually the model in use).
	KindSession EventKind = "session"
	// KindThought is assistant text without a tool-use marker.
	KindThought EventKind = "thought"
	// KindAction is an assistant tool-use.
	KindAction EventKind = "action"
	// KindToolResult carries the result for a prior tool-use, joined by
	// ToolUseID.
	KindToolResult EventKind = "tool_result"
	// KindStatus reports transient runner status such as history
	// compaction; an empty Status clears the previous one.
	KindStatus EventKind = "status"
	// KindFinal is the terminal result of a run.
	KindFinal EventKind = "final"
	// KindError is a runner error; terminal only when part of a final.
	KindError EventKind = "error"
)

// Final result subtypes.
const (
	SubtypeSuccess       = "success"
	SubtypeErrorMaxTurns = "error_max_turns"
)

// Event is the normalized runner event. Exactly the fields for its Kind are
// set; the rest are zero.
type Event struct {
	Kind EventKind

	// KindSession
	RunnerSessionID string
	Model           string
	Tools           []string

	// KindThought
	Text string

	// KindAction
	ToolUseID       string
	ToolName        string
	ToolInput       map[string]interface{}
	ParentToolUseID string

	// KindToolResult (reuses ToolUseID)
	ToolResult  string
	ResultError bool

	// KindStatus
	Status string

	// KindFinal
	Subtype      string
	Result       string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64

	// KindError / KindFinal error detail
	ErrorMessage string
}

// Runner drives one agent subprocess. Implementations live in the agents
// subpackage; each normalizes its CLI's native stream into Events.
type Runner interface {
	// Start spawns the subprocess, writes the initial prompt, and invokes
	// onEvent for every normalized event in stream order until the process
	// exits. onEvent is called from a single goroutine.
	Start(ctx context.Context, prompt string, onEvent func(Event)) error

	// AddStreamMessage appends a follow-up user message to a running
	// session. Only valid when SupportsStreamingInput is true.
	AddStreamMessage(ctx context.Context, text string) error

	// Stop requests a graceful stop of the subprocess.
	Stop(ctx context.Context) error

	// SupportsStreamingInput reports whether follow-up prompts can be
	// streamed into a running process.
	SupportsStreamingInput() bool

	// IsRunning reports whether the subprocess is alive.
	IsRunning() bool
}

// ErrRunnerUnavailable is returned when a persisted selection names a runner
// type this edge worker cannot provide. The session is kept as-is and no
// substitute runner is started.
var ErrRunnerUnavailable = errors.New("runner type unavailable")

// StartOptions carries the per-start subprocess parameters.
type StartOptions struct {
	WorkDir         string
	Model           string
	ResumeSessionID string
	AllowedTools    string
	SystemPrompt    string
}

// Factory creates runners for a selection.
type Factory interface {
	// Create builds a Runner for the selection, or ErrRunnerUnavailable.
	Create(selection session.RunnerSelection, opts StartOptions) (Runner, error)

	// Available reports whether a runner type can be created.
	Available(rt session.RunnerType) bool
}
