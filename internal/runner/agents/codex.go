package agents

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
)

// CodexRunner drives the OpenAI Codex CLI in exec mode (`codex exec --json`).
// Exec mode takes the whole prompt up front and exits when the turn is done,
// so streaming input is not supported; continuations resume the rollout via
// `codex exec resume <id>`.
type CodexRunner struct {
	opts    runner.StartOptions
	logger  *logger.Logger
	process *cliProcess

	// lastAgentMessage backs the final result when task_complete omits it.
	lastAgentMessage string
}

// NewCodexRunner creates a Codex runner.
func NewCodexRunner(opts runner.StartOptions, log *logger.Logger) *CodexRunner {
	log = log.WithFields(zap.String("runner", "codex"))
	return &CodexRunner{
		opts:    opts,
		logger:  log,
		process: newCLIProcess(log),
	}
}

func (r *CodexRunner) buildArgs(prompt string) []string {
	args := []string{"-y", "@openai/codex", "exec", "--json"}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "resume", r.opts.ResumeSessionID)
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	switch r.opts.AllowedTools {
	case "readOnly":
		args = append(args, "--sandbox", "read-only")
	case "safe":
		args = append(args, "--sandbox", "workspace-write")
	default:
		args = append(args, "--full-auto")
	}
	full := prompt
	if r.opts.SystemPrompt != "" {
		full = r.opts.SystemPrompt + "\n\n" + prompt
	}
	return append(args, full)
}

// Start spawns the CLI and normalizes its JSONL output until it exits.
func (r *CodexRunner) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) error {
	return r.process.start(ctx, "npx", r.buildArgs(prompt), r.opts.WorkDir, nil, nil, func(line []byte) {
		r.parseLine(line, onEvent)
	})
}

// AddStreamMessage is unsupported in exec mode.
func (r *CodexRunner) AddStreamMessage(ctx context.Context, text string) error {
	return errStreamingUnsupported
}

// Stop interrupts the subprocess.
func (r *CodexRunner) Stop(ctx context.Context) error {
	r.process.interrupt()
	return nil
}

// SupportsStreamingInput is false for exec mode.
func (r *CodexRunner) SupportsStreamingInput() bool { return false }

// IsRunning reports whether the subprocess is alive.
func (r *CodexRunner) IsRunning() bool { return r.process.isRunning() }

// codexLine is one `codex exec --json` stdout line: an envelope with a typed
// msg payload.
type codexLine struct {
	ID  string   `json:"id,omitempty"`
	Msg codexMsg `json:"msg"`
}

type codexMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// agent_message / agent_reasoning
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`

	// exec_command_begin / exec_command_end
	CallID   string   `json:"call_id,omitempty"`
	Command  []string `json:"command,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// token_count
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

func (r *CodexRunner) parseLine(line []byte, onEvent func(runner.Event)) {
	var msg codexLine
	if err := json.Unmarshal(line, &msg); err != nil {
		r.logger.Debug("skipping unparseable stream line", zap.Error(err))
		return
	}

	switch msg.Msg.Type {
	case "session_configured":
		onEvent(runner.Event{
			Kind:            runner.KindSession,
			RunnerSessionID: msg.Msg.SessionID,
			Model:           msg.Msg.Model,
		})

	case "agent_message":
		if msg.Msg.Message != "" {
			r.lastAgentMessage = msg.Msg.Message
			onEvent(runner.Event{Kind: runner.KindThought, Text: msg.Msg.Message})
		}

	case "agent_reasoning":
		if msg.Msg.Text != "" {
			onEvent(runner.Event{Kind: runner.KindThought, Text: msg.Msg.Text})
		}

	case "exec_command_begin":
		onEvent(runner.Event{
			Kind:      runner.KindAction,
			ToolUseID: msg.Msg.CallID,
			ToolName:  "Bash",
			ToolInput: map[string]interface{}{
				"command": strings.Join(msg.Msg.Command, " "),
			},
		})

	case "exec_command_end":
		out := msg.Msg.Stdout
		if out == "" {
			out = msg.Msg.Stderr
		}
		onEvent(runner.Event{
			Kind:        runner.KindToolResult,
			ToolUseID:   msg.Msg.CallID,
			ToolResult:  out,
			ResultError: msg.Msg.ExitCode != nil && *msg.Msg.ExitCode != 0,
		})

	case "task_complete":
		result := msg.Msg.LastAgentMessage
		if result == "" {
			result = r.lastAgentMessage
		}
		onEvent(runner.Event{
			Kind:    runner.KindFinal,
			Subtype: runner.SubtypeSuccess,
			Result:  result,
		})

	case "token_count":
		// Usage arrives out of band; attach it to no activity.

	case "error":
		// Error detail rides in the message field.
		onEvent(runner.Event{Kind: runner.KindError, ErrorMessage: msg.Msg.Message})
	}
}
