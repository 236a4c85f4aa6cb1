package agents

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
)

// GeminiRunner drives the Gemini CLI in non-interactive stream-json mode.
// Like Codex exec mode, the prompt is passed up front and the process exits
// at the end of the turn.
type GeminiRunner struct {
	opts    runner.StartOptions
	logger  *logger.Logger
	process *cliProcess

	lastText string
}

// NewGeminiRunner creates a Gemini runner.
func NewGeminiRunner(opts runner.StartOptions, log *logger.Logger) *GeminiRunner {
	log = log.WithFields(zap.String("runner", "gemini"))
	return &GeminiRunner{
		opts:    opts,
		logger:  log,
		process: newCLIProcess(log),
	}
}

func (r *GeminiRunner) buildArgs(prompt string) []string {
	args := []string{"@google/gemini-cli", "--output-format", "stream-json", "--yolo"}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}
	full := prompt
	if r.opts.SystemPrompt != "" {
		full = r.opts.SystemPrompt + "\n\n" + prompt
	}
	return append(args, "--prompt", full)
}

// Start spawns the CLI and normalizes its stream output until it exits.
func (r *GeminiRunner) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) error {
	return r.process.start(ctx, "npx", r.buildArgs(prompt), r.opts.WorkDir, nil, nil, func(line []byte) {
		r.parseLine(line, onEvent)
	})
}

// AddStreamMessage is unsupported; Gemini turns are one-shot.
func (r *GeminiRunner) AddStreamMessage(ctx context.Context, text string) error {
	return errStreamingUnsupported
}

// Stop interrupts the subprocess.
func (r *GeminiRunner) Stop(ctx context.Context) error {
	r.process.interrupt()
	return nil
}

// SupportsStreamingInput is false.
func (r *GeminiRunner) SupportsStreamingInput() bool { return false }

// IsRunning reports whether the subprocess is alive.
func (r *GeminiRunner) IsRunning() bool { return r.process.isRunning() }

// geminiLine is one stream-json stdout line from the Gemini CLI.
type geminiLine struct {
	Type string `json:"type"`

	// init
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	ToolID   string                 `json:"tool_id,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Output   string                 `json:"output,omitempty"`
	IsError  bool                   `json:"is_error,omitempty"`

	// result
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Stats  *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"stats,omitempty"`
}

func (r *GeminiRunner) parseLine(line []byte, onEvent func(runner.Event)) {
	var msg geminiLine
	if err := json.Unmarshal(line, &msg); err != nil {
		r.logger.Debug("skipping unparseable stream line", zap.Error(err))
		return
	}

	switch msg.Type {
	case "init":
		onEvent(runner.Event{
			Kind:            runner.KindSession,
			RunnerSessionID: msg.SessionID,
			Model:           msg.Model,
		})

	case "message":
		if msg.Role == "assistant" && msg.Content != "" {
			r.lastText = msg.Content
			onEvent(runner.Event{Kind: runner.KindThought, Text: msg.Content})
		}

	case "tool_call":
		onEvent(runner.Event{
			Kind:      runner.KindAction,
			ToolUseID: msg.ToolID,
			ToolName:  msg.ToolName,
			ToolInput: msg.Args,
		})

	case "tool_result":
		onEvent(runner.Event{
			Kind:        runner.KindToolResult,
			ToolUseID:   msg.ToolID,
			ToolResult:  msg.Output,
			ResultError: msg.IsError,
		})

	case "result":
		ev := runner.Event{Kind: runner.KindFinal}
		if msg.Stats != nil {
			ev.InputTokens = msg.Stats.InputTokens
			ev.OutputTokens = msg.Stats.OutputTokens
		}
		if msg.Error != "" {
			ev.Subtype = ""
			ev.ErrorMessage = msg.Error
		} else {
			ev.Subtype = runner.SubtypeSuccess
			ev.Result = r.lastText
		}
		onEvent(ev)

	case "error":
		onEvent(runner.Event{Kind: runner.KindError, ErrorMessage: msg.Error})
	}
}
