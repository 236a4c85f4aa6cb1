package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
)

// ClaudeRunner drives the Claude Code CLI over the stream-json protocol.
// Stdin stays open for the life of the process, so follow-up prompts can be
// streamed into a running session.
type ClaudeRunner struct {
	opts    runner.StartOptions
	logger  *logger.Logger
	process *cliProcess
}

// NewClaudeRunner creates a Claude Code runner.
func NewClaudeRunner(opts runner.StartOptions, log *logger.Logger) *ClaudeRunner {
	log = log.WithFields(zap.String("runner", "claude"))
	return &ClaudeRunner{
		opts:    opts,
		logger:  log,
		process: newCLIProcess(log),
	}
}

func (r *ClaudeRunner) buildArgs() []string {
	args := []string{
		"-y", "@anthropic-ai/claude-code",
		"-p", "--output-format=stream-json", "--input-format=stream-json",
		"--verbose",
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}
	if r.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", r.opts.SystemPrompt)
	}
	switch r.opts.AllowedTools {
	case "", "all":
		args = append(args, "--dangerously-skip-permissions")
	case "safe":
		args = append(args, "--allowedTools", "Read,Grep,Glob,WebSearch,Bash,Edit,Write,Task,TodoWrite")
	case "readOnly":
		args = append(args, "--allowedTools", "Read,Grep,Glob,WebSearch")
	default:
		args = append(args, "--allowedTools", r.opts.AllowedTools)
	}
	return args
}

// Start spawns the CLI, writes the initial prompt, and normalizes the
// stream-json output until the process exits.
func (r *ClaudeRunner) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) error {
	onStart := func() {
		if err := r.writeUserMessage(prompt); err != nil {
			r.logger.Error("failed to write initial prompt", zap.Error(err))
		}
	}
	return r.process.start(ctx, "npx", r.buildArgs(), r.opts.WorkDir, nil, onStart, func(line []byte) {
		r.parseLine(line, onEvent)
	})
}

// AddStreamMessage appends a follow-up user message to the running session.
func (r *ClaudeRunner) AddStreamMessage(ctx context.Context, text string) error {
	return r.writeUserMessage(text)
}

// Stop closes stdin so the CLI finishes the current turn, then interrupts.
func (r *ClaudeRunner) Stop(ctx context.Context) error {
	r.process.closeStdin()
	r.process.interrupt()
	return nil
}

// SupportsStreamingInput is true: stream-json input accepts messages while
// the process runs.
func (r *ClaudeRunner) SupportsStreamingInput() bool { return true }

// IsRunning reports whether the subprocess is alive.
func (r *ClaudeRunner) IsRunning() bool { return r.process.isRunning() }

func (r *ClaudeRunner) writeUserMessage(text string) error {
	msg := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	return r.process.writeLine(data)
}

// claudeLine is one stream-json stdout line.
type claudeLine struct {
	Type            string         `json:"type"`
	Subtype         string         `json:"subtype,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Model           string         `json:"model,omitempty"`
	Tools           []string       `json:"tools,omitempty"`
	Status          string         `json:"status,omitempty"`
	Message         *claudeMessage `json:"message,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	Result          string         `json:"result,omitempty"`
	IsError         bool           `json:"is_error,omitempty"`
	Error           string         `json:"error,omitempty"`
	TotalCostUSD    float64        `json:"total_cost_usd,omitempty"`
	Usage           *claudeUsage   `json:"usage,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string                 `json:"type"` // text, tool_use, tool_result
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (r *ClaudeRunner) parseLine(line []byte, onEvent func(runner.Event)) {
	var msg claudeLine
	if err := json.Unmarshal(line, &msg); err != nil {
		r.logger.Debug("skipping unparseable stream line", zap.Error(err))
		return
	}

	switch msg.Type {
	case "system":
		switch msg.Subtype {
		case "init":
			onEvent(runner.Event{
				Kind:            runner.KindSession,
				RunnerSessionID: msg.SessionID,
				Model:           msg.Model,
				Tools:           msg.Tools,
			})
		case "status":
			onEvent(runner.Event{Kind: runner.KindStatus, Status: msg.Status})
		}

	case "assistant":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					onEvent(runner.Event{Kind: runner.KindThought, Text: block.Text})
				}
			case "tool_use":
				onEvent(runner.Event{
					Kind:            runner.KindAction,
					ToolUseID:       block.ID,
					ToolName:        block.Name,
					ToolInput:       block.Input,
					ParentToolUseID: msg.ParentToolUseID,
				})
			}
		}

	case "user":
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			onEvent(runner.Event{
				Kind:        runner.KindToolResult,
				ToolUseID:   block.ToolUseID,
				ToolResult:  flattenContent(block.Content),
				ResultError: block.IsError,
			})
		}

	case "result":
		ev := runner.Event{
			Kind:         runner.KindFinal,
			Subtype:      msg.Subtype,
			Result:       msg.Result,
			ErrorMessage: msg.Error,
			CostUSD:      msg.TotalCostUSD,
		}
		if msg.Usage != nil {
			ev.InputTokens = msg.Usage.InputTokens
			ev.OutputTokens = msg.Usage.OutputTokens
		}
		if msg.IsError && ev.ErrorMessage == "" {
			ev.ErrorMessage = msg.Result
		}
		onEvent(ev)
	}
}

// flattenContent renders a tool_result content value, which is either a JSON
// string or a list of {type:"text",text:...} blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
