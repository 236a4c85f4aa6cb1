package agents

import (
	"errors"
	"fmt"

	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
)

// errStreamingUnsupported is returned by AddStreamMessage on adapters whose
// CLI runs one-shot; callers gate on SupportsStreamingInput first.
var errStreamingUnsupported = errors.New("runner does not support streaming input")

// Model describes one model a runner can use.
type Model struct {
	ID        string
	Name      string
	IsDefault bool
}

// Catalog returns the static model catalog for a runner type. Used to
// validate persisted selections and to pick defaults.
func Catalog(rt session.RunnerType) []Model {
	switch rt {
	case session.RunnerClaude:
		return []Model{
			{ID: "claude-sonnet-4-5", Name: "Sonnet 4.5", IsDefault: true},
			{ID: "claude-opus-4-5", Name: "Opus 4.5"},
			{ID: "claude-haiku-4-5", Name: "Haiku 4.5"},
		}
	case session.RunnerCodex:
		return []Model{
			{ID: "gpt-5-codex", Name: "GPT-5 Codex", IsDefault: true},
			{ID: "gpt-5", Name: "GPT-5"},
		}
	case session.RunnerGemini:
		return []Model{
			{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", IsDefault: true},
			{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash"},
		}
	}
	return nil
}

// DefaultModel returns the default model id for a runner type.
func DefaultModel(rt session.RunnerType) string {
	for _, m := range Catalog(rt) {
		if m.IsDefault {
			return m.ID
		}
	}
	return ""
}

// Factory creates runner adapters for the supported agent CLIs.
type Factory struct {
	logger *logger.Logger
}

var _ runner.Factory = (*Factory)(nil)

// NewFactory creates the adapter factory.
func NewFactory(log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Default()
	}
	return &Factory{logger: log}
}

// Available reports whether the runner type is one this factory can build.
func (f *Factory) Available(rt session.RunnerType) bool {
	switch rt {
	case session.RunnerClaude, session.RunnerCodex, session.RunnerGemini:
		return true
	}
	return false
}

// Create builds a runner for the selection. The selection's model and resume
// session id override the options when set.
func (f *Factory) Create(selection session.RunnerSelection, opts runner.StartOptions) (runner.Runner, error) {
	if opts.Model == "" {
		opts.Model = selection.Model
	}
	if opts.Model == "" {
		opts.Model = DefaultModel(selection.Runner)
	}
	if opts.ResumeSessionID == "" {
		opts.ResumeSessionID = selection.ResumeSessionID
	}
	if opts.AllowedTools == "" {
		opts.AllowedTools = selection.AllowedTools
	}

	switch selection.Runner {
	case session.RunnerClaude:
		return NewClaudeRunner(opts, f.logger), nil
	case session.RunnerCodex:
		return NewCodexRunner(opts, f.logger), nil
	case session.RunnerGemini:
		return NewGeminiRunner(opts, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", runner.ErrRunnerUnavailable, selection.Runner)
	}
}
