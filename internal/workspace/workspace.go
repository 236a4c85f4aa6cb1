// Package workspace prepares the working directory a runner executes in.
// The git provider gives every issue an isolated worktree under the
// repository's workspace base dir; repositories that are not git checkouts
// fall back to a plain directory.
package workspace

import (
	"context"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// Provider creates or reuses the workspace for an issue.
type Provider interface {
	EnsureWorkspace(ctx context.Context, repo *config.Repository, issue *tracker.Issue) (*session.Workspace, error)
}
