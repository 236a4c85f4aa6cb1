package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// GitWorktreeProvider creates one git worktree per issue. Worktree creation
// for the same checkout is serialized with a per-repository lock; git gets
// confused by concurrent worktree mutations.
type GitWorktreeProvider struct {
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewGitWorktreeProvider creates the provider.
func NewGitWorktreeProvider(log *logger.Logger) *GitWorktreeProvider {
	if log == nil {
		log = logger.Default()
	}
	return &GitWorktreeProvider{
		logger:    log.WithFields(zap.String("component", "workspace-provider")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// EnsureWorkspace returns the issue's workspace, creating it if needed.
// Reuse is idempotent: an existing valid worktree directory is returned
// as-is, so repeated sessions on one issue share a checkout.
func (p *GitWorktreeProvider) EnsureWorkspace(ctx context.Context, repo *config.Repository, issue *tracker.Issue) (*session.Workspace, error) {
	base, err := config.ExpandHome(repo.WorkspaceBaseDir)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = filepath.Join(repo.RepoPath, "..", "workspaces", repo.Name)
	}
	path := filepath.Join(base, sanitizeDirName(issue.Identifier))

	if isValidWorktree(path) {
		return &session.Workspace{Path: path, IsGitWorktree: true}, nil
	}

	if !isGitRepo(repo.RepoPath) {
		p.logger.Warn("repository is not a git checkout, using plain directory",
			zap.String("repository_id", repo.ID))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
		return &session.Workspace{Path: path, IsGitWorktree: false}, nil
	}

	lock := p.repoLock(repo.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock; a racing session may have created it.
	if isValidWorktree(path) {
		return &session.Workspace{Path: path, IsGitWorktree: true}, nil
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
	}

	branch := issue.BranchName
	if branch == "" {
		branch = sanitizeDirName(issue.Identifier)
	}
	baseBranch := repo.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	if err := p.addWorktree(ctx, repo.RepoPath, path, branch, baseBranch); err != nil {
		return nil, err
	}

	p.logger.Info("created workspace",
		zap.String("repository_id", repo.ID),
		zap.String("issue", issue.Identifier),
		zap.String("path", path),
		zap.String("branch", branch))
	return &session.Workspace{Path: path, IsGitWorktree: true}, nil
}

func (p *GitWorktreeProvider) addWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath, baseBranch)
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	// The branch may survive from an earlier worktree; reattach to it.
	if strings.Contains(string(output), "already exists") {
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		_ = prune.Run()

		cmd = exec.CommandContext(ctx, "git", "worktree", "add", worktreePath, branch)
		cmd.Dir = repoPath
		if output, err = cmd.CombinedOutput(); err == nil {
			return nil
		}
	}

	p.logger.Error("git worktree add failed",
		zap.String("output", string(output)),
		zap.Error(err))
	return fmt.Errorf("git worktree add failed: %s", strings.TrimSpace(string(output)))
}

func (p *GitWorktreeProvider) repoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()
	lock, ok := p.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		p.repoLocks[repoPath] = lock
	}
	return lock
}

// isValidWorktree reports whether path holds a usable worktree. Worktrees
// carry a .git file with a gitdir pointer, not a .git directory.
func isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// sanitizeDirName keeps identifiers filesystem and branch safe.
func sanitizeDirName(name string) string {
	if name == "" {
		return "workspace"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
