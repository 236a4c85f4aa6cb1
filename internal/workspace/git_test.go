package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

func TestSanitizeDirName(t *testing.T) {
	assert.Equal(t, "API-12", sanitizeDirName("API-12"))
	assert.Equal(t, "fix-login-bug", sanitizeDirName("fix/login bug"))
	assert.Equal(t, "workspace", sanitizeDirName(""))
	assert.Equal(t, "a", sanitizeDirName("-a-"))
}

func TestEnsureWorkspaceNonGitFallback(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))

	p := NewGitWorktreeProvider(nil)
	ws, err := p.EnsureWorkspace(context.Background(), &config.Repository{
		ID:               "repo-1",
		Name:             "repo",
		RepoPath:         repoPath,
		WorkspaceBaseDir: filepath.Join(dir, "workspaces"),
	}, &tracker.Issue{Identifier: "API-1"})
	require.NoError(t, err)
	assert.False(t, ws.IsGitWorktree)
	assert.DirExists(t, ws.Path)
	assert.Equal(t, filepath.Join(dir, "workspaces", "API-1"), ws.Path)
}

func TestEnsureWorkspaceReusesValidWorktree(t *testing.T) {
	dir := t.TempDir()
	wsPath := filepath.Join(dir, "workspaces", "API-2")
	require.NoError(t, os.MkdirAll(wsPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wsPath, ".git"), []byte("gitdir: /somewhere/.git/worktrees/API-2"), 0o644))

	p := NewGitWorktreeProvider(nil)
	ws, err := p.EnsureWorkspace(context.Background(), &config.Repository{
		ID:               "repo-1",
		Name:             "repo",
		RepoPath:         filepath.Join(dir, "repo"),
		WorkspaceBaseDir: filepath.Join(dir, "workspaces"),
	}, &tracker.Issue{Identifier: "API-2"})
	require.NoError(t, err)
	assert.True(t, ws.IsGitWorktree)
	assert.Equal(t, wsPath, ws.Path)
}

func TestIsValidWorktreeRejectsPlainDirs(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, isValidWorktree(dir))
	assert.False(t, isValidWorktree(filepath.Join(dir, "missing")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("not a pointer"), 0o644))
	assert.False(t, isValidWorktree(dir))
}
