package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRepos(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repositories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRepositories(t *testing.T) {
	path := writeRepos(t, `
repositories:
  - id: repo-api
    name: API Server
    repoPath: /srv/repos/api
    trackerWorkspaceId: ws-1
    teamKeys: [API]
    routingLabels: [backend]
    labelRoles:
      debugger:
        labels: [Bug]
        allowedTools: readOnly
    isActive: true
  - id: repo-docs
    name: Docs
    repoPath: /srv/repos/docs
    trackerWorkspaceId: ws-1
    isActive: true
`)
	repos, err := LoadRepositories(path)
	require.NoError(t, err)
	require.Len(t, repos, 2)

	api := repos[0]
	assert.Equal(t, "repo-api", api.ID)
	assert.True(t, api.HasRoutingRules())
	assert.Equal(t, "readOnly", api.AllowedToolsFor("debugger"))
	assert.Equal(t, "", api.AllowedToolsFor("builder"))

	docs := repos[1]
	assert.False(t, docs.HasRoutingRules(), "no hints means catch-all candidate")
}

func TestLoadRepositoriesRejectsUnknownKeys(t *testing.T) {
	path := writeRepos(t, `
repositories:
  - id: repo-api
    repoPath: /srv/repos/api
    trackerWorkspaceId: ws-1
    teamKies: [API]
`)
	_, err := LoadRepositories(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestLoadRepositoriesRejectsDuplicateIDs(t *testing.T) {
	path := writeRepos(t, `
repositories:
  - id: repo-api
    repoPath: /srv/repos/api
    trackerWorkspaceId: ws-1
  - id: repo-api
    repoPath: /srv/repos/api2
    trackerWorkspaceId: ws-1
`)
	_, err := LoadRepositories(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate repository id")
}

func TestLoadRepositoriesValidation(t *testing.T) {
	cases := []struct {
		name, content, wantErr string
	}{
		{
			"missing id",
			"repositories:\n  - repoPath: /x\n    trackerWorkspaceId: ws-1\n",
			"missing id",
		},
		{
			"missing repoPath",
			"repositories:\n  - id: r1\n    trackerWorkspaceId: ws-1\n",
			"missing repoPath",
		},
		{
			"missing workspace",
			"repositories:\n  - id: r1\n    repoPath: /x\n",
			"missing trackerWorkspaceId",
		},
		{
			"unknown role",
			"repositories:\n  - id: r1\n    repoPath: /x\n    trackerWorkspaceId: ws-1\n    labelRoles:\n      wizard:\n        labels: [Magic]\n",
			"unknown role",
		},
		{
			"role without labels",
			"repositories:\n  - id: r1\n    repoPath: /x\n    trackerWorkspaceId: ws-1\n    labelRoles:\n      builder:\n        labels: []\n",
			"has no labels",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadRepositories(writeRepos(t, c.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wantErr)
		})
	}
}

func TestDisplayLabel(t *testing.T) {
	r := &Repository{Name: "API Server"}
	assert.Equal(t, "API Server", r.DisplayLabel())
	r.GithubURL = "https://github.com/acme/api"
	assert.Equal(t, "https://github.com/acme/api", r.DisplayLabel())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory in this environment")
	}
	got, err := ExpandHome("~/.cyrus/cyrus.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cyrus/cyrus.db"), got)

	got, err = ExpandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
