package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repository is the immutable configuration record for one managed
// repository. Routing hints (team keys, project keys, routing labels) are
// optional; a repository with none configured acts as a catch-all candidate.
type Repository struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	RepoPath           string `yaml:"repoPath"`
	BaseBranch         string `yaml:"baseBranch"`
	WorkspaceBaseDir   string `yaml:"workspaceBaseDir"`
	TrackerWorkspaceID string `yaml:"trackerWorkspaceId"`

	TeamKeys      []string `yaml:"teamKeys,omitempty"`
	ProjectKeys   []string `yaml:"projectKeys,omitempty"`
	RoutingLabels []string `yaml:"routingLabels,omitempty"`
	GithubURL     string   `yaml:"githubUrl,omitempty"`

	// LabelRoles maps a role name (debugger, builder, scoper, orchestrator)
	// to its label-prompt configuration.
	LabelRoles map[string]RolePrompt `yaml:"labelRoles,omitempty"`

	IsActive bool `yaml:"isActive"`
}

// RolePrompt configures the system prompt selected when an issue carries one
// of the role's labels.
type RolePrompt struct {
	Labels []string `yaml:"labels"`
	// AllowedTools is "all", "safe", "readOnly", or an explicit
	// comma-separated tool list.
	AllowedTools string `yaml:"allowedTools,omitempty"`
	PromptPath   string `yaml:"promptPath,omitempty"`
}

// RoleOrder is the fixed precedence applied when an issue's labels match
// more than one role category. Within a category, repository config order
// wins.
var RoleOrder = []string{"debugger", "builder", "scoper", "orchestrator"}

// HasRoutingRules reports whether the repository constrains routing at all.
// A repository without rules is a catch-all candidate.
func (r *Repository) HasRoutingRules() bool {
	return len(r.TeamKeys) > 0 || len(r.ProjectKeys) > 0 || len(r.RoutingLabels) > 0
}

// DisplayLabel returns the label shown to users in elicitations: the GitHub
// URL when configured, else the display name.
func (r *Repository) DisplayLabel() string {
	if r.GithubURL != "" {
		return r.GithubURL
	}
	return r.Name
}

func (r *Repository) validate() error {
	if r.ID == "" {
		return fmt.Errorf("repository missing id")
	}
	if r.RepoPath == "" {
		return fmt.Errorf("repository %s missing repoPath", r.ID)
	}
	if r.TrackerWorkspaceID == "" {
		return fmt.Errorf("repository %s missing trackerWorkspaceId", r.ID)
	}
	for role, rp := range r.LabelRoles {
		if !validRole(role) {
			return fmt.Errorf("repository %s has unknown role %q", r.ID, role)
		}
		if len(rp.Labels) == 0 {
			return fmt.Errorf("repository %s role %s has no labels", r.ID, role)
		}
	}
	return nil
}

func validRole(role string) bool {
	for _, r := range RoleOrder {
		if r == role {
			return true
		}
	}
	return false
}

// AllowedToolsFor returns the allowed-tools setting for a role, or "" when
// the role is not configured.
func (r *Repository) AllowedToolsFor(role string) string {
	if rp, ok := r.LabelRoles[role]; ok {
		return rp.AllowedTools
	}
	return ""
}

// repositoriesFile is the on-disk shape of the repositories YAML file.
type repositoriesFile struct {
	Repositories []*Repository `yaml:"repositories"`
}

// LoadRepositories reads the repositories YAML file at path. Unknown keys
// are rejected so configuration typos fail loudly instead of silently
// disabling routing rules.
func LoadRepositories(path string) ([]*Repository, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open repositories file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file repositoriesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse repositories file: %w", err)
	}

	seen := make(map[string]bool, len(file.Repositories))
	for _, repo := range file.Repositories {
		if err := repo.validate(); err != nil {
			return nil, err
		}
		if seen[repo.ID] {
			return nil, fmt.Errorf("duplicate repository id %s", repo.ID)
		}
		seen[repo.ID] = true
	}
	return file.Repositories, nil
}

// ExpandHome expands a leading ~/ in path to the current user's home
// directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
