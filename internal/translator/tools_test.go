package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatToolActionBash(t *testing.T) {
	name, param := formatToolAction("Bash", map[string]interface{}{
		"command": "go vet ./...", "description": "vet the tree",
	})
	assert.Equal(t, "Bash (vet the tree)", name)
	assert.Equal(t, "go vet ./...", param)

	name, param = formatToolAction("Bash", map[string]interface{}{"command": "ls"})
	assert.Equal(t, "Bash", name)
	assert.Equal(t, "ls", param)
}

func TestFormatToolActionRead(t *testing.T) {
	_, param := formatToolAction("Read", map[string]interface{}{
		"file_path": "/srv/app/main.go", "offset": float64(10), "limit": float64(5),
	})
	assert.Equal(t, "/srv/app/main.go (lines 10-14)", param)

	_, param = formatToolAction("Read", map[string]interface{}{"file_path": "/srv/app/main.go"})
	assert.Equal(t, "/srv/app/main.go", param)
}

func TestFormatToolActionGrep(t *testing.T) {
	_, param := formatToolAction("Grep", map[string]interface{}{
		"pattern": "func main", "path": "cmd", "glob": "*.go",
	})
	assert.Equal(t, "Pattern: `func main` in cmd (*.go)", param)
}

func TestFormatToolActionWebSearch(t *testing.T) {
	_, param := formatToolAction("WebSearch", map[string]interface{}{"query": "sqlite wal mode"})
	assert.Equal(t, "Query: sqlite wal mode", param)
}

func TestFormatToolActionEditDiff(t *testing.T) {
	_, param := formatToolAction("Edit", map[string]interface{}{
		"file_path":  "a.go",
		"old_string": "x := 1",
		"new_string": "x := 2",
	})
	assert.Equal(t, "--- a.go\n+++ a.go\n-x := 1\n+x := 2", param)
}

func TestFormatToolActionMCP(t *testing.T) {
	_, param := formatToolAction("mcp__linear__search", map[string]interface{}{
		"query": "open bugs", "limit": float64(5),
	})
	assert.Equal(t, "query: open bugs", param)
}

func TestFormatToolResultBashEmpty(t *testing.T) {
	assert.Equal(t, "*No output*", formatToolResult("Bash", nil, "   \n"))
	assert.Equal(t, "```\nok\n```", formatToolResult("Bash", nil, "ok\n"))
}

func TestFormatToolResultReadStripsDecoration(t *testing.T) {
	input := map[string]interface{}{"file_path": "main.go"}
	raw := "  1\tpackage main\n  2\tfunc main() {}\n<system-reminder>noise</system-reminder>"
	got := formatToolResult("Read", input, raw)
	assert.Equal(t, "```go\npackage main\nfunc main() {}\n```", got)
}

func TestLanguageForPath(t *testing.T) {
	assert.Equal(t, "go", languageForPath("x/main.go"))
	assert.Equal(t, "typescript", languageForPath("app.tsx"))
	assert.Equal(t, "", languageForPath("Makefile"))
}
