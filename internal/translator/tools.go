package translator

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// formatToolAction renders the action name and parameter for a tool-use.
func formatToolAction(name string, input map[string]interface{}) (string, string) {
	switch name {
	case "Bash":
		command := stringField(input, "command")
		if desc := stringField(input, "description"); desc != "" {
			return fmt.Sprintf("Bash (%s)", desc), command
		}
		return "Bash", command

	case "Read":
		path := stringField(input, "file_path")
		offset, hasOffset := intField(input, "offset")
		limit, hasLimit := intField(input, "limit")
		if hasOffset || hasLimit {
			start := offset
			if start <= 0 {
				start = 1
			}
			end := start
			if hasLimit {
				end = start + limit - 1
			}
			return "Read", fmt.Sprintf("%s (lines %d-%d)", path, start, end)
		}
		return "Read", path

	case "Grep":
		param := fmt.Sprintf("Pattern: `%s`", stringField(input, "pattern"))
		if path := stringField(input, "path"); path != "" {
			param += " in " + path
		}
		if glob := stringField(input, "glob"); glob != "" {
			param += fmt.Sprintf(" (%s)", glob)
		}
		return "Grep", param

	case "Glob":
		param := fmt.Sprintf("Pattern: `%s`", stringField(input, "pattern"))
		if path := stringField(input, "path"); path != "" {
			param += " in " + path
		}
		return "Glob", param

	case "WebSearch":
		return "WebSearch", "Query: " + stringField(input, "query")

	case "Edit":
		return "Edit", formatEditDiff(input)

	default:
		if strings.HasPrefix(name, "mcp__") {
			return name, firstMeaningfulField(input)
		}
		data, err := json.Marshal(input)
		if err != nil || string(data) == "null" {
			return name, ""
		}
		return name, string(data)
	}
}

// formatEditDiff renders an Edit tool input as a small unified diff.
func formatEditDiff(input map[string]interface{}) string {
	path := stringField(input, "file_path")
	oldStr := stringField(input, "old_string")
	newStr := stringField(input, "new_string")

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)
	for _, line := range splitDiffLines(oldStr) {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range splitDiffLines(newStr) {
		b.WriteString("+" + line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitDiffLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// preferredMCPFields are checked first when picking the parameter shown for
// an mcp__* tool.
var preferredMCPFields = []string{"query", "prompt", "url", "path", "name", "id"}

// firstMeaningfulField renders "<field>: <value>" for the first scalar field
// of an mcp__* tool input.
func firstMeaningfulField(input map[string]interface{}) string {
	for _, key := range preferredMCPFields {
		if v, ok := scalarValue(input[key]); ok && v != "" {
			return fmt.Sprintf("%s: %s", key, v)
		}
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if v, ok := scalarValue(input[key]); ok && v != "" {
			return fmt.Sprintf("%s: %s", key, v)
		}
	}
	return ""
}

func scalarValue(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", t), ".0"), true
	case bool:
		return fmt.Sprintf("%v", t), true
	}
	return "", false
}

var (
	// Leading line-number markers produced by the Read tool, e.g. "  12→".
	lineNumberPattern = regexp.MustCompile(`(?m)^\s*\d+[\t→]`)

	systemReminderPattern = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
)

// formatToolResult wraps a tool result in a fenced code block, language
// tagged by the file extension when the tool targeted a file. Read output is
// first stripped of line-number markers and system-reminder blocks; empty
// bash output renders as a placeholder.
func formatToolResult(toolName string, input map[string]interface{}, result string) string {
	switch toolName {
	case "Bash":
		if strings.TrimSpace(result) == "" {
			return "*No output*"
		}
		return fencedBlock("", result)

	case "Read", "Edit", "Write":
		if toolName == "Read" {
			result = systemReminderPattern.ReplaceAllString(result, "")
			result = lineNumberPattern.ReplaceAllString(result, "")
			result = strings.TrimSpace(result)
		}
		lang := languageForPath(stringField(input, "file_path"))
		return fencedBlock(lang, result)

	default:
		return fencedBlock("", result)
	}
}

func fencedBlock(lang, body string) string {
	body = strings.TrimRight(body, "\n")
	return "```" + lang + "\n" + body + "\n```"
}

// languageForPath maps a file extension to a fence language tag.
func languageForPath(path string) string {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "go":
		return "go"
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx", "mjs":
		return "javascript"
	case "py":
		return "python"
	case "rs":
		return "rust"
	case "rb":
		return "ruby"
	case "sh", "bash":
		return "bash"
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "md":
		return "markdown"
	case "sql":
		return "sql"
	case "html":
		return "html"
	case "css":
		return "css"
	default:
		return ""
	}
}

func stringField(input map[string]interface{}, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func intField(input map[string]interface{}, key string) (int, bool) {
	switch v := input[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// todoItem is one entry of a TodoWrite payload.
type todoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// formatTodoChecklist renders a TodoWrite todos array as a checklist.
func formatTodoChecklist(input map[string]interface{}) string {
	raw, err := json.Marshal(input["todos"])
	if err != nil {
		return ""
	}
	var todos []todoItem
	if err := json.Unmarshal(raw, &todos); err != nil {
		return ""
	}
	var b strings.Builder
	for _, t := range todos {
		var mark string
		switch t.Status {
		case "completed":
			mark = "✅"
		case "in_progress":
			mark = "🔄"
		default:
			mark = "⏳"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
