package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// toolFields is the user-provided part of a Tool.
type toolFields struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Method      string          `json:"method,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func describe(tool *Tool) string {
	if tool == nil {
		return ""
	}
	bs, err := json.MarshalIndent(toolFields{
		Name:        tool.Name,
		Description: tool.Description,
		Method:      tool.Method,
		Tags:        tool.Tags,
		InputSchema: tool.InputSchema,
	}, "", "  ")
	if err != nil {
		return ""
	}
	return string(bs) + "\n"
}

// createUnifiedDiff renders the change from previous, nil for a new tool, to next.
func createUnifiedDiff(previous *Tool, next Tool) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(describe(previous), describe(&next), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	diff.WriteString(fmt.Sprintf("--- %s (stored)\n", next.Name))
	diff.WriteString(fmt.Sprintf("+++ %s (registered)\n", next.Name))
	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
	return diff.String()
}
