package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/shared"
)

// maxNarrativeRunes caps how much raw tool output is kept per observation.
const maxNarrativeRunes = 2000

var readTools = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "NotebookRead": true,
}

var writeTools = map[string]bool{
	"Write": true, "Edit": true, "MultiEdit": true, "NotebookEdit": true,
}

// Passthrough records tool events and summaries without a model call. It
// keeps the raw event shape, redacts secrets and derives touched files from
// the tool input.
type Passthrough struct{}

func (Passthrough) Process(ctx context.Context, sess SessionInfo, item persistence.QueueItem) (persistence.Result, error) {
	if err := ctx.Err(); err != nil {
		return persistence.Result{}, err
	}
	switch p := item.Payload.(type) {
	case persistence.Observation:
		return persistence.Result{Observations: []persistence.ObservationRecord{observationFrom(p)}}, nil
	case persistence.Summarize:
		return persistence.Result{Summary: summaryFrom(sess, p)}, nil
	default:
		return persistence.Result{}, Fatal(fmt.Errorf("unsupported payload %T", item.Payload))
	}
}

func observationFrom(p persistence.Observation) persistence.ObservationRecord {
	rec := persistence.ObservationRecord{
		Type:      observationType(p.ToolName),
		Title:     p.ToolName,
		Narrative: truncateRunes(shared.Redact(p.ToolOutput), maxNarrativeRunes),
	}
	input := parseToolInput(p.ToolInput)
	path := firstString(input, "file_path", "notebook_path", "path")
	switch {
	case path != "" && writeTools[p.ToolName]:
		rec.FilesModified = []string{path}
	case path != "" && readTools[p.ToolName]:
		rec.FilesRead = []string{path}
	}
	if path != "" {
		rec.Title = p.ToolName + " " + path
	}
	if cmd := firstString(input, "command", "pattern", "query"); cmd != "" {
		rec.Subtitle = truncateRunes(shared.Redact(cmd), 200)
		if path == "" {
			rec.Title = p.ToolName + ": " + truncateRunes(rec.Subtitle, 80)
		}
	}
	if p.Cwd != "" {
		rec.Facts = append(rec.Facts, "cwd: "+p.Cwd)
	}
	return rec
}

func observationType(tool string) string {
	switch {
	case writeTools[tool]:
		return "change"
	case readTools[tool]:
		return "discovery"
	case tool == "Bash":
		return "command"
	default:
		return "tool"
	}
}

func summaryFrom(sess SessionInfo, p persistence.Summarize) *persistence.SummaryRecord {
	return &persistence.SummaryRecord{
		Request:   truncateRunes(shared.Redact(sess.LastUserPrompt), 500),
		Completed: truncateRunes(shared.Redact(p.LastAssistantMessage), maxNarrativeRunes),
	}
}

// parseToolInput decodes a JSON object tool input. Non-object input yields nil.
func parseToolInput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
