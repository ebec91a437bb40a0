package command

import (
	"encoding/json"
	"regexp"
)

// SubtaskSpec is one child task a planning-parent result decomposes the
// original request into.
type SubtaskSpec struct {
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	Command string `json:"command"`
}

// fencedSubtasksRE matches a ```json:subtasks ... ``` fenced block, the
// strict form the planning bot is instructed to emit.
var fencedSubtasksRE = regexp.MustCompile("(?s)```json:subtasks\\s*\\n(.*?)```")

// jsonArrayRE finds candidate bare JSON arrays anywhere in free text, the
// fallback form when no fenced block is present.
var jsonArrayRE = regexp.MustCompile(`(?s)\[.*?\]`)

// parseSubtasks extracts the subtask list a planning parent's result
// describes. It prefers a fenced "json:subtasks" block; failing that, it
// scans the text for any bare JSON array whose objects all carry the
// required title/prompt/command keys, rejecting arrays that don't. An
// empty return means the caller should fall back to a direct submit of
// the original prompt.
func parseSubtasks(result string) []SubtaskSpec {
	if m := fencedSubtasksRE.FindStringSubmatch(result); m != nil {
		if specs, ok := decodeSubtaskArray(m[1]); ok {
			return specs
		}
	}

	for _, candidate := range jsonArrayRE.FindAllString(result, -1) {
		if specs, ok := decodeSubtaskArray(candidate); ok && len(specs) > 0 {
			return specs
		}
	}
	return nil
}

func decodeSubtaskArray(raw string) ([]SubtaskSpec, bool) {
	var specs []SubtaskSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, false
	}
	if len(specs) == 0 {
		return nil, false
	}
	for _, s := range specs {
		if s.Title == "" || s.Prompt == "" || s.Command == "" {
			return nil, false
		}
	}
	return specs, true
}
