package command

import "testing"

func TestParseSubtasksFencedBlock(t *testing.T) {
	result := "Here's my plan:\n```json:subtasks\n" +
		`[{"title":"a","prompt":"do a","command":"run"},{"title":"b","prompt":"do b","command":"run"}]` +
		"\n```\nLet me know if that works."

	specs := parseSubtasks(result)
	if len(specs) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(specs))
	}
	if specs[0].Title != "a" || specs[1].Prompt != "do b" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestParseSubtasksBareArrayFallback(t *testing.T) {
	result := `I'll do: [{"title":"a","prompt":"do a","command":"run"}]`
	specs := parseSubtasks(result)
	if len(specs) != 1 {
		t.Fatalf("expected 1 subtask, got %d", len(specs))
	}
}

func TestParseSubtasksRejectsMissingKeys(t *testing.T) {
	result := `[{"title":"a","prompt":"do a"}]`
	specs := parseSubtasks(result)
	if len(specs) != 0 {
		t.Fatalf("expected objects missing required keys to be rejected, got %+v", specs)
	}
}

func TestParseSubtasksNoneFound(t *testing.T) {
	specs := parseSubtasks("this is just prose with no structure at all")
	if specs != nil {
		t.Fatalf("expected nil for unparseable text, got %+v", specs)
	}
}
