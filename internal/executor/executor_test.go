package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeFakeCLI writes a shell script that emits the given stream-json lines
// to stdout and exits 0, standing in for the real coding-agent binary.
func writeFakeCLI(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += "printf '%s\\n' " + shellQuote(l) + "\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake CLI: %v", err)
	}
	return path
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func init() {
	continuationDelay = time.Millisecond
}

func TestRunCompletesOnResultEvent(t *testing.T) {
	bin := writeFakeCLI(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}],"usage":{"input_tokens":10,"output_tokens":4}}}`,
		`{"type":"tool_use","tool":{"name":"write_file","path":"main.go"}}`,
		`{"type":"result","result":{"summary":"done","session_id":"sess-1"}}`,
	)

	var streamed []string
	var steps []string
	ex := New()
	res := ex.Run(context.Background(), Request{
		TaskID:  "t1",
		Binary:  bin,
		WorkDir: t.TempDir(),
		Prompt:  "do the thing",
		OnStream: func(delta string) {
			streamed = append(streamed, delta)
		},
		OnProgress: func(stepType, msg string) {
			steps = append(steps, stepType+":"+msg)
		},
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Signal != SignalDone {
		t.Errorf("expected done signal, got %s", res.Signal)
	}
	if res.SessionID != "sess-1" {
		t.Errorf("expected session id sess-1, got %s", res.SessionID)
	}
	if res.InputTokens != 10 || res.OutputTokens != 4 {
		t.Errorf("expected usage 10/4, got %d/%d", res.InputTokens, res.OutputTokens)
	}
	if len(streamed) != 1 || streamed[0] != "working on it" {
		t.Errorf("expected one streamed chunk, got %v", streamed)
	}
	if len(steps) != 1 {
		t.Errorf("expected one progress step, got %v", steps)
	}
}

func TestRunStopsAtMaxTurnsWithZeroContinuationBudget(t *testing.T) {
	bin := writeFakeCLI(t,
		`{"type":"result","result":{"summary":"partial","session_id":"sess-2","is_error":true,"result":"error_max_turns"}}`,
	)

	ex := New()
	res := ex.Run(context.Background(), Request{
		TaskID:                "t2",
		Binary:                bin,
		WorkDir:               t.TempDir(),
		Prompt:                "do it",
		MaxContinuations:      0,
		MaxTurnsPerInvocation: 50,
	})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Signal != SignalDone {
		t.Errorf("expected done once continuation budget is exhausted, got %s", res.Signal)
	}
	if !res.ExhaustedTurns {
		t.Error("expected ExhaustedTurns=true when the budget runs out")
	}
	if res.Invocations != 1 {
		t.Errorf("expected 1 invocation (MaxContinuations=0), got %d", res.Invocations)
	}
	if res.SessionID != "sess-2" {
		t.Errorf("expected session id preserved, got %s", res.SessionID)
	}
}

func TestRunAutoContinuationExhaustion(t *testing.T) {
	line := `{"type":"result","result":{"summary":"partial","session_id":"sess-3","is_error":true,"result":"error_max_turns"}}`
	bin := writeFakeCLI(t, line)

	ex := New()
	res := ex.Run(context.Background(), Request{
		TaskID:                "t5",
		Binary:                bin,
		WorkDir:               t.TempDir(),
		Prompt:                "do it",
		MaxContinuations:      2,
		MaxTurnsPerInvocation: 50,
	})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Invocations != 3 {
		t.Errorf("expected 3 invocations (2 continuations), got %d", res.Invocations)
	}
	if res.Continuations != 2 {
		t.Errorf("expected 2 continuations, got %d", res.Continuations)
	}
	if !res.ExhaustedTurns {
		t.Error("expected ExhaustedTurns=true")
	}
	if res.SessionID != "sess-3" {
		t.Errorf("expected session id preserved across continuations, got %s", res.SessionID)
	}
}

func TestRunReportsErrorEvent(t *testing.T) {
	bin := writeFakeCLI(t,
		`{"type":"error","error":{"message":"boom"}}`,
	)

	ex := New()
	res := ex.Run(context.Background(), Request{
		TaskID:  "t3",
		Binary:  bin,
		WorkDir: t.TempDir(),
		Prompt:  "do it",
	})
	if res.Err == nil {
		t.Fatal("expected error result")
	}
	if res.Signal != SignalError {
		t.Errorf("expected error signal, got %s", res.Signal)
	}
}

func TestRunTimesOutWhenTotalTimeoutExceeded(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/slow.sh"
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 2\n"), 0o755); err != nil {
		t.Fatalf("write slow script: %v", err)
	}

	ex := New()
	res := ex.Run(context.Background(), Request{
		TaskID:       "t4",
		Binary:       path,
		WorkDir:      t.TempDir(),
		Prompt:       "do it",
		TotalTimeout: 50 * time.Millisecond,
	})
	if res.Err == nil {
		t.Fatal("expected timeout error")
	}
	if res.Signal != SignalTimeout {
		t.Errorf("expected timeout signal, got %s", res.Signal)
	}
}
