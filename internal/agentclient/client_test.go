package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskbroker/pkg/config"
	"taskbroker/pkg/wire"
)

// fakeBroker is a minimal test double for the gateway: it upgrades one
// connection, lets the test push frames in, and records frames the agent
// sends back.
type fakeBroker struct {
	upgrader websocket.Upgrader
	conn     *websocket.Conn
	recv     chan wire.Frame
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{recv: make(chan wire.Frame, 64)}
}

func (f *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conn = conn
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wire.Frame
			if json.Unmarshal(data, &frame) == nil {
				f.recv <- frame
			}
		}
	}()
}

func (f *fakeBroker) send(t *testing.T, typ wire.Type, payload any) {
	t.Helper()
	frame, err := wire.Encode(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(frame)
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func writeFakeAgentCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n" +
		`printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'` + "\n" +
		`printf '%s\n' '{"type":"result","result":{"summary":"done","session_id":"s1"}}'` + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientRunsTaskSubmitEndToEnd(t *testing.T) {
	broker := newFakeBroker()
	srv := httptest.NewServer(broker)
	defer srv.Close()

	cfg := config.AgentConfig{
		AgentID:               "a1",
		BrokerURL:             srv.URL,
		CodingAgentBin:        writeFakeAgentCLI(t),
		AttachmentsDir:        t.TempDir(),
		MaxTurnsPerInvocation: 50,
		InvocationTimeout:     5 * time.Second,
	}
	c := New(cfg, "test-key")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.runOnce(ctx)
	}()

	waitForConn(t, broker)
	broker.send(t, wire.TypeTaskSubmit, wire.TaskSubmitPayload{
		TaskID:    "t1",
		LocalPath: t.TempDir(),
		Prompt:    "do it",
	})

	var gotComplete bool
	deadline := time.After(3 * time.Second)
	for !gotComplete {
		select {
		case frame := <-broker.recv:
			if frame.Type == wire.TypeTaskComplete {
				var p wire.TaskCompletePayload
				if err := frame.Decode(&p); err != nil {
					t.Fatal(err)
				}
				if p.Result != "done" {
					t.Errorf("expected result 'done', got %q", p.Result)
				}
				gotComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for task-complete")
		}
	}
}

func waitForConn(t *testing.T, b *fakeBroker) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for b.conn == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for agent to connect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
