package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskbroker/internal/breaker"
	"taskbroker/internal/command"
	"taskbroker/internal/progress"
	"taskbroker/internal/storage"
	"taskbroker/internal/streamacc"
	"taskbroker/pkg/config"
	"taskbroker/pkg/wire"
)

type fakeResolvingSender struct {
	mu   sync.Mutex
	sent []wire.Type
}

func (f *fakeResolvingSender) SendOrEnqueue(agentID string, frameType wire.Type, payload any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frameType)
	return false, nil
}

func (f *fakeResolvingSender) Broadcast(frameType wire.Type, payload any) error {
	return nil
}

func (f *fakeResolvingSender) ResolveAgent(preferred string) (string, bool) {
	return "agent-1", true
}

type fakeNotifier struct {
	mu     sync.Mutex
	posts  []string
	blocks []string
}

func (f *fakeNotifier) Post(ctx context.Context, channelID, threadTs, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return "msg-1", nil
}

func (f *fakeNotifier) PostBlocks(ctx context.Context, channelID, threadTs string, blocks []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, string(blocks))
	return "msg-2", nil
}

func (f *fakeNotifier) Edit(ctx context.Context, channelID, messageID, text string) error {
	return nil
}

func (f *fakeNotifier) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return nil
}

func (f *fakeNotifier) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return nil
}

func newTestRouter(t *testing.T) (*Router, *storage.Store, *fakeNotifier) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "router.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	streams := streamacc.New(time.Hour, func(string, string) {})
	tracker := progress.New(10, 8, time.Hour)
	br := breaker.New(config.DefaultBreakerConfig())
	notif := &fakeNotifier{}

	return New(store, streams, tracker, br, notif, nil), store, notif
}

func mustFrame(t *testing.T, typ wire.Type, payload any) wire.Frame {
	t.Helper()
	f, err := wire.Encode(typ, payload)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	return f
}

func TestRouterTaskAckTransitionsToRunning(t *testing.T) {
	r, store, _ := newTestRouter(t)
	p, err := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "a1", LocalPath: "/x", DefaultModel: "m"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	task, err := store.CreateTask(storage.Task{ProjectID: p.ID, BotName: "bot", Command: "run", Prompt: "x", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	r.HandleFrame("agent-1", mustFrame(t, wire.TypeTaskAck, wire.TaskAckPayload{TaskID: task.ID, Accepted: true}))

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
}

func TestRouterTaskCompleteNotifiesAndPersists(t *testing.T) {
	r, store, notif := newTestRouter(t)
	p, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "a1", LocalPath: "/x", DefaultModel: "m"})
	task, _ := store.CreateTask(storage.Task{ProjectID: p.ID, BotName: "bot", Command: "run", Prompt: "x", ChannelID: "C1", ChatUserID: "U1"})

	r.HandleFrame("agent-1", mustFrame(t, wire.TypeTaskAck, wire.TaskAckPayload{TaskID: task.ID, Accepted: true}))
	r.HandleFrame("agent-1", mustFrame(t, wire.TypeTaskComplete, wire.TaskCompletePayload{
		TaskID: task.ID, Result: "done", SessionID: "sess-1", InputTokens: 5, OutputTokens: 9,
	}))

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	if got.SessionID != "sess-1" {
		t.Errorf("expected session id persisted, got %q", got.SessionID)
	}
	sess, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.TaskID != task.ID {
		t.Errorf("expected session bound to task, got %q", sess.TaskID)
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.blocks) != 1 {
		t.Fatalf("expected one terminal block message, got %d", len(notif.blocks))
	}
}

func TestRouterAwaitDeployResultUnblocksOnFrame(t *testing.T) {
	r, _, _ := newTestRouter(t)

	resultCh := make(chan wire.DeployResultPayload, 1)
	go func() {
		res, err := r.AwaitDeployResult("req-1", time.Second)
		if err != nil {
			t.Errorf("AwaitDeployResult: %v", err)
			return
		}
		resultCh <- res
	}()

	time.Sleep(10 * time.Millisecond)
	r.HandleFrame("agent-1", mustFrame(t, wire.TypeDeployResult, wire.DeployResultPayload{RequestID: "req-1", Success: true}))

	select {
	case res := <-resultCh:
		if !res.Success {
			t.Error("expected success result")
		}
	case <-time.After(time.Second):
		t.Fatal("expected AwaitDeployResult to unblock")
	}
}

func TestRouterAwaitDeployResultTimesOut(t *testing.T) {
	r, _, _ := newTestRouter(t)
	_, err := r.AwaitDeployResult("req-missing", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRouterHandsOffPlanningCompletionToDecomposer(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "router-decompose.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	project, err := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	sender := &fakeResolvingSender{}
	br := breaker.New(config.DefaultBreakerConfig())
	cmd := command.New(store, sender, br, nil, time.Hour)

	planTask, err := cmd.SubmitWithDecomposition(context.Background(), command.SubmitRequest{
		ProjectID: project.ID, BotName: "bot", Prompt: "plan it", ChannelID: "C1", ChatUserID: "U1",
	})
	if err != nil {
		t.Fatalf("SubmitWithDecomposition: %v", err)
	}

	streams := streamacc.New(time.Hour, func(string, string) {})
	tracker := progress.New(10, 8, time.Hour)
	notif := &fakeNotifier{}
	r := New(store, streams, tracker, br, notif, cmd)

	if err := store.TransitionTaskStatus(planTask.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}

	result := "```json:subtasks\n" +
		`[{"title":"a","prompt":"step a","command":"run"},{"title":"b","prompt":"step b","command":"run"}]` +
		"\n```"
	r.HandleFrame("agent-1", mustFrame(t, wire.TypeTaskComplete, wire.TaskCompletePayload{
		TaskID: planTask.ID, Result: result,
	}))

	subs, err := store.ListSubtasks(planTask.ID)
	if err != nil {
		t.Fatalf("ListSubtasks: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subtasks dispatched from the planning result, got %d", len(subs))
	}
}

func TestRouterCompletesParentOnceAllSubtasksTerminal(t *testing.T) {
	r, store, notif := newTestRouter(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "a1", LocalPath: "/x", DefaultModel: "m"})
	parent, _ := store.CreateTask(storage.Task{ProjectID: project.ID, BotName: "bot", Command: "plan", Prompt: "p", ChannelID: "C1", ChatUserID: "U1"})
	if err := store.TransitionTaskStatus(parent.ID, storage.TaskStatusQueued); err != nil {
		t.Fatalf("queue parent: %v", err)
	}
	if err := store.TransitionTaskStatus(parent.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("run parent: %v", err)
	}

	sub1, _ := store.CreateTask(storage.Task{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "s1", ChannelID: "C1", ChatUserID: "U1", ParentTaskID: parent.ID})
	sub2, _ := store.CreateTask(storage.Task{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "s2", ChannelID: "C1", ChatUserID: "U1", ParentTaskID: parent.ID})

	for _, id := range []string{sub1.ID, sub2.ID} {
		if err := store.TransitionTaskStatus(id, storage.TaskStatusQueued); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
		if err := store.TransitionTaskStatus(id, storage.TaskStatusRunning); err != nil {
			t.Fatalf("run %s: %v", id, err)
		}
	}

	r.HandleFrame("a1", mustFrame(t, wire.TypeTaskComplete, wire.TaskCompletePayload{
		TaskID: sub1.ID, Result: "ok", EstimatedCost: 1.5, FilesChanged: []string{"a.go"},
	}))

	got, _ := store.GetTask(parent.ID)
	if got.IsTerminal() {
		t.Fatal("expected the parent to stay running until every subtask is terminal")
	}
	if len(got.FilesChanged) != 0 {
		t.Fatalf("expected no aggregation until every subtask is terminal, got %v", got.FilesChanged)
	}

	// One failed sibling still counts as terminal for the cascade.
	r.HandleFrame("a1", mustFrame(t, wire.TypeTaskError, wire.TaskErrorPayload{
		TaskID: sub2.ID, Error: "boom", SessionID: "sess-sub2",
	}))

	got, err := store.GetTask(parent.ID)
	if err != nil {
		t.Fatalf("GetTask parent: %v", err)
	}
	if got.Status != storage.TaskStatusCompleted {
		t.Errorf("expected the parent marked completed after the last sibling, got %s", got.Status)
	}
	if got.EstimatedCost != 1.5 {
		t.Errorf("expected aggregated cost 1.5, got %v", got.EstimatedCost)
	}
	if len(got.FilesChanged) != 1 {
		t.Errorf("expected the union of subtask files, got %v", got.FilesChanged)
	}

	failedSub, _ := store.GetTask(sub2.ID)
	if failedSub.SessionID != "sess-sub2" {
		t.Errorf("expected the failed subtask's session id preserved, got %q", failedSub.SessionID)
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	summaries := 0
	for _, b := range notif.blocks {
		if strings.Contains(b, "Subtasks finished") {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("expected exactly one subtask summary block, got %d", summaries)
	}
}
