package command

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskbroker/internal/breaker"
	"taskbroker/internal/storage"
	"taskbroker/pkg/config"
	"taskbroker/pkg/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []wire.Type
	payloads  []any
	broadcast []wire.Type
	offline   map[string]bool
}

func (f *fakeSender) SendOrEnqueue(agentID string, frameType wire.Type, payload any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frameType)
	f.payloads = append(f.payloads, payload)
	return f.offline[agentID], nil
}

func (f *fakeSender) Broadcast(frameType wire.Type, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, frameType)
	return nil
}

func (f *fakeSender) ResolveAgent(preferred string) (string, bool) {
	if preferred == wire.AutoAgentID {
		return "agent-1", true
	}
	f.mu.Lock()
	offline := f.offline[preferred]
	f.mu.Unlock()
	return preferred, !offline
}

func newTestService(t *testing.T) (*Service, *storage.Store, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "cmd.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{offline: map[string]bool{}}
	br := breaker.New(config.DefaultBreakerConfig())
	return New(store, sender, br, nil, time.Hour), store, sender
}

func TestSubmitCreatesAndDispatchesTask(t *testing.T) {
	svc, store, sender := newTestService(t)
	project, err := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "sonnet"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	task, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "do it", ChannelID: "C1", ChatUserID: "U1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusQueued {
		t.Errorf("expected queued status, got %s", got.Status)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != wire.TypeTaskSubmit {
		t.Errorf("expected one task-submit dispatch, got %v", sender.sent)
	}
}

func TestResubmitRequiresTerminalTask(t *testing.T) {
	svc, store, _ := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	task, err := svc.Submit(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "p", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := svc.Resubmit(context.Background(), task.ID); err == nil {
		t.Fatal("expected resubmit of a non-terminal task to fail")
	}

	if err := store.TransitionTaskStatus(task.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := store.FailTask(task.ID, "boom", "", false); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	next, err := svc.Resubmit(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if next.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", next.RetryCount)
	}
}

func TestCancelRejectsTerminalTask(t *testing.T) {
	svc, store, _ := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	task, err := svc.Submit(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "p", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := store.TransitionTaskStatus(task.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.CompleteTask(task.ID, "ok", "", 0, 0, 0, nil, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if err := svc.Cancel(context.Background(), task.ID, "user asked", "U1"); err == nil {
		t.Fatal("expected cancel of terminal task to fail")
	}
}

func TestSubmitWithDecompositionCreatesPlanningParent(t *testing.T) {
	svc, store, _ := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})

	parent, err := svc.SubmitWithDecomposition(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Prompt: "plan it", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("SubmitWithDecomposition: %v", err)
	}
	if parent.Command != "plan" {
		t.Errorf("expected planning command, got %s", parent.Command)
	}
	if parent.MaxBudget != decomposePlanningBudget {
		t.Errorf("expected planning budget %v, got %v", decomposePlanningBudget, parent.MaxBudget)
	}

	got, err := store.GetTask(parent.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusQueued {
		t.Errorf("expected planning task queued, got %s", got.Status)
	}
}

func TestHandleDecompositionCompleteFansOutSubtasks(t *testing.T) {
	svc, store, sender := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	parent, err := svc.SubmitWithDecomposition(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Prompt: "plan it", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("SubmitWithDecomposition: %v", err)
	}

	result := "```json:subtasks\n" +
		`[{"title":"one","prompt":"step 1","command":"run"},{"title":"two","prompt":"step 2","command":"run"}]` +
		"\n```"
	if err := store.TransitionTaskStatus(parent.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.CompleteTask(parent.ID, result, "", 0, 0, 0, nil, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	subs, err := svc.HandleDecompositionComplete(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("HandleDecompositionComplete: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(subs))
	}
	for _, sub := range subs {
		if sub.ParentTaskID != parent.ID {
			t.Errorf("expected subtask parent %s, got %s", parent.ID, sub.ParentTaskID)
		}
	}

	listed, err := store.ListSubtasks(parent.ID)
	if err != nil {
		t.Fatalf("ListSubtasks: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("expected 2 listed subtasks, got %d", len(listed))
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 3 { // parent submit + 2 subtask submits
		t.Errorf("expected 3 dispatches, got %d", len(sender.sent))
	}
}

func TestHandleDecompositionCompleteFallsBackWithoutSubtasks(t *testing.T) {
	svc, store, _ := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	parent, err := svc.SubmitWithDecomposition(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Prompt: "plan it", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("SubmitWithDecomposition: %v", err)
	}

	if err := store.TransitionTaskStatus(parent.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.CompleteTask(parent.ID, "just some prose, no subtasks here", "", 0, 0, 0, nil, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	subs, err := svc.HandleDecompositionComplete(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("HandleDecompositionComplete: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected exactly one fallback direct-submit task, got %d", len(subs))
	}
	if subs[0].Prompt != parent.Prompt {
		t.Errorf("expected fallback to reuse the original prompt, got %q", subs[0].Prompt)
	}
	if subs[0].ParentTaskID != parent.ID {
		t.Errorf("expected fallback task linked to parent for terminal cascade")
	}
	if subs[0].Command == "plan" {
		t.Error("a fallback child must never be a planning task, it would decompose forever")
	}
	if subs[0].Command != "run" {
		t.Errorf("expected fallback to run the default execution command, got %q", subs[0].Command)
	}
}

func TestSubmitWithDecompositionPreservesOriginalCommand(t *testing.T) {
	svc, store, _ := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})

	parent, err := svc.SubmitWithDecomposition(context.Background(), SubmitRequest{
		ProjectID: project.ID, BotName: "bot", Command: "feature", Prompt: "plan it", ChannelID: "C1", ChatUserID: "U1",
	})
	if err != nil {
		t.Fatalf("SubmitWithDecomposition: %v", err)
	}
	if parent.PlanCommand != "feature" {
		t.Fatalf("expected the original command preserved on the planning parent, got %q", parent.PlanCommand)
	}

	if err := store.TransitionTaskStatus(parent.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	result := "```json:subtasks\n" +
		`[{"title":"a","prompt":"step a","command":"plan"}]` + // a child claiming "plan" is coerced
		"\n```"
	if err := store.RecordPlanResult(parent.ID, result, "", 0, 0, 0); err != nil {
		t.Fatalf("RecordPlanResult: %v", err)
	}

	subs, err := svc.HandleDecompositionComplete(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("HandleDecompositionComplete: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subtask, got %d", len(subs))
	}
	if subs[0].Command != "feature" {
		t.Errorf("expected the child to inherit the original execution command, got %q", subs[0].Command)
	}
}

func TestCancelCascadesToNonTerminalSubtasks(t *testing.T) {
	svc, store, sender := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	parent, err := svc.Submit(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "p", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sub1, err := store.CreateTask(storage.Task{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "s1", ChannelID: "C1", ChatUserID: "U1", ParentTaskID: parent.ID})
	if err != nil {
		t.Fatalf("CreateTask sub1: %v", err)
	}
	sub2, err := store.CreateTask(storage.Task{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "s2", ChannelID: "C1", ChatUserID: "U1", ParentTaskID: parent.ID})
	if err != nil {
		t.Fatalf("CreateTask sub2: %v", err)
	}
	if err := store.TransitionTaskStatus(sub2.ID, storage.TaskStatusQueued); err != nil {
		t.Fatalf("transition sub2 to queued: %v", err)
	}
	if err := store.TransitionTaskStatus(sub2.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition sub2 to running: %v", err)
	}
	if err := store.CompleteTask(sub2.ID, "done", "", 0, 0, 0, nil, nil); err != nil {
		t.Fatalf("complete sub2: %v", err)
	}

	if err := svc.Cancel(context.Background(), parent.ID, "stop everything", "U1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	gotParent, _ := store.GetTask(parent.ID)
	if gotParent.Status != storage.TaskStatusCancelled {
		t.Errorf("expected parent cancelled, got %s", gotParent.Status)
	}
	got1, _ := store.GetTask(sub1.ID)
	if got1.Status != storage.TaskStatusCancelled {
		t.Errorf("expected pending subtask cancelled, got %s", got1.Status)
	}
	got2, _ := store.GetTask(sub2.ID)
	if got2.Status != storage.TaskStatusCompleted {
		t.Errorf("expected the already-terminal subtask untouched, got %s", got2.Status)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.broadcast) != 2 {
		t.Errorf("expected cancel broadcast for parent and the one non-terminal subtask, got %d", len(sender.broadcast))
	}
}

func TestResubmitResumesPriorSession(t *testing.T) {
	svc, store, sender := newTestService(t)
	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/srv/demo", DefaultModel: "m"})
	task, err := svc.Submit(context.Background(), SubmitRequest{ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "p", ChannelID: "C1", ChatUserID: "U1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := store.TransitionTaskStatus(task.ID, storage.TaskStatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.FailTask(task.ID, "boom", "sess-42", false); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	if _, err := svc.Resubmit(context.Background(), task.ID); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	last, ok := sender.payloads[len(sender.payloads)-1].(wire.TaskSubmitPayload)
	if !ok {
		t.Fatalf("expected a task-submit payload, got %T", sender.payloads[len(sender.payloads)-1])
	}
	if last.ResumeSessionID != "sess-42" {
		t.Errorf("expected resubmit to resume session sess-42, got %q", last.ResumeSessionID)
	}
	if last.LocalPath != "/srv/demo" {
		t.Errorf("expected the project's local path in the frame, got %q", last.LocalPath)
	}
}

type fakeChatNotifier struct {
	mu        sync.Mutex
	posts     []string
	reactions []string
}

func (f *fakeChatNotifier) Post(ctx context.Context, channelID, threadTs, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return "msg-1", nil
}

func (f *fakeChatNotifier) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func TestSubmitToOfflineAgentReportsQueued(t *testing.T) {
	svc, store, sender := newTestService(t)
	notif := &fakeChatNotifier{}
	svc.SetNotifier(notif)

	project, _ := store.CreateProject(storage.Project{Name: "demo", ChannelID: "C1", AgentID: "agent-1", LocalPath: "/x", DefaultModel: "m"})
	sender.mu.Lock()
	sender.offline["agent-1"] = true
	sender.mu.Unlock()

	task, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: project.ID, BotName: "bot", Command: "run", Prompt: "p",
		ChannelID: "C1", ChatUserID: "U1", ChatMessageID: "M1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := store.GetTask(task.ID)
	if got.Status != storage.TaskStatusQueued {
		t.Errorf("expected queued status, got %s", got.Status)
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	if len(notif.reactions) != 1 || notif.reactions[0] != "inbox_tray" {
		t.Errorf("expected inbox_tray reaction, got %v", notif.reactions)
	}
	if len(notif.posts) != 1 {
		t.Errorf("expected one queued notice, got %v", notif.posts)
	}
}
