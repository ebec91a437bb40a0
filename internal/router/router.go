// Package router dispatches inbound agent->broker frames to the
// components that own each piece of task state. It implements
// gateway.FrameHandler: a switch on the frame's string-enum Type selects
// the handler, which decodes the per-type payload struct and applies the
// state transition and chat-surface effects that frame calls for. One bad
// frame is logged and dropped; the read loop is never poisoned.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskbroker/internal/breaker"
	"taskbroker/internal/command"
	"taskbroker/internal/progress"
	"taskbroker/internal/storage"
	"taskbroker/internal/streamacc"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/wire"
)

// Reaction emoji used to give a task's originating chat message a
// glanceable status indicator.
const (
	reactionRunning   = "hourglass_flowing_sand"
	reactionCompleted = "white_check_mark"
	reactionFailed    = "x"
	reactionCancelled = "no_entry_sign"
)

// TaskCompleteFunc is invoked once a task reaches a terminal state, used by
// the sync orchestrator to advance its workflow stages without polling.
type TaskCompleteFunc func(taskID string, success bool)

// Router dispatches frames received from agents to storage, the stream
// accumulator, the progress tracker, the circuit breaker, and the
// notifier, and fans deploy/path-validate results back to whichever
// goroutine is awaiting them.
type Router struct {
	store    *storage.Store
	streams  *streamacc.Accumulator
	progress *progress.Tracker
	breaker  *breaker.Breaker
	notif    Notifier
	cmd      *command.Service
	logger   *logx.Logger

	mu            sync.Mutex
	pendingDeploy map[string]chan wire.DeployResultPayload
	pendingPath   map[string]chan wire.PathValidateResultPayload
	streamMsgIDs  map[string]string

	listenersMu sync.Mutex
	listeners   []TaskCompleteFunc

	tracer trace.Tracer
}

// SetTracer installs the tracer used to wrap each inbound frame in a span.
// Optional: a nil tracer (the zero value) leaves HandleFrame untraced,
// which is what package-local tests get by constructing Router via New.
func (r *Router) SetTracer(tracer trace.Tracer) {
	r.tracer = tracer
}

// Notifier is the subset of internal/notifier.Notifier the router needs,
// expressed as an interface so tests can stub it out.
type Notifier interface {
	Post(ctx context.Context, channelID, threadTs, text string) (string, error)
	PostBlocks(ctx context.Context, channelID, threadTs string, blocks []byte) (string, error)
	Edit(ctx context.Context, channelID, messageID, text string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// New creates a Router wired to its dependent components. cmd may be nil in
// tests that don't exercise the decomposition handoff.
func New(store *storage.Store, streams *streamacc.Accumulator, progressTracker *progress.Tracker, br *breaker.Breaker, notif Notifier, cmd *command.Service) *Router {
	return &Router{
		store:         store,
		streams:       streams,
		progress:      progressTracker,
		breaker:       br,
		notif:         notif,
		cmd:           cmd,
		logger:        logx.NewLogger("router"),
		pendingDeploy: make(map[string]chan wire.DeployResultPayload),
		pendingPath:   make(map[string]chan wire.PathValidateResultPayload),
		streamMsgIDs:  make(map[string]string),
		tracer:        otel.Tracer("taskbroker/router"),
	}
}

// OnTaskComplete registers fn to be called whenever a task reaches a
// terminal state, without the caller polling task status.
func (r *Router) OnTaskComplete(fn TaskCompleteFunc) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Router) notifyListeners(taskID string, success bool) {
	r.listenersMu.Lock()
	listeners := make([]TaskCompleteFunc, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(taskID, success)
	}
}

// HandleFrame implements gateway.FrameHandler. Each inbound frame is
// wrapped in a span tagged with its type and originating agent, so the
// per-frame latency and any domain error recorded on the span line up
// with the chat-visible effects the frame triggers.
func (r *Router) HandleFrame(agentID string, frame wire.Frame) {
	_, span := r.tracer.Start(context.Background(), "router.handle_frame",
		trace.WithAttributes(
			attribute.String("frame.type", string(frame.Type)),
			attribute.String("agent.id", agentID),
		))
	defer span.End()

	r.dispatchFrame(agentID, frame)
}

func (r *Router) dispatchFrame(agentID string, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeTaskAck:
		r.handleTaskAck(frame)
	case wire.TypeTaskProgress:
		r.handleTaskProgress(frame)
	case wire.TypeTaskStream:
		r.handleTaskStream(frame)
	case wire.TypeTaskComplete:
		r.handleTaskComplete(agentID, frame)
	case wire.TypeTaskError:
		r.handleTaskError(agentID, frame)
	case wire.TypeTaskCancelled:
		r.handleTaskCancelled(frame)
	case wire.TypeDeployResult:
		r.handleDeployResult(frame)
	case wire.TypePathValidateRes:
		r.handlePathValidateResult(frame)
	case wire.TypeAgentStatus:
		r.handleAgentStatus(agentID, frame)
	default:
		r.logger.Warn("unrecognized frame type %q from %s", frame.Type, agentID)
	}
}

func (r *Router) handleTaskAck(frame wire.Frame) {
	var p wire.TaskAckPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-ack: %v", err)
		return
	}
	if !p.Accepted {
		if err := r.store.FailTask(p.TaskID, p.Reason, "", false); err != nil {
			r.logger.Error("fail task %s after rejected ack: %v", p.TaskID, err)
			return
		}
		r.setReaction(p.TaskID, "", reactionFailed)
		r.notifyTerminal(p.TaskID, fmt.Sprintf("❌ Agent rejected the task: %s", p.Reason))
		return
	}
	if err := r.store.TransitionTaskStatus(p.TaskID, storage.TaskStatusRunning); err != nil {
		r.logger.Error("transition task %s to running: %v", p.TaskID, err)
	}
	r.setReaction(p.TaskID, "", reactionRunning)
}

func (r *Router) handleTaskProgress(frame wire.Frame) {
	var p wire.TaskProgressPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-progress: %v", err)
		return
	}
	// Only tool_use steps feed the consolidated progress message; info
	// progress is operator noise, not user-facing work.
	if p.Type != wire.ProgressToolUse {
		r.logger.Debug("task %s progress: %s", p.TaskID, p.Message)
		return
	}
	r.progress.Record(p.TaskID, progress.Step{
		Type:      string(p.Type),
		Message:   p.Message,
		Timestamp: time.UnixMilli(p.Timestamp),
	})
	r.flushProgressMessage(p.TaskID)
}

// flushProgressMessage posts (once) or edits (thereafter) a single chat
// message summarizing a task's recent tool-use steps, per the "post once,
// update many" discipline.
func (r *Router) flushProgressMessage(taskID string) {
	steps := r.progress.Recent(taskID)
	if len(steps) == 0 {
		return
	}
	task, err := r.store.GetTask(taskID)
	if err != nil {
		r.logger.Error("load task %s for progress message: %v", taskID, err)
		return
	}

	text := formatSteps(steps)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if msgID, ok := r.progress.MessageID(taskID); ok {
		if err := r.notif.Edit(ctx, task.ChannelID, msgID, text); err != nil {
			r.logger.Error("update progress message for task %s: %v", taskID, err)
		}
		return
	}

	id, err := r.notif.Post(ctx, task.ChannelID, task.ThreadTs, text)
	if err != nil {
		r.logger.Error("post progress message for task %s: %v", taskID, err)
		return
	}
	r.progress.SetMessageID(taskID, id)
}

// formatSteps renders the rolling step list: finished steps get a check,
// the most recent one an hourglass since it is still in flight.
func formatSteps(steps []progress.Step) string {
	out := "Working:\n"
	for i, s := range steps {
		icon := "✅"
		if i == len(steps)-1 {
			icon = "⏳"
		}
		out += fmt.Sprintf("%s %s\n", icon, s.Message)
	}
	return out
}

func (r *Router) handleTaskStream(frame wire.Frame) {
	var p wire.TaskStreamPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-stream: %v", err)
		return
	}
	r.streams.Append(p.TaskID, p.Delta)
}

// handleStreamFlush is passed to streamacc.New as its FlushFunc. It posts
// the task's output text once and edits that same message on every
// subsequent flush, rather than spamming a new message per tick.
func (r *Router) handleStreamFlush(taskID, text string) {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		r.logger.Error("load task %s for stream flush: %v", taskID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r.mu.Lock()
	msgID, ok := r.streamMsgIDs[taskID]
	r.mu.Unlock()

	if ok {
		if err := r.notif.Edit(ctx, task.ChannelID, msgID, text); err != nil {
			r.logger.Error("update stream message for task %s: %v", taskID, err)
		}
		return
	}

	id, err := r.notif.Post(ctx, task.ChannelID, task.ThreadTs, text)
	if err != nil {
		r.logger.Error("post stream message for task %s: %v", taskID, err)
		return
	}
	r.mu.Lock()
	r.streamMsgIDs[taskID] = id
	r.mu.Unlock()
}

func (r *Router) forgetStreamMessage(taskID string) {
	r.mu.Lock()
	delete(r.streamMsgIDs, taskID)
	r.mu.Unlock()
}

func (r *Router) handleTaskComplete(agentID string, frame wire.Frame) {
	var p wire.TaskCompletePayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-complete: %v", err)
		return
	}
	// Flush any pending stream text and drop the buffer before any terminal
	// message goes out, so a late flush can never overwrite the terminal
	// block.
	r.streams.FlushNow(p.TaskID)
	r.progress.Forget(p.TaskID)
	r.forgetStreamMessage(p.TaskID)
	r.breaker.RecordSuccess(agentID)

	task, err := r.store.GetTask(p.TaskID)
	if err != nil {
		r.logger.Error("load completed task %s: %v", p.TaskID, err)
		return
	}

	r.recordSession(agentID, p.TaskID, p.SessionID, p.InputTokens, p.OutputTokens, p.EstimatedCost, p.DurationMs)

	// A planning parent's "completion" is the start of its real work: its
	// result is expanded into subtasks, and the parent is only marked
	// completed once the last subtask reaches a terminal state.
	if task.Command == "plan" && r.cmd != nil {
		if err := r.store.RecordPlanResult(p.TaskID, p.Result, p.SessionID, p.InputTokens, p.OutputTokens, p.EstimatedCost); err != nil {
			r.logger.Error("record plan result for %s: %v", p.TaskID, err)
			return
		}
		if err := r.store.AppendAudit("task.plan.complete", "task", p.TaskID, "", ""); err != nil {
			r.logger.Error("append audit for plan %s: %v", p.TaskID, err)
		}
		if _, err := r.cmd.HandleDecompositionComplete(context.Background(), p.TaskID); err != nil {
			r.logger.Error("handle decomposition complete for %s: %v", p.TaskID, err)
		}
		r.notifyListeners(p.TaskID, true)
		return
	}

	if err := r.store.CompleteTask(p.TaskID, p.Result, p.SessionID, p.InputTokens, p.OutputTokens, p.EstimatedCost, p.FilesChanged, p.CommandsRun); err != nil {
		r.logger.Error("complete task %s: %v", p.TaskID, err)
		return
	}
	if err := r.store.AppendAudit("task.complete", "task", p.TaskID, "", fmt.Sprintf("cost=%.4f", p.EstimatedCost)); err != nil {
		r.logger.Error("append audit for completed task %s: %v", p.TaskID, err)
	}

	if task.ParentTaskID == "" {
		r.setReaction(p.TaskID, reactionRunning, reactionCompleted)
	}
	r.postCompletionBlocks(task, p)
	r.cascadeParentCompletion(task)
	r.notifyListeners(p.TaskID, true)
}

func (r *Router) handleTaskError(agentID string, frame wire.Frame) {
	var p wire.TaskErrorPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-error: %v", err)
		return
	}
	r.streams.FlushNow(p.TaskID)
	r.progress.Forget(p.TaskID)
	r.forgetStreamMessage(p.TaskID)
	r.breaker.RecordFailure(agentID)

	// The session id is persisted even on failure so the session can be
	// resumed, before any user-visible terminal message goes out.
	if err := r.store.FailTask(p.TaskID, p.Error, p.SessionID, false); err != nil {
		r.logger.Error("fail task %s: %v", p.TaskID, err)
		return
	}
	r.recordSession(agentID, p.TaskID, p.SessionID, 0, 0, 0, 0)
	if err := r.store.AppendAudit("task.error", "task", p.TaskID, "", p.Error); err != nil {
		r.logger.Error("append audit for failed task %s: %v", p.TaskID, err)
	}

	task, err := r.store.GetTask(p.TaskID)
	if err != nil {
		r.logger.Error("load failed task %s: %v", p.TaskID, err)
	}

	if err != nil || task.ParentTaskID == "" {
		r.setReaction(p.TaskID, reactionRunning, reactionFailed)
	}
	r.notifyTerminal(p.TaskID, fmt.Sprintf("❌ Task failed: %s", p.Error))
	if err == nil {
		r.cascadeParentCompletion(task)
	}
	r.notifyListeners(p.TaskID, false)
}

// recordSession upserts the durable session row for a terminal frame that
// carried a session id, so resume stays possible and usage accumulates per
// session across continuations and resubmits.
func (r *Router) recordSession(agentID, taskID, sessionID string, inputTokens, outputTokens int64, cost float64, durationMs int64) {
	if sessionID == "" {
		return
	}
	if err := r.store.UpsertSession(storage.Session{
		ID:            sessionID,
		TaskID:        taskID,
		AgentID:       agentID,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: cost,
		DurationMs:    durationMs,
	}); err != nil {
		r.logger.Error("upsert session %s for task %s: %v", sessionID, taskID, err)
	}
}

func (r *Router) handleTaskCancelled(frame wire.Frame) {
	var p wire.TaskCancelledPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode task-cancelled: %v", err)
		return
	}
	r.streams.FlushNow(p.TaskID)
	r.progress.Forget(p.TaskID)
	r.forgetStreamMessage(p.TaskID)
	if err := r.store.TransitionTaskStatus(p.TaskID, storage.TaskStatusCancelled); err != nil {
		r.logger.Error("mark task %s cancelled: %v", p.TaskID, err)
		return
	}
	if err := r.store.AppendAudit("task.cancelled", "task", p.TaskID, "", p.Reason); err != nil {
		r.logger.Error("append audit for cancelled task %s: %v", p.TaskID, err)
	}

	task, err := r.store.GetTask(p.TaskID)
	if err != nil {
		r.logger.Error("load cancelled task %s: %v", p.TaskID, err)
	}

	r.setReaction(p.TaskID, reactionRunning, reactionCancelled)
	if err == nil {
		r.cascadeParentCompletion(task)
	}
	r.notifyListeners(p.TaskID, false)
}

// cascadeParentCompletion fires when a subtask reaches a terminal state:
// once the last sibling is terminal, it rolls cost and the union of
// touched files up onto the parent, marks the parent completed, and posts
// the subtask summary block.
func (r *Router) cascadeParentCompletion(task storage.Task) {
	if task.ParentTaskID == "" {
		return
	}
	siblings, err := r.store.ListSubtasks(task.ParentTaskID)
	if err != nil {
		r.logger.Error("list subtasks of %s for aggregation: %v", task.ParentTaskID, err)
		return
	}
	var completed, failed int
	for _, sib := range siblings {
		switch sib.Status {
		case storage.TaskStatusCompleted:
			completed++
		case storage.TaskStatusFailed, storage.TaskStatusCancelled:
			failed++
		default:
			return
		}
	}

	var totalCost float64
	filesSeen := map[string]bool{}
	var files []string
	for _, sib := range siblings {
		totalCost += sib.EstimatedCost
		for _, f := range sib.FilesChanged {
			if !filesSeen[f] {
				filesSeen[f] = true
				files = append(files, f)
			}
		}
	}

	// Two last siblings can terminate concurrently, their frames arriving on
	// independent connection readers; the transactional completion decides a
	// single winner so the rollup is written and the summary posted once.
	won, err := r.store.CompleteParentWithAggregates(task.ParentTaskID, totalCost, files)
	if err != nil {
		r.logger.Error("complete parent %s with aggregates: %v", task.ParentTaskID, err)
		return
	}
	if !won {
		return
	}

	parent, err := r.store.GetTask(task.ParentTaskID)
	if err != nil {
		r.logger.Error("load parent %s after completion: %v", task.ParentTaskID, err)
		return
	}
	if err := r.store.AppendAudit("task.parent.completed", "task", parent.ID, "",
		fmt.Sprintf("subtasks=%d completed=%d failed=%d cost=%.4f", len(siblings), completed, failed, totalCost)); err != nil {
		r.logger.Error("append audit for parent %s: %v", parent.ID, err)
	}
	r.setReaction(parent.ID, reactionRunning, reactionCompleted)
	r.postSummaryBlocks(parent, len(siblings), completed, failed, totalCost, files)
}

// postSummaryBlocks posts the aggregate outcome of a decomposed task's
// subtask fan-out into the originating thread.
func (r *Router) postSummaryBlocks(parent storage.Task, total, completed, failed int, cost float64, files []string) {
	text := fmt.Sprintf("*Subtasks finished* - %d of %d completed", completed, total)
	if failed > 0 {
		text += fmt.Sprintf(", %d failed", failed)
	}
	text += fmt.Sprintf("\nTotal cost: $%.4f", cost)
	if len(files) > 0 {
		text += fmt.Sprintf("\nFiles changed: %d", len(files))
	}
	blocks := sectionBlocks(text)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.notif.PostBlocks(ctx, parent.ChannelID, parent.ThreadTs, blocks); err != nil {
		r.logger.Error("post subtask summary for parent %s: %v", parent.ID, err)
	}
}

// postCompletionBlocks posts a task's terminal result as a formatted block
// message, separate from (and after the removal of) the streamed-output
// message so the two can never race.
func (r *Router) postCompletionBlocks(task storage.Task, p wire.TaskCompletePayload) {
	text := p.Result
	if len(text) > 2900 {
		text = text[:2900] + "…"
	}
	detail := fmt.Sprintf("Tokens: %d in / %d out · Cost: $%.4f", p.InputTokens, p.OutputTokens, p.EstimatedCost)
	if len(p.FilesChanged) > 0 {
		detail += fmt.Sprintf(" · Files changed: %d", len(p.FilesChanged))
	}
	if p.Continuations > 0 {
		detail += fmt.Sprintf(" · Continuations: %d", p.Continuations)
	}
	blocks := sectionBlocks(text, detail)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.notif.PostBlocks(ctx, task.ChannelID, task.ThreadTs, blocks); err != nil {
		r.logger.Error("post completion blocks for task %s: %v", task.ID, err)
	}
}

// sectionBlocks renders one markdown section block per text argument,
// context-style for everything after the first.
func sectionBlocks(texts ...string) []byte {
	blocks := make([]map[string]any, 0, len(texts))
	for i, t := range texts {
		if i == 0 {
			blocks = append(blocks, map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": t},
			})
			continue
		}
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{{"type": "mrkdwn", "text": t}},
		})
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return []byte("[]")
	}
	return raw
}

func (r *Router) setReaction(taskID, removeEmoji, addEmoji string) {
	task, err := r.store.GetTask(taskID)
	if err != nil || task.ChatMessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if removeEmoji != "" {
		if err := r.notif.RemoveReaction(ctx, task.ChannelID, task.ChatMessageID, removeEmoji); err != nil {
			r.logger.Debug("remove reaction %s on task %s: %v", removeEmoji, taskID, err)
		}
	}
	if err := r.notif.AddReaction(ctx, task.ChannelID, task.ChatMessageID, addEmoji); err != nil {
		r.logger.Debug("add reaction %s on task %s: %v", addEmoji, taskID, err)
	}
}

func (r *Router) notifyTerminal(taskID, text string) {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		r.logger.Error("load task %s for notification: %v", taskID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.notif.Post(ctx, task.ChannelID, task.ThreadTs, text); err != nil {
		r.logger.Error("notify completion of task %s: %v", taskID, err)
	}
}

func (r *Router) handleAgentStatus(agentID string, frame wire.Frame) {
	var p wire.AgentStatusPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode agent-status: %v", err)
		return
	}
	r.logger.Debug("agent %s status=%s active=%v", agentID, p.Status, p.ActiveTaskIDs)
}

// ExpectDeployResult registers interest in requestID's deploy result
// before the deploy-request frame is sent, so a fast agent's reply can
// never slip in between send and wait. The caller must pair it with
// ForgetDeployResult.
func (r *Router) ExpectDeployResult(requestID string) <-chan wire.DeployResultPayload {
	ch := make(chan wire.DeployResultPayload, 1)
	r.mu.Lock()
	r.pendingDeploy[requestID] = ch
	r.mu.Unlock()
	return ch
}

// ForgetDeployResult drops the registration made by ExpectDeployResult.
func (r *Router) ForgetDeployResult(requestID string) {
	r.mu.Lock()
	delete(r.pendingDeploy, requestID)
	r.mu.Unlock()
}

// AwaitDeployResult registers interest in requestID's deploy result and
// blocks until it arrives or timeout elapses.
func (r *Router) AwaitDeployResult(requestID string, timeout time.Duration) (wire.DeployResultPayload, error) {
	ch := r.ExpectDeployResult(requestID)
	defer r.ForgetDeployResult(requestID)

	select {
	case res := <-ch:
		return res, nil
	case <-time.After(timeout):
		return wire.DeployResultPayload{}, fmt.Errorf("router: timed out waiting for deploy result %s", requestID)
	}
}

func (r *Router) handleDeployResult(frame wire.Frame) {
	var p wire.DeployResultPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode deploy-result: %v", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.pendingDeploy[p.RequestID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("deploy result for unknown request %s, dropping", p.RequestID)
		return
	}
	select {
	case ch <- p:
	default: // duplicate result; first one wins
	}
}

// ExpectPathValidateResult registers interest in requestID's path-validate
// result ahead of sending the request; pair with ForgetPathValidateResult.
func (r *Router) ExpectPathValidateResult(requestID string) <-chan wire.PathValidateResultPayload {
	ch := make(chan wire.PathValidateResultPayload, 1)
	r.mu.Lock()
	r.pendingPath[requestID] = ch
	r.mu.Unlock()
	return ch
}

// ForgetPathValidateResult drops the registration made by
// ExpectPathValidateResult.
func (r *Router) ForgetPathValidateResult(requestID string) {
	r.mu.Lock()
	delete(r.pendingPath, requestID)
	r.mu.Unlock()
}

// AwaitPathValidateResult registers interest in requestID's path-validate
// result and blocks until it arrives or timeout elapses.
func (r *Router) AwaitPathValidateResult(requestID string, timeout time.Duration) (wire.PathValidateResultPayload, error) {
	ch := r.ExpectPathValidateResult(requestID)
	defer r.ForgetPathValidateResult(requestID)

	select {
	case res := <-ch:
		return res, nil
	case <-time.After(timeout):
		return wire.PathValidateResultPayload{}, fmt.Errorf("router: timed out waiting for path-validate result %s", requestID)
	}
}

func (r *Router) handlePathValidateResult(frame wire.Frame) {
	var p wire.PathValidateResultPayload
	if err := frame.Decode(&p); err != nil {
		r.logger.Error("decode path-validate-result: %v", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.pendingPath[p.RequestID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("path-validate result for unknown request %s, dropping", p.RequestID)
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// StreamFlushFunc returns the function to pass as streamacc.New's onFlush
// callback, binding the accumulator's flush events to this router's
// post-once/update-many chat message discipline.
func (r *Router) StreamFlushFunc() streamacc.FlushFunc {
	return r.handleStreamFlush
}
