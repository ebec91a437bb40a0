// Package command implements the broker-facing operations a chat command
// triggers: submit, resubmit, cancel, and decompose. It composes storage,
// the circuit breaker, and the gateway's send-or-queue path, following a
// validate-state, persist-the-intent, then dispatch-over-the-transport
// work-distribution idiom.
package command

import (
	"context"
	"fmt"
	"time"

	"taskbroker/internal/breaker"
	"taskbroker/internal/storage"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/ratelimit"
	"taskbroker/pkg/wire"
)

// readOnlyPlanningTools is the tool set a decomposition planning task is
// allowed: a low-risk, read-only pass before a complex request is fanned
// out into subtasks.
var readOnlyPlanningTools = []string{"Read", "Glob", "Grep"}

// decomposePlanningBudget caps the cost of a planning pass, well below a
// typical project's default so planning never itself exhausts the budget
// meant for the real work.
const decomposePlanningBudget = 0.50

// executionCommand normalizes the command handed down to a plan's
// children. "plan" is never a valid child command: such a child would
// route back through the decomposition handler forever.
func executionCommand(cmd string) string {
	if cmd == "" || cmd == "plan" {
		return "run"
	}
	return cmd
}

// Sender delivers a frame to an agent, queueing it durably if the agent is
// offline, and resolves which concrete agent id a project's preferred
// (possibly "auto") agent id should dispatch to. *gateway.Server satisfies
// this.
type Sender interface {
	SendOrEnqueue(agentID string, frameType wire.Type, payload any, ttl time.Duration) (queued bool, err error)
	Broadcast(frameType wire.Type, payload any) error
	ResolveAgent(preferred string) (agentID string, online bool)
}

// ChatNotifier is the slice of the notifier the command service needs to
// tell the submitting user their task went to the offline queue instead of
// straight to an agent.
type ChatNotifier interface {
	Post(ctx context.Context, channelID, threadTs, text string) (string, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// Service implements the command operations a chat-workspace slash command
// or mention triggers.
type Service struct {
	store    *storage.Store
	sender   Sender
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	notif    ChatNotifier
	queueTTL time.Duration
	logger   *logx.Logger
}

// New creates a command Service. limiter guards Submit/SubmitWithDecomposition
// against a chat user exceeding their per-minute request budget before the
// task is ever persisted or dispatched.
func New(store *storage.Store, sender Sender, br *breaker.Breaker, limiter *ratelimit.Limiter, queueTTL time.Duration) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		breaker:  br,
		limiter:  limiter,
		queueTTL: queueTTL,
		logger:   logx.NewLogger("command"),
	}
}

// SetNotifier installs the chat notifier used for queued-for-offline
// feedback. Optional: a nil notifier leaves submissions silent on that
// path, which is what package-local tests get.
func (s *Service) SetNotifier(n ChatNotifier) {
	s.notif = n
}

// checkRateLimit applies the user's override if set, else the project's,
// else the limiter's own default.
func (s *Service) checkRateLimit(chatUserID string, project storage.Project) error {
	if s.limiter == nil || chatUserID == "" {
		return nil
	}
	override := project.RateLimitOverride
	if user, err := s.store.GetUserByChatID(chatUserID); err == nil && user.RateLimitOverride != nil {
		override = user.RateLimitOverride
	}
	if err := s.limiter.Allow(chatUserID, override); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	return nil
}

// SubmitRequest describes a new task submission.
type SubmitRequest struct {
	ProjectID     string
	BotName       string
	Command       string
	Prompt        string
	SystemPrompt  string
	ChannelID     string
	ThreadTs      string
	ChatUserID    string
	ChatMessageID string
	Model         string
	MaxBudget     float64
	AllowedTools  []string
	Attachments   []wire.Attachment
}

// Submit persists a new task against a project and dispatches it to the
// project's resolved agent (the registry's "auto" two-stage resolution
// rule), honoring the circuit breaker.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (storage.Task, error) {
	project, err := s.store.GetProject(req.ProjectID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: load project: %w", err)
	}

	if err := s.checkRateLimit(req.ChatUserID, project); err != nil {
		return storage.Task{}, err
	}

	agentID, online, err := s.resolveAgent(project.AgentID)
	if err != nil {
		return storage.Task{}, err
	}

	// The breaker is advisory for dispatch choices only: an offline agent's
	// task is queued regardless, since queueing hammers nobody.
	if online {
		if err := s.breaker.Allow(agentID); err != nil {
			return storage.Task{}, fmt.Errorf("command: agent %s unavailable: %w", agentID, err)
		}
	}

	model := req.Model
	if model == "" {
		model = project.DefaultModel
	}
	maxBudget := req.MaxBudget
	if maxBudget == 0 {
		maxBudget = project.DefaultMaxBudget
	}

	task, err := s.store.CreateTask(storage.Task{
		ProjectID:     project.ID,
		BotName:       req.BotName,
		Command:       req.Command,
		Prompt:        req.Prompt,
		ChannelID:     req.ChannelID,
		ThreadTs:      req.ThreadTs,
		ChatUserID:    req.ChatUserID,
		ChatMessageID: req.ChatMessageID,
		MaxBudget:     maxBudget,
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: create task: %w", err)
	}

	if err := s.dispatch(ctx, agentID, task, req.SystemPrompt, model, project.LocalPath, maxBudget, req.AllowedTools, req.Attachments, "", nil); err != nil {
		return storage.Task{}, err
	}

	if err := s.store.AppendAudit("task.submit", "task", task.ID, req.ChatUserID, ""); err != nil {
		s.logger.Error("append audit for task %s: %v", task.ID, err)
	}

	return task, nil
}

// SubmitWithDecomposition creates a planning-parent task instead of
// dispatching the prompt directly. The planning task runs with read-only
// tools and a small budget and never auto-continues; its result is later
// expanded into real subtasks by HandleDecompositionComplete once the
// router observes it finish.
func (s *Service) SubmitWithDecomposition(ctx context.Context, req SubmitRequest) (storage.Task, error) {
	project, err := s.store.GetProject(req.ProjectID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: load project: %w", err)
	}

	if err := s.checkRateLimit(req.ChatUserID, project); err != nil {
		return storage.Task{}, err
	}

	agentID, online, err := s.resolveAgent(project.AgentID)
	if err != nil {
		return storage.Task{}, err
	}
	if online {
		if err := s.breaker.Allow(agentID); err != nil {
			return storage.Task{}, fmt.Errorf("command: agent %s unavailable: %w", agentID, err)
		}
	}

	task, err := s.store.CreateTask(storage.Task{
		ProjectID:     project.ID,
		BotName:       req.BotName,
		Command:       "plan",
		PlanCommand:   executionCommand(req.Command),
		Prompt:        req.Prompt,
		ChannelID:     req.ChannelID,
		ThreadTs:      req.ThreadTs,
		ChatUserID:    req.ChatUserID,
		ChatMessageID: req.ChatMessageID,
		MaxBudget:     decomposePlanningBudget,
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: create planning task: %w", err)
	}

	model := req.Model
	if model == "" {
		model = project.DefaultModel
	}
	zero := 0
	if err := s.dispatch(ctx, agentID, task, req.SystemPrompt, model, project.LocalPath, decomposePlanningBudget, readOnlyPlanningTools, req.Attachments, "", &zero); err != nil {
		return storage.Task{}, err
	}

	if err := s.store.AppendAudit("task.plan", "task", task.ID, req.ChatUserID, ""); err != nil {
		s.logger.Error("append audit for plan %s: %v", task.ID, err)
	}

	return task, nil
}

// HandleDecompositionComplete is called by the router once a planning
// parent created by SubmitWithDecomposition reports task-complete and its
// plan result has been recorded; the parent itself stays running. It
// parses the planning result into subtasks and dispatches each; if no
// subtasks can be parsed, it falls back to a single direct submit of the
// original prompt, linked to the parent so the usual terminal-cascade still
// marks the parent completed once that one child finishes.
func (s *Service) HandleDecompositionComplete(ctx context.Context, parentTaskID string) ([]storage.Task, error) {
	parent, err := s.store.GetTask(parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("command: load planning task: %w", err)
	}

	// Children always run the execution command the user originally asked
	// for, never "plan": a "plan" child would loop straight back through
	// this handler on completion.
	execCmd := executionCommand(parent.PlanCommand)

	specs := parseSubtasks(parent.Result)
	if len(specs) == 0 {
		fallback, err := s.submitChild(parent, parent.Prompt, execCmd)
		if err != nil {
			return nil, err
		}
		if err := s.store.AppendAudit("task.decompose.fallback", "task", parent.ID, parent.ChatUserID, ""); err != nil {
			s.logger.Error("append audit for decompose fallback %s: %v", parent.ID, err)
		}
		return []storage.Task{fallback}, nil
	}

	subtasks := make([]storage.Task, 0, len(specs))
	for _, spec := range specs {
		cmd := spec.Command
		if cmd == "plan" {
			cmd = execCmd
		}
		sub, err := s.submitChild(parent, spec.Prompt, cmd)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, sub)
	}

	if err := s.store.AppendAudit("task.decompose", "task", parent.ID, parent.ChatUserID, fmt.Sprintf("subtasks=%d", len(subtasks))); err != nil {
		s.logger.Error("append audit for decompose %s: %v", parent.ID, err)
	}
	return subtasks, nil
}

func (s *Service) submitChild(parent storage.Task, prompt, command string) (storage.Task, error) {
	project, err := s.store.GetProject(parent.ProjectID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: load project: %w", err)
	}
	agentID, _, err := s.resolveAgent(project.AgentID)
	if err != nil {
		return storage.Task{}, err
	}

	sub, err := s.store.CreateTask(storage.Task{
		ProjectID:    parent.ProjectID,
		BotName:      parent.BotName,
		Command:      command,
		Prompt:       prompt,
		ChannelID:    parent.ChannelID,
		ThreadTs:     parent.ThreadTs,
		ChatUserID:   parent.ChatUserID,
		MaxBudget:    project.DefaultMaxBudget,
		ParentTaskID: parent.ID,
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: create subtask: %w", err)
	}

	if err := s.dispatch(context.Background(), agentID, sub, "", project.DefaultModel, project.LocalPath, sub.MaxBudget, nil, nil, "", nil); err != nil {
		return storage.Task{}, err
	}
	return sub, nil
}

// Resubmit re-runs a previously terminal task with the same parameters,
// bumping its retry count and resuming the prior invocation's session so
// the agent picks up with the original context instead of cold.
func (s *Service) Resubmit(ctx context.Context, taskID string) (storage.Task, error) {
	original, err := s.store.GetTask(taskID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: load task: %w", err)
	}
	if !original.IsTerminal() {
		return storage.Task{}, fmt.Errorf("command: task %s is not terminal, cannot resubmit", taskID)
	}

	project, err := s.store.GetProject(original.ProjectID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: load project: %w", err)
	}

	agentID, online, err := s.resolveAgent(project.AgentID)
	if err != nil {
		return storage.Task{}, err
	}
	if online {
		if err := s.breaker.Allow(agentID); err != nil {
			return storage.Task{}, fmt.Errorf("command: agent %s unavailable: %w", agentID, err)
		}
	}

	next, err := s.store.CreateTask(storage.Task{
		ProjectID:     original.ProjectID,
		BotName:       original.BotName,
		Command:       original.Command,
		Prompt:        original.Prompt,
		ChannelID:     original.ChannelID,
		ThreadTs:      original.ThreadTs,
		ChatUserID:    original.ChatUserID,
		ChatMessageID: original.ChatMessageID,
		MaxBudget:     original.MaxBudget,
		ParentTaskID:  original.ParentTaskID,
		RetryCount:    original.RetryCount + 1,
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("command: create resubmit task: %w", err)
	}

	if err := s.dispatch(ctx, agentID, next, "", project.DefaultModel, project.LocalPath, next.MaxBudget, nil, nil, original.SessionID, nil); err != nil {
		return storage.Task{}, err
	}

	if err := s.store.AppendAudit("task.resubmit", "task", next.ID, original.ChatUserID, "original="+original.ID); err != nil {
		s.logger.Error("append audit for resubmit %s: %v", next.ID, err)
	}

	return next, nil
}

// Cancel marks a task cancelled, broadcasts a task-cancel frame to every
// connected agent (only the agent actually holding the task will act, and
// after an "auto" dispatch the broker doesn't know which one that is), and
// recursively cancels any non-terminal subtasks, since a cancelled parent
// should not leave orphaned children running unattended. The status flip
// happens here, up front: a late terminal frame from the agent then fails
// its (terminal -> terminal) transition and is dropped.
func (s *Service) Cancel(ctx context.Context, taskID, reason, requestedBy string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("command: load task: %w", err)
	}
	if task.IsTerminal() {
		return fmt.Errorf("command: task %s is already terminal", taskID)
	}

	if err := s.store.TransitionTaskStatus(taskID, storage.TaskStatusCancelled); err != nil {
		return fmt.Errorf("command: mark task cancelled: %w", err)
	}

	if err := s.sender.Broadcast(wire.TypeTaskCancel, wire.TaskCancelPayload{
		TaskID: taskID, Reason: reason,
	}); err != nil {
		s.logger.Error("broadcast cancel for %s: %v", taskID, err)
	}

	if s.notif != nil && task.ChatMessageID != "" {
		if err := s.notif.AddReaction(ctx, task.ChannelID, task.ChatMessageID, "no_entry_sign"); err != nil {
			s.logger.Debug("cancel reaction for task %s: %v", taskID, err)
		}
	}

	if err := s.store.AppendAudit("task.cancel", "task", taskID, requestedBy, reason); err != nil {
		s.logger.Error("append audit for cancel %s: %v", taskID, err)
	}

	subtasks, err := s.store.ListSubtasks(taskID)
	if err != nil {
		s.logger.Error("list subtasks of %s for cascade cancel: %v", taskID, err)
		return nil
	}
	for _, sub := range subtasks {
		if sub.IsTerminal() {
			continue
		}
		if err := s.Cancel(ctx, sub.ID, reason, requestedBy); err != nil {
			s.logger.Error("cascade cancel subtask %s of %s: %v", sub.ID, taskID, err)
		}
	}
	return nil
}

// resolveAgent applies the "auto" two-stage resolution rule and errors out
// only when no concrete agent id comes back at all (an "auto" project with
// nobody online has nowhere to even queue to).
func (s *Service) resolveAgent(preferred string) (agentID string, online bool, err error) {
	agentID, online = s.sender.ResolveAgent(preferred)
	if agentID == "" {
		return "", false, fmt.Errorf("command: no agent available to resolve %q", preferred)
	}
	return agentID, online, nil
}

func (s *Service) dispatch(ctx context.Context, agentID string, task storage.Task, systemPrompt, model, localPath string, maxBudget float64, allowedTools []string, attachments []wire.Attachment, resumeSessionID string, maxContinuations *int) error {
	if err := s.store.TransitionTaskStatus(task.ID, storage.TaskStatusQueued); err != nil {
		return fmt.Errorf("command: queue task: %w", err)
	}

	payload := wire.TaskSubmitPayload{
		TaskID:           task.ID,
		ProjectID:        task.ProjectID,
		BotName:          task.BotName,
		Command:          task.Command,
		Prompt:           task.Prompt,
		SystemPrompt:     systemPrompt,
		LocalPath:        localPath,
		Model:            model,
		MaxBudget:        maxBudget,
		AllowedTools:     allowedTools,
		MaxContinuations: maxContinuations,
		ResumeSessionID:  resumeSessionID,
		ParentTaskID:     task.ParentTaskID,
		Attachments:      attachments,
		SlackContext: wire.SlackContext{
			ChannelID: task.ChannelID,
			ThreadTs:  task.ThreadTs,
			UserID:    task.ChatUserID,
		},
	}

	queued, err := s.sender.SendOrEnqueue(agentID, wire.TypeTaskSubmit, payload, s.queueTTL)
	if err != nil {
		return fmt.Errorf("command: dispatch task %s: %w", task.ID, err)
	}
	if queued {
		s.notifyQueued(ctx, task, agentID)
	}
	return nil
}

// notifyQueued tells the submitting user their task went into the offline
// queue: an inbox reaction on the originating message plus a short note.
func (s *Service) notifyQueued(ctx context.Context, task storage.Task, agentID string) {
	if s.notif == nil {
		return
	}
	if task.ChatMessageID != "" {
		if err := s.notif.AddReaction(ctx, task.ChannelID, task.ChatMessageID, "inbox_tray"); err != nil {
			s.logger.Debug("queued reaction for task %s: %v", task.ID, err)
		}
	}
	if _, err := s.notif.Post(ctx, task.ChannelID, task.ThreadTs,
		fmt.Sprintf("Agent `%s` is offline - task queued for delivery when it reconnects.", agentID)); err != nil {
		s.logger.Debug("queued notice for task %s: %v", task.ID, err)
	}
}
