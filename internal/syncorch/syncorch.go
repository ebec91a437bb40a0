// Package syncorch drives the deploy workflow: test and build run as real
// tasks dispatched to the agent, then the agent is quiesced and restarted
// in two phases - each phase waited out on an observed offline->online
// connection edge rather than a fixed sleep - before the actual deploy
// request is sent and awaited. Everything is event-driven and
// agent-mediated: there is no wall-clock guessing anywhere in the
// pipeline, only completion frames and connection edges.
package syncorch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskbroker/internal/command"
	"taskbroker/internal/router"
	"taskbroker/internal/storage"
	"taskbroker/pkg/logx"
	"taskbroker/pkg/wire"
)

// Sender delivers a frame to an agent, queueing it durably if offline, and
// resolves a project's preferred agent id to a concrete one.
type Sender interface {
	SendOrEnqueue(agentID string, frameType wire.Type, payload any, ttl time.Duration) (queued bool, err error)
	ResolveAgent(preferred string) (agentID string, online bool)
}

// TaskSubmitter dispatches a task the way a chat command would, used here
// to run the pre-deploy test and build stages as real agent-executed work
// instead of shelling out locally.
type TaskSubmitter interface {
	Submit(ctx context.Context, req command.SubmitRequest) (storage.Task, error)
}

// ConnectionWatcher exposes the gateway's connect/disconnect hooks so the
// orchestrator can wait for an actual offline->online edge instead of
// sleeping through a guessed grace period.
type ConnectionWatcher interface {
	OnConnect(fn func(agentID string))
	OnDisconnect(fn func(agentID string))
}

// Notifier posts workflow stage updates into the originating chat thread.
type Notifier interface {
	Post(ctx context.Context, channelID, threadTs, text string) (string, error)
}

// WorkflowStatus enumerates the stages a deploy workflow moves through.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusPreflight  WorkflowStatus = "preflight"
	StatusRestarting WorkflowStatus = "restarting"
	StatusDeploying  WorkflowStatus = "deploying"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
)

// workflowRetention is how long a terminal workflow record stays visible
// before the sweep drops it.
const workflowRetention = time.Hour

// Workflow is the observable state of one deploy workflow invocation, kept
// in memory for the admin surface and swept an hour after going terminal.
type Workflow struct {
	ID          string
	ProjectID   string
	AgentID     string
	ChannelID   string
	ThreadTs    string
	Status      WorkflowStatus
	TestTaskID  string
	BuildTaskID string
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Orchestrator runs the test+build -> restart -> deploy workflow.
type Orchestrator struct {
	sender    Sender
	router    *router.Router
	submitter TaskSubmitter
	store     *storage.Store
	notif     Notifier
	logger    *logx.Logger

	DisconnectTimeout time.Duration
	ReconnectTimeout  time.Duration
	StageTimeout      time.Duration
	DeployTimeout     time.Duration

	edgeMu       sync.Mutex
	disconnected map[string][]chan struct{}
	connected    map[string][]chan struct{}

	taskMu   sync.Mutex
	awaiting map[string]chan bool

	wfMu      sync.Mutex
	workflows map[string]*Workflow
}

// New creates an Orchestrator wired to the gateway's send path, the
// router's terminal-frame and connection events, and a task submitter for
// the preflight test/build stages.
func New(sender Sender, r *router.Router, submitter TaskSubmitter, store *storage.Store, watcher ConnectionWatcher) *Orchestrator {
	o := &Orchestrator{
		sender:            sender,
		router:            r,
		submitter:         submitter,
		store:             store,
		logger:            logx.NewLogger("syncorch"),
		DisconnectTimeout: 30 * time.Second,
		ReconnectTimeout:  2 * time.Minute,
		StageTimeout:      10 * time.Minute,
		DeployTimeout:     5 * time.Minute,
		disconnected:      make(map[string][]chan struct{}),
		connected:         make(map[string][]chan struct{}),
		awaiting:          make(map[string]chan bool),
		workflows:         make(map[string]*Workflow),
	}
	r.OnTaskComplete(o.handleTaskComplete)
	watcher.OnDisconnect(o.handleDisconnect)
	watcher.OnConnect(o.handleConnect)
	return o
}

// SetNotifier installs the chat notifier for stage updates. Optional: nil
// leaves the workflow silent in chat.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notif = n
}

// Request describes one deploy workflow invocation.
type Request struct {
	RequestID   string
	ProjectID   string
	ChannelID   string
	ThreadTs    string
	RequestedBy string
	Rebuild     bool
}

// Run executes the full test+build -> restart -> deploy pipeline,
// returning the agent's deploy result once it arrives.
func (o *Orchestrator) Run(ctx context.Context, req Request) (wire.DeployResultPayload, error) {
	project, err := o.store.GetProject(req.ProjectID)
	if err != nil {
		return wire.DeployResultPayload{}, fmt.Errorf("syncorch: load project: %w", err)
	}

	agentID, online := o.sender.ResolveAgent(project.AgentID)
	if !online {
		return wire.DeployResultPayload{}, fmt.Errorf("syncorch: agent %s is offline, cannot deploy", agentID)
	}

	wf := o.trackWorkflow(req, project, agentID)

	if err := o.runPreflight(ctx, req, wf); err != nil {
		return wire.DeployResultPayload{}, o.fail(wf, fmt.Errorf("syncorch: preflight failed: %w", err))
	}

	o.setStatus(wf, StatusRestarting)
	o.post(req, "Tests and build passed - restarting agent before deploy…")
	if err := o.restartTwoPhase(agentID, req.Rebuild); err != nil {
		return wire.DeployResultPayload{}, o.fail(wf, fmt.Errorf("syncorch: restart failed: %w", err))
	}

	o.setStatus(wf, StatusDeploying)
	resultCh := o.router.ExpectDeployResult(req.RequestID)
	defer o.router.ForgetDeployResult(req.RequestID)

	if _, err := o.sender.SendOrEnqueue(agentID, wire.TypeDeployRequest, wire.DeployRequestPayload{
		RequestID:   req.RequestID,
		LocalPath:   project.LocalPath,
		ChannelID:   req.ChannelID,
		ThreadTs:    req.ThreadTs,
		RequestedBy: req.RequestedBy,
	}, o.DeployTimeout); err != nil {
		return wire.DeployResultPayload{}, o.fail(wf, fmt.Errorf("syncorch: send deploy request: %w", err))
	}

	select {
	case result := <-resultCh:
		if !result.Success {
			o.post(req, fmt.Sprintf("❌ Deploy failed: %s", result.Output))
			return result, o.fail(wf, fmt.Errorf("syncorch: deploy reported failure"))
		}
		o.complete(wf)
		msg := "Deploy completed."
		if result.BuildLogsURL != "" {
			msg += " Logs: " + result.BuildLogsURL
		}
		o.post(req, msg)
		return result, nil
	case <-time.After(o.DeployTimeout):
		return wire.DeployResultPayload{}, o.fail(wf, fmt.Errorf("syncorch: timed out waiting for deploy result %s", req.RequestID))
	}
}

// runPreflight dispatches the test and build stages as real tasks and
// waits for both to complete concurrently, failing fast if either reports
// failure. The restart never starts until both stages confirm success, in
// whichever order they land.
func (o *Orchestrator) runPreflight(ctx context.Context, req Request, wf *Workflow) error {
	o.setStatus(wf, StatusPreflight)

	stages := []struct {
		command string
		prompt  string
	}{
		{"test", "Run the project's test suite and report pass or fail with a short summary."},
		{"build", "Build the project and report success or failure with a short summary."},
	}

	tasks := make([]storage.Task, len(stages))
	for i, stage := range stages {
		task, err := o.submitter.Submit(ctx, command.SubmitRequest{
			ProjectID:  req.ProjectID,
			BotName:    "syncorch",
			Command:    stage.command,
			Prompt:     stage.prompt,
			ChannelID:  req.ChannelID,
			ThreadTs:   req.ThreadTs,
			ChatUserID: req.RequestedBy,
		})
		if err != nil {
			return fmt.Errorf("submit %s stage: %w", stage.command, err)
		}
		tasks[i] = task
	}

	o.wfMu.Lock()
	wf.TestTaskID, wf.BuildTaskID = tasks[0].ID, tasks[1].ID
	o.wfMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, task := range tasks {
		stage, other, taskID := stages[i].command, stages[1-i].command, task.ID
		g.Go(func() error {
			success, err := o.awaitTaskComplete(taskID, o.StageTimeout)
			if err != nil {
				return fmt.Errorf("%s stage: %w", stage, err)
			}
			if !success {
				return fmt.Errorf("%s stage failed", stage)
			}
			o.post(req, fmt.Sprintf("%s passed - waiting for %s…", stage, other))
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) awaitTaskComplete(taskID string, timeout time.Duration) (bool, error) {
	ch := make(chan bool, 1)
	o.taskMu.Lock()
	o.awaiting[taskID] = ch
	o.taskMu.Unlock()
	defer func() {
		o.taskMu.Lock()
		delete(o.awaiting, taskID)
		o.taskMu.Unlock()
	}()

	select {
	case success := <-ch:
		return success, nil
	case <-time.After(timeout):
		return false, fmt.Errorf("timed out waiting for task %s", taskID)
	}
}

func (o *Orchestrator) handleTaskComplete(taskID string, success bool) {
	o.taskMu.Lock()
	ch, ok := o.awaiting[taskID]
	o.taskMu.Unlock()
	if ok {
		ch <- success
	}
}

// restartTwoPhase quiesces the agent, waits for it to actually disconnect
// and reconnect, then sends the real restart (optionally rebuilding) and
// again waits for that disconnect/reconnect cycle - never a blind sleep.
// Observing the falling edge first guarantees the deploy is never sent to
// the dying old connection.
func (o *Orchestrator) restartTwoPhase(agentID string, rebuild bool) error {
	if err := o.sendRestartAndAwaitCycle(agentID, wire.SystemRestartPayload{Reason: "pre-deploy-quiesce"}); err != nil {
		return fmt.Errorf("quiesce phase: %w", err)
	}
	if err := o.sendRestartAndAwaitCycle(agentID, wire.SystemRestartPayload{Reason: "deploy-restart", Rebuild: rebuild}); err != nil {
		return fmt.Errorf("restart phase: %w", err)
	}
	return nil
}

func (o *Orchestrator) sendRestartAndAwaitCycle(agentID string, payload wire.SystemRestartPayload) error {
	disconnectCh := o.waitFor(o.disconnected, agentID)
	if _, err := o.sender.SendOrEnqueue(agentID, wire.TypeSystemRestart, payload, time.Minute); err != nil {
		return err
	}

	select {
	case <-disconnectCh:
	case <-time.After(o.DisconnectTimeout):
		return fmt.Errorf("agent %s never disconnected after restart signal", agentID)
	}

	connectCh := o.waitFor(o.connected, agentID)
	select {
	case <-connectCh:
		return nil
	case <-time.After(o.ReconnectTimeout):
		return fmt.Errorf("agent %s never reconnected after restart", agentID)
	}
}

func (o *Orchestrator) waitFor(set map[string][]chan struct{}, agentID string) chan struct{} {
	ch := make(chan struct{}, 1)
	o.edgeMu.Lock()
	set[agentID] = append(set[agentID], ch)
	o.edgeMu.Unlock()
	return ch
}

func (o *Orchestrator) handleDisconnect(agentID string) {
	o.fireEdge(o.disconnected, agentID)
}

func (o *Orchestrator) handleConnect(agentID string) {
	o.fireEdge(o.connected, agentID)
}

func (o *Orchestrator) fireEdge(set map[string][]chan struct{}, agentID string) {
	o.edgeMu.Lock()
	waiters := set[agentID]
	delete(set, agentID)
	o.edgeMu.Unlock()
	for _, ch := range waiters {
		ch <- struct{}{}
	}
}

// ValidatePath asks the agent to check (and, if missing, create) a path
// before it is used as a task's working directory.
func (o *Orchestrator) ValidatePath(ctx context.Context, agentID, requestID, path string, timeout time.Duration) (wire.PathValidateResultPayload, error) {
	resultCh := o.router.ExpectPathValidateResult(requestID)
	defer o.router.ForgetPathValidateResult(requestID)

	if _, err := o.sender.SendOrEnqueue(agentID, wire.TypePathValidateReq, wire.PathValidateRequestPayload{
		RequestID: requestID,
		Path:      path,
	}, timeout); err != nil {
		return wire.PathValidateResultPayload{}, fmt.Errorf("syncorch: send path-validate request: %w", err)
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-time.After(timeout):
		return wire.PathValidateResultPayload{}, fmt.Errorf("syncorch: timed out waiting for path-validate result %s", requestID)
	case <-ctx.Done():
		return wire.PathValidateResultPayload{}, ctx.Err()
	}
}

// Workflows returns a snapshot of tracked workflows, newest state
// included, for the admin surface.
func (o *Orchestrator) Workflows() []Workflow {
	o.wfMu.Lock()
	defer o.wfMu.Unlock()
	out := make([]Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, *wf)
	}
	return out
}

// SweepWorkflows drops workflows that reached a terminal state more than
// an hour ago, returning how many were removed.
func (o *Orchestrator) SweepWorkflows(now time.Time) int {
	o.wfMu.Lock()
	defer o.wfMu.Unlock()
	swept := 0
	for id, wf := range o.workflows {
		terminal := wf.Status == StatusCompleted || wf.Status == StatusFailed
		if terminal && now.Sub(wf.CompletedAt) > workflowRetention {
			delete(o.workflows, id)
			swept++
		}
	}
	return swept
}

func (o *Orchestrator) trackWorkflow(req Request, project storage.Project, agentID string) *Workflow {
	wf := &Workflow{
		ID:        req.RequestID,
		ProjectID: project.ID,
		AgentID:   agentID,
		ChannelID: req.ChannelID,
		ThreadTs:  req.ThreadTs,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	o.wfMu.Lock()
	o.workflows[wf.ID] = wf
	o.wfMu.Unlock()
	return wf
}

func (o *Orchestrator) setStatus(wf *Workflow, status WorkflowStatus) {
	o.wfMu.Lock()
	wf.Status = status
	o.wfMu.Unlock()
}

func (o *Orchestrator) complete(wf *Workflow) {
	o.wfMu.Lock()
	wf.Status = StatusCompleted
	wf.CompletedAt = time.Now()
	o.wfMu.Unlock()
	if err := o.store.AppendAudit("sync.completed", "workflow", wf.ID, "", ""); err != nil {
		o.logger.Error("append audit for workflow %s: %v", wf.ID, err)
	}
}

func (o *Orchestrator) fail(wf *Workflow, err error) error {
	o.wfMu.Lock()
	wf.Status = StatusFailed
	wf.Error = err.Error()
	wf.CompletedAt = time.Now()
	o.wfMu.Unlock()
	if auditErr := o.store.AppendAudit("sync.failed", "workflow", wf.ID, "", err.Error()); auditErr != nil {
		o.logger.Error("append audit for workflow %s: %v", wf.ID, auditErr)
	}
	return err
}

func (o *Orchestrator) post(req Request, text string) {
	if o.notif == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := o.notif.Post(ctx, req.ChannelID, req.ThreadTs, text); err != nil {
		o.logger.Warn("post workflow update: %v", err)
	}
}
