package agentclient

import (
	"context"
	"os"
	"os/exec"
	"time"

	"taskbroker/internal/executor"
	"taskbroker/pkg/wire"
)

// runTask drives one task-submit frame end to end: materialize any
// attachments, ack, invoke the executor (which owns the auto-continuation
// loop), and report the terminal frame. Builds the executor's invocation
// contract from the frame: system prompt, model, maxTurns, cwd,
// allowedTools, an abort path, bypassed permission prompts, and an
// optional session resume.
func (c *Client) runTask(p wire.TaskSubmitPayload) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.active[p.TaskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, p.TaskID)
		c.mu.Unlock()
		cancel()
	}()

	dir := executor.TaskAttachmentDir(c.cfg.AttachmentsDir, p.TaskID)
	savedPaths, attachmentResults := executor.MaterializeAttachments(dir, p.Attachments)
	defer os.RemoveAll(dir)

	prompt := executor.PromptWithAttachments(p.Prompt, savedPaths)

	c.emit(wire.TypeTaskAck, wire.TaskAckPayload{TaskID: p.TaskID, Accepted: true})

	maxContinuations := 3
	if p.MaxContinuations != nil {
		maxContinuations = *p.MaxContinuations
	}

	start := time.Now()
	result := c.exec.Run(ctx, executor.Request{
		TaskID:                p.TaskID,
		Binary:                c.cfg.CodingAgentBin,
		WorkDir:               p.LocalPath,
		Model:                 p.Model,
		SystemPrompt:          p.SystemPrompt,
		Prompt:                prompt,
		AllowedTools:          p.AllowedTools,
		ResumeSessionID:       p.ResumeSessionID,
		MaxContinuations:      maxContinuations,
		MaxTurnsPerInvocation: c.cfg.MaxTurnsPerInvocation,
		TotalTimeout:          c.cfg.InvocationTimeout,
		OnProgress: func(stepType, message string) {
			c.emit(wire.TypeTaskProgress, wire.TaskProgressPayload{
				TaskID:    p.TaskID,
				Type:      wire.ProgressType(stepType),
				Message:   message,
				Timestamp: time.Now().UnixMilli(),
			})
		},
		OnStream: func(delta string) {
			c.emit(wire.TypeTaskStream, wire.TaskStreamPayload{
				TaskID:    p.TaskID,
				Delta:     delta,
				Timestamp: time.Now().UnixMilli(),
			})
		},
	})

	if ctx.Err() == context.Canceled && result.Err != nil {
		c.emit(wire.TypeTaskCancelled, wire.TaskCancelledPayload{TaskID: p.TaskID, Reason: "cancelled by broker"})
		return
	}

	if result.Err != nil {
		c.emit(wire.TypeTaskError, wire.TaskErrorPayload{
			TaskID:      p.TaskID,
			Error:       truncateError(result.Err),
			Recoverable: result.Signal == executor.SignalInactivity || result.Signal == executor.SignalTimeout,
			SessionID:   result.SessionID,
		})
		return
	}

	c.emit(wire.TypeTaskComplete, wire.TaskCompletePayload{
		TaskID:            p.TaskID,
		Result:            result.Summary,
		SessionID:         result.SessionID,
		InputTokens:       result.InputTokens,
		OutputTokens:      result.OutputTokens,
		EstimatedCost:     estimateCost(p.Model, result.InputTokens, result.OutputTokens),
		FilesChanged:      dedupe(result.FilesChanged),
		CommandsRun:       dedupe(result.CommandsRun),
		DurationMs:        time.Since(start).Milliseconds(),
		Continuations:     result.Continuations,
		AttachmentResults: attachmentResults,
	})
}

// cancelTask aborts an in-flight invocation for taskID, if any is running
// on this agent. The task-cancelled frame is emitted by runTask once the
// abort actually unwinds the executor, not here, so the broker only ever
// observes a single terminal frame per task.
func (c *Client) cancelTask(taskID, reason string) {
	c.mu.Lock()
	cancel, ok := c.active[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("cancelling task %s: %s", taskID, reason)
	cancel()
}

// runDeploy runs ./deploy.sh in the project's local path (10-minute
// timeout) and reports its combined output and whether it exited cleanly.
// The actual deploy mechanics (build tooling, platform CLI) are
// project-specific and out of this system's core; they are whatever that
// script does.
func (c *Client) runDeploy(p wire.DeployRequestPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", "./deploy.sh")
	cmd.Dir = p.LocalPath
	out, err := cmd.CombinedOutput()

	c.emit(wire.TypeDeployResult, wire.DeployResultPayload{
		RequestID: p.RequestID,
		Success:   err == nil,
		Output:    string(out),
	})
}

// runPathValidate checks whether path exists under the agent's filesystem,
// creating it (and reporting so) when it is missing, so a new "auto"
// project can be bound to a directory that doesn't exist yet.
func (c *Client) runPathValidate(p wire.PathValidateRequestPayload) {
	info, err := os.Stat(p.Path)
	switch {
	case err == nil && info.IsDir():
		c.emit(wire.TypePathValidateRes, wire.PathValidateResultPayload{RequestID: p.RequestID, Success: true, Exists: true})
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(p.Path, 0o755); mkErr != nil {
			c.emit(wire.TypePathValidateRes, wire.PathValidateResultPayload{
				RequestID: p.RequestID, Success: false, Error: mkErr.Error(),
			})
			return
		}
		c.emit(wire.TypePathValidateRes, wire.PathValidateResultPayload{RequestID: p.RequestID, Success: true, Created: true})
	default:
		msg := "path exists but is not a directory"
		if err != nil {
			msg = err.Error()
		}
		c.emit(wire.TypePathValidateRes, wire.PathValidateResultPayload{RequestID: p.RequestID, Success: false, Error: msg})
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// estimateCost is a placeholder pricing table; the real per-model rate
// card lives with the AI SDK config this system treats as out of scope.
func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	const inputRatePerM, outputRatePerM = 3.0, 15.0
	_ = model
	return float64(inputTokens)/1_000_000*inputRatePerM + float64(outputTokens)/1_000_000*outputRatePerM
}
