// Package wire defines the broker<->agent duplex message protocol.
//
// Every frame travels as a single websocket text message carrying
// {"type": <enum>, "payload": <object>}. The payload shape is keyed off
// Type, so decoding is a two-step process: unmarshal the envelope, then
// unmarshal Payload into the concrete struct for that Type.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type identifies the shape of a frame's payload.
type Type string

// Broker -> Agent frame types.
const (
	TypeTaskSubmit       Type = "task-submit"
	TypeTaskCancel       Type = "task-cancel"
	TypeDeployRequest    Type = "deploy-request"
	TypePathValidateReq  Type = "path-validate-request"
	TypeSystemRestart    Type = "system-restart"
)

// Agent -> Broker frame types.
const (
	TypeTaskAck          Type = "task-ack"
	TypeTaskProgress     Type = "task-progress"
	TypeTaskStream       Type = "task-stream"
	TypeTaskComplete     Type = "task-complete"
	TypeTaskError        Type = "task-error"
	TypeTaskCancelled    Type = "task-cancelled"
	TypeDeployResult     Type = "deploy-result"
	TypePathValidateRes  Type = "path-validate-result"
	TypeAgentStatus      Type = "agent-status"
)

// Frame is the envelope carried over the duplex connection.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode builds a Frame from a typed payload.
func Encode(t Type, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal payload for %s: %w", t, err)
	}
	return Frame{Type: t, Payload: raw}, nil
}

// Decode unmarshals f.Payload into dst. dst must be a pointer.
func (f Frame) Decode(dst any) error {
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("wire: unmarshal payload for %s: %w", f.Type, err)
	}
	return nil
}

// SlackContext identifies where in the chat surface a task originated so
// replies can be routed back to the right place.
type SlackContext struct {
	ChannelID string `json:"channelId"`
	ThreadTs  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
}

// Attachment is a binary file sent alongside a task-submit frame.
type Attachment struct {
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
	Base64   string `json:"base64"`
	Size     int64  `json:"size"`
}

// AttachmentResult reports the outcome of materializing one attachment on
// the agent side.
type AttachmentResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Retries    int    `json:"retries"`
	Error      string `json:"error,omitempty"`
	SavedPath  string `json:"savedPath,omitempty"`
}

// TaskSubmitPayload is sent broker -> agent to start a task.
type TaskSubmitPayload struct {
	TaskID           string       `json:"taskId"`
	ProjectID        string       `json:"projectId"`
	BotName          string       `json:"botName"`
	Command          string       `json:"command"`
	Prompt           string       `json:"prompt"`
	SystemPrompt     string       `json:"systemPrompt"`
	LocalPath        string       `json:"localPath"`
	Model            string       `json:"model"`
	MaxBudget        float64      `json:"maxBudget"`
	AllowedTools     []string     `json:"allowedTools"`
	MaxContinuations *int         `json:"maxContinuations,omitempty"`
	ResumeSessionID  string       `json:"resumeSessionId,omitempty"`
	ParentTaskID     string       `json:"parentTaskId,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	SlackContext     SlackContext `json:"slackContext"`
}

// TaskCancelPayload is sent broker -> agent to cancel a running task.
type TaskCancelPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// DeployRequestPayload is sent broker -> agent to trigger a deploy.
type DeployRequestPayload struct {
	RequestID   string `json:"requestId"`
	LocalPath   string `json:"localPath"`
	ChannelID   string `json:"channelId"`
	ThreadTs    string `json:"threadTs,omitempty"`
	RequestedBy string `json:"requestedBy"`
}

// PathValidateRequestPayload is sent broker -> agent to check/create a path.
type PathValidateRequestPayload struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

// SystemRestartPayload is sent broker -> agent to trigger a restart.
type SystemRestartPayload struct {
	Reason  string `json:"reason"`
	Rebuild bool   `json:"rebuild,omitempty"`
}

// TaskAckPayload is sent agent -> broker in response to task-submit.
type TaskAckPayload struct {
	TaskID   string `json:"taskId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ProgressType distinguishes tool-use progress from informational progress.
type ProgressType string

// Progress frame subtypes.
const (
	ProgressToolUse ProgressType = "tool_use"
	ProgressInfo    ProgressType = "info"
)

// TaskProgressPayload is sent agent -> broker for each tool-use step.
type TaskProgressPayload struct {
	TaskID    string       `json:"taskId"`
	Type      ProgressType `json:"type"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
}

// TaskStreamPayload is sent agent -> broker for each text delta.
type TaskStreamPayload struct {
	TaskID    string `json:"taskId"`
	Delta     string `json:"delta"`
	Timestamp int64  `json:"timestamp"`
}

// TaskCompletePayload is sent agent -> broker when a task finishes
// successfully (including a "completed with warning" budget-exhaustion
// outcome, which is a non-error terminal state per the error-handling
// contract).
type TaskCompletePayload struct {
	TaskID            string             `json:"taskId"`
	Result            string             `json:"result"`
	SessionID         string             `json:"sessionId,omitempty"`
	InputTokens       int64              `json:"inputTokens"`
	OutputTokens      int64              `json:"outputTokens"`
	EstimatedCost     float64            `json:"estimatedCost"`
	FilesChanged      []string           `json:"filesChanged,omitempty"`
	CommandsRun       []string           `json:"commandsRun,omitempty"`
	DurationMs        int64              `json:"durationMs"`
	Continuations     int                `json:"continuations"`
	AttachmentResults []AttachmentResult `json:"attachmentResults,omitempty"`
}

// TaskErrorPayload is sent agent -> broker when a task fails.
type TaskErrorPayload struct {
	TaskID      string `json:"taskId"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
	SessionID   string `json:"sessionId,omitempty"`
}

// TaskCancelledPayload is sent agent -> broker confirming cancellation.
type TaskCancelledPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// DeployResultPayload is sent agent -> broker after a deploy-request.
type DeployResultPayload struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	Output       string `json:"output"`
	BuildLogsURL string `json:"buildLogsUrl,omitempty"`
}

// PathValidateResultPayload is sent agent -> broker after a path-validate-request.
type PathValidateResultPayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Exists    bool   `json:"exists"`
	Created   bool   `json:"created"`
	Error     string `json:"error,omitempty"`
}

// AgentStatus enumerates the agent-status payload's status field.
type AgentStatus string

// Agent status values.
const (
	AgentStatusOnline AgentStatus = "online"
	AgentStatusBusy   AgentStatus = "busy"
)

// AgentStatusPayload is sent agent -> broker periodically.
type AgentStatusPayload struct {
	Status        AgentStatus `json:"status"`
	ActiveTaskIDs []string    `json:"activeTaskIds"`
	Ts            int64       `json:"ts"`
}

// AutoAgentID is the sentinel preferred-agent id meaning "pick any online agent".
const AutoAgentID = "auto"
