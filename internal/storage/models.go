package storage

import "time"

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Project binds a chat channel to an agent and a local workspace path.
type Project struct {
	ID                 string
	Name                string
	ChannelID           string
	AgentID             string
	LocalPath           string
	DefaultModel        string
	DefaultMaxBudget    float64
	DeployPlatformID    string
	AutoCommitPush      bool
	RateLimitOverride   *int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// User is a chat-workspace member known to the broker.
type User struct {
	ID                string
	ChatUserID        string
	Role              string
	RateLimitOverride *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Task is a unit of work dispatched to an agent.
type Task struct {
	ID             string
	ProjectID      string
	BotName        string
	Command        string
	// PlanCommand is only set on a planning parent: the execution command
	// the user originally asked for, handed down to the subtasks (and the
	// direct-submit fallback) the plan expands into.
	PlanCommand    string
	Prompt         string
	Status         TaskStatus
	Result         string
	ErrorMessage   string
	ChannelID      string
	ThreadTs       string
	ChatUserID     string
	ChatMessageID  string
	SessionID      string
	InputTokens    int64
	OutputTokens   int64
	EstimatedCost  float64
	MaxBudget      float64
	FilesChanged   []string
	CommandsRun    []string
	ParentTaskID   string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// IsTerminal reports whether t.Status will never transition again.
func (t Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// OfflineQueueEntry is a message held for an agent that is currently
// disconnected from the gateway.
type OfflineQueueEntry struct {
	ID          int64
	AgentID     string
	MessageType string
	Payload     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

// SessionStatus enumerates the lifecycle of an agent invocation session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
)

// Session records one agent invocation's resource usage, resumable by id.
type Session struct {
	ID             string
	TaskID         string
	AgentID        string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	EstimatedCost  float64
	DurationMs     int64
	Status         SessionStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// AuditLogEntry is an append-only record of a state-changing action.
type AuditLogEntry struct {
	ID           int64
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	Metadata     string
	Timestamp    time.Time
}

// APIKey is the stored, hashed credential an agent authenticates with.
type APIKey struct {
	AgentID   string
	Salt      string
	Hash      string
	CreatedAt time.Time
	Revoked   bool
}
