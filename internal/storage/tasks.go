package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validTaskTransitions enumerates the task lifecycle edges: pending ->
// queued -> running -> {completed, failed}, with cancellation reachable
// from any non-terminal state. Terminal states have no outgoing edges.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {TaskStatusQueued: true, TaskStatusRunning: true, TaskStatusCancelled: true, TaskStatusFailed: true},
	TaskStatusQueued:  {TaskStatusRunning: true, TaskStatusCancelled: true, TaskStatusFailed: true},
	TaskStatusRunning: {TaskStatusCompleted: true, TaskStatusFailed: true, TaskStatusCancelled: true},
}

// CreateTask inserts a new task in TaskStatusPending, generating its id.
func (s *Store) CreateTask(t Task) (Task, error) {
	t.ID = uuid.NewString()
	t.Status = TaskStatusPending
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.FilesChanged == nil {
		t.FilesChanged = []string{}
	}
	if t.CommandsRun == nil {
		t.CommandsRun = []string{}
	}

	filesJSON, err := json.Marshal(t.FilesChanged)
	if err != nil {
		return Task{}, fmt.Errorf("storage: marshal filesChanged: %w", err)
	}
	cmdsJSON, err := json.Marshal(t.CommandsRun)
	if err != nil {
		return Task{}, fmt.Errorf("storage: marshal commandsRun: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, project_id, bot_name, command, plan_command, prompt, status, result, error_message,
			channel_id, thread_ts, chat_user_id, chat_message_id, session_id, input_tokens,
			output_tokens, estimated_cost, max_budget, files_changed, commands_run,
			parent_task_id, retry_count, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.BotName, t.Command, nullString(t.PlanCommand), t.Prompt, t.Status, nullString(t.Result), nullString(t.ErrorMessage),
		t.ChannelID, nullString(t.ThreadTs), t.ChatUserID, nullString(t.ChatMessageID), nullString(t.SessionID),
		t.InputTokens, t.OutputTokens, t.EstimatedCost, t.MaxBudget, string(filesJSON), string(cmdsJSON),
		nullString(t.ParentTaskID), t.RetryCount, t.CreatedAt, t.UpdatedAt, nil,
	)
	if err != nil {
		return Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	return t, nil
}

// GetTask looks up a task by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(taskSelectColumns+`FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListSubtasks returns every task whose parent is parentTaskID, ordered by
// creation time, used by the decompose workflow to fan out and collect
// results from planning children.
func (s *Store) ListSubtasks(parentTaskID string) ([]Task, error) {
	rows, err := s.db.Query(taskSelectColumns+`FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC`, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list subtasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByProject returns recent tasks for a project, newest first.
func (s *Store) ListTasksByProject(projectID string, limit int) ([]Task, error) {
	rows, err := s.db.Query(taskSelectColumns+`FROM tasks WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks by project: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TransitionTaskStatus moves a task to newStatus, enforcing the lifecycle
// invariants and stamping completed_at when entering a terminal state.
func (s *Store) TransitionTaskStatus(id string, newStatus TaskStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("storage: read task status: %w", err)
	}

	if !validTaskTransitions[current][newStatus] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	now := time.Now().UTC()
	var completedAt any
	if newStatus == TaskStatusCompleted || newStatus == TaskStatusFailed || newStatus == TaskStatusCancelled {
		completedAt = now
	}

	if _, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		newStatus, now, completedAt, id); err != nil {
		return fmt.Errorf("storage: update task status: %w", err)
	}

	return tx.Commit()
}

// CompleteTask records the final result of a successful invocation.
func (s *Store) CompleteTask(id, result, sessionID string, inputTokens, outputTokens int64, cost float64, filesChanged, commandsRun []string) error {
	if err := s.TransitionTaskStatus(id, TaskStatusCompleted); err != nil {
		return err
	}
	filesJSON, err := json.Marshal(filesChanged)
	if err != nil {
		return fmt.Errorf("storage: marshal filesChanged: %w", err)
	}
	cmdsJSON, err := json.Marshal(commandsRun)
	if err != nil {
		return fmt.Errorf("storage: marshal commandsRun: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE tasks SET result = ?, session_id = ?, input_tokens = ?, output_tokens = ?,
			estimated_cost = ?, files_changed = ?, commands_run = ?, updated_at = ?
		WHERE id = ?`,
		result, sessionID, inputTokens, outputTokens, cost, string(filesJSON), string(cmdsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete task: %w", err)
	}
	return nil
}

// CompleteParentWithAggregates marks a decomposed parent completed and
// stores the subtask rollup - cost set to the sum of subtask costs, files
// set to their union - in a single transaction. It returns false without
// writing when the parent is already terminal, so when two last siblings
// terminate concurrently (their frames arrive on independent connection
// readers) exactly one caller wins and performs the completion effects.
func (s *Store) CompleteParentWithAggregates(parentID string, cost float64, filesChanged []string) (bool, error) {
	filesJSON, err := json.Marshal(filesChanged)
	if err != nil {
		return false, fmt.Errorf("storage: marshal aggregate filesChanged: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("storage: begin parent completion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, parentID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("storage: read parent status: %w", err)
	}
	switch current {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return false, nil
	}
	if !validTaskTransitions[current][TaskStatusCompleted] {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, TaskStatusCompleted)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, estimated_cost = ?, files_changed = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		TaskStatusCompleted, cost, string(filesJSON), now, now, parentID,
	); err != nil {
		return false, fmt.Errorf("storage: complete parent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit parent completion: %w", err)
	}
	return true, nil
}

// FailTask records a terminal error. sessionID, when non-empty, is stored
// so the failed invocation's session can still be resumed later.
func (s *Store) FailTask(id, errMsg, sessionID string, incrementRetry bool) error {
	if err := s.TransitionTaskStatus(id, TaskStatusFailed); err != nil {
		return err
	}
	query := `UPDATE tasks SET error_message = ?, session_id = COALESCE(NULLIF(?, ''), session_id), updated_at = ? WHERE id = ?`
	args := []any{errMsg, sessionID, time.Now().UTC(), id}
	if incrementRetry {
		query = `UPDATE tasks SET error_message = ?, session_id = COALESCE(NULLIF(?, ''), session_id), updated_at = ?, retry_count = retry_count + 1 WHERE id = ?`
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("storage: fail task: %w", err)
	}
	return nil
}

// RecordPlanResult stores a planning parent's result and usage without
// touching its status: the parent stays running while its subtasks execute
// and is only marked completed once the last subtask reaches a terminal
// state.
func (s *Store) RecordPlanResult(id, result, sessionID string, inputTokens, outputTokens int64, cost float64) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET result = ?, session_id = COALESCE(NULLIF(?, ''), session_id),
			input_tokens = ?, output_tokens = ?, estimated_cost = ?, updated_at = ?
		WHERE id = ?`,
		result, sessionID, inputTokens, outputTokens, cost, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: record plan result: %w", err)
	}
	return nil
}

const taskSelectColumns = `
	SELECT id, project_id, bot_name, command, plan_command, prompt, status, result, error_message,
		channel_id, thread_ts, chat_user_id, chat_message_id, session_id, input_tokens,
		output_tokens, estimated_cost, max_budget, files_changed, commands_run,
		parent_task_id, retry_count, created_at, updated_at, completed_at
`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var planCommand, result, errMsg, threadTs, chatMessageID, sessionID, parentTaskID sql.NullString
	var filesJSON, cmdsJSON string
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.ProjectID, &t.BotName, &t.Command, &planCommand, &t.Prompt, &t.Status, &result, &errMsg,
		&t.ChannelID, &threadTs, &t.ChatUserID, &chatMessageID, &sessionID, &t.InputTokens,
		&t.OutputTokens, &t.EstimatedCost, &t.MaxBudget, &filesJSON, &cmdsJSON,
		&parentTaskID, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("storage: scan task: %w", err)
	}

	t.PlanCommand = planCommand.String
	t.Result, t.ErrorMessage, t.ThreadTs = result.String, errMsg.String, threadTs.String
	t.ChatMessageID, t.SessionID, t.ParentTaskID = chatMessageID.String, sessionID.String, parentTaskID.String
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	if err := json.Unmarshal([]byte(filesJSON), &t.FilesChanged); err != nil {
		return Task{}, fmt.Errorf("storage: unmarshal filesChanged: %w", err)
	}
	if err := json.Unmarshal([]byte(cmdsJSON), &t.CommandsRun); err != nil {
		return Task{}, fmt.Errorf("storage: unmarshal commandsRun: %w", err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate tasks: %w", err)
	}
	return out, nil
}
