package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the state of a task in the task store.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusClosed     TaskStatus = "closed"

	// TaskStatusMissing marks, in reports only, a task the session recorded
	// that the task store no longer returns. It is never stored.
	TaskStatusMissing TaskStatus = "missing"
)

// ParseTaskStatus accepts the canonical names plus a few common aliases.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "pending", "todo":
		return TaskStatusOpen, nil
	case "in_progress", "in-progress", "active", "started":
		return TaskStatusInProgress, nil
	case "closed", "done", "completed":
		return TaskStatusClosed, nil
	default:
		return "", fmt.Errorf("invalid task status %q (want open, in_progress, closed)", s)
	}
}

// Task is a unit of work created for one phase of a workflow.
type Task struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	SessionID   string     `json:"sessionId,omitempty"`
	PhaseID     string     `json:"phase,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
}

// Closed reports whether the task is done.
func (t *Task) Closed() bool { return t.Status == TaskStatusClosed }

// Summary returns the presentation form used in blocking reports.
func (t *Task) Summary() TaskSummary {
	return TaskSummary{ID: t.ID, Title: t.Title, Status: t.Status, PhaseID: t.PhaseID}
}

// TaskSummary is the short form of a task shown when exit is blocked.
type TaskSummary struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Status  TaskStatus `json:"status"`
	PhaseID string     `json:"phase,omitempty"`
}
