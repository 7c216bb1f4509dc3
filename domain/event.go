package domain

import "encoding/json"

const (
	EntityTypeTask = "task"
	TaskCreated    = "task-created"
	TaskMoved      = "task-moved"
	TaskDeleted    = "task-deleted"
)

// Event is a change notification published after a durable write.
type Event struct {
	ID         string          `json:"Id"`
	EntityID   string          `json:"EntityId"`
	EntityType string          `json:"EntityType"`
	Type       string          `json:"Type"`
	Data       json.RawMessage `json:"Data"`
	Timestamp  int64           `json:"Timestamp"`
	UserID     string          `json:"UserId"`
}

// TaskMovedEventData carries the placement a task was moved to.
type TaskMovedEventData struct {
	Column   Column `json:"column"`
	Position int    `json:"position"`
}
