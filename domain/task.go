package domain

import (
	"strings"
	"time"
)

// Column is a kanban lane a task can occupy.
type Column string

const (
	ColumnTodo       Column = "TODO"
	ColumnInProgress Column = "IN_PROGRESS"
	ColumnDone       Column = "DONE"
)

// Columns lists the board lanes in display order. The first entry is where
// tasks without a usable column end up.
var Columns = []Column{ColumnTodo, ColumnInProgress, ColumnDone}

var legacyColumns = map[string]Column{
	"":            ColumnTodo,
	"BACKLOG":     ColumnTodo,
	"POR_HACER":   ColumnTodo,
	"EN_PROGRESO": ColumnInProgress,
	"HECHO":       ColumnDone,
}

// Valid reports whether c belongs to the closed set of board columns.
func (c Column) Valid() bool {
	for _, col := range Columns {
		if c == col {
			return true
		}
	}
	return false
}

// ParseColumn accepts only the current column names, ignoring case.
func ParseColumn(raw string) (Column, bool) {
	c := Column(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", false
	}
	return c, true
}

// NormalizeColumn maps stored values, including legacy and default markers,
// onto a board column. Unknown values land in the first column.
func NormalizeColumn(raw string) Column {
	if c, ok := ParseColumn(raw); ok {
		return c
	}
	if c, ok := legacyColumns[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return c
	}
	return Columns[0]
}

// Task is a technician task placed on the board.
type Task struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Column      Column    `json:"column"`
	Position    int       `json:"position"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Placement is the durable part of a move: where a task sits.
type Placement struct {
	Column   Column `json:"column"`
	Position int    `json:"position"`
}

// Placement returns the task's current column and position.
func (t Task) Placement() Placement {
	return Placement{Column: t.Column, Position: t.Position}
}

// Normalize returns a copy of tasks with columns mapped onto the closed set and
// negative positions clamped to zero. It runs wherever tasks enter the process.
func Normalize(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		t.Column = NormalizeColumn(string(t.Column))
		if t.Position < 0 {
			t.Position = 0
		}
		out[i] = t
	}
	return out
}
