package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMove is returned when a move names an unknown task or a
	// destination that does not resolve to a column slot.
	ErrInvalidMove = errors.New("invalid move")
	// ErrUnauthorized is returned when the acting user does not own the task.
	ErrUnauthorized = errors.New("task not owned by acting user")
	// ErrTaskNotFound is returned by stores when no task matches.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskUpdateError records a single rejected placement update.
type TaskUpdateError struct {
	TaskID string
	Err    error
}

func (e *TaskUpdateError) Error() string {
	return fmt.Sprintf("update task %s: %v", e.TaskID, e.Err)
}

func (e *TaskUpdateError) Unwrap() error { return e.Err }

// PersistenceError reports that one or more updates of a move were rejected.
type PersistenceError struct {
	MoveID string
	Failed []*TaskUpdateError
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("move %s: %d of its updates failed: %v", e.MoveID, len(e.Failed), e.Unwrap())
}

func (e *PersistenceError) Unwrap() error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}
