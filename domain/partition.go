package domain

import (
	"slices"
	"strings"
)

// CompareRank orders two tasks of the same column: position ascending, newer
// tasks first on equal positions, then by id so the order is total.
func CompareRank(a, b Task) int {
	if a.Position != b.Position {
		if a.Position < b.Position {
			return -1
		}
		return 1
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortColumn sorts tasks in place by rank.
func SortColumn(tasks []Task) {
	slices.SortFunc(tasks, CompareRank)
}

// ColumnTasks returns the members of col in rank order. The result is a fresh
// slice of copies.
func ColumnTasks(tasks []Task, col Column) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Column == col {
			out = append(out, t)
		}
	}
	SortColumn(out)
	return out
}

// Partition groups tasks by column in rank order. Every board column is present
// in the result, empty ones included. Tasks whose column is outside the board
// are grouped under their own key so nothing is dropped.
func Partition(tasks []Task) map[Column][]Task {
	out := make(map[Column][]Task, len(Columns))
	for _, c := range Columns {
		out[c] = []Task{}
	}
	for _, t := range tasks {
		out[t.Column] = append(out[t.Column], t)
	}
	for _, list := range out {
		SortColumn(list)
	}
	return out
}
