package domain

import "slices"

// Destination is an insertion slot: Index counts positions in the destination
// column after the moved task has been taken out of it. An Index equal to the
// column length appends.
type Destination struct {
	Column Column `json:"column"`
	Index  int    `json:"index"`
}

// ApplyMove returns the collection that results from relocating task id to dest.
// The input is never modified. Unknown ids and destinations outside the board
// yield an unchanged copy.
//
// Only the source and destination columns are renumbered (densely from zero);
// every other task is returned as is, ahead of the renumbered columns.
func ApplyMove(tasks []Task, id string, dest Destination) []Task {
	srcIdx := slices.IndexFunc(tasks, func(t Task) bool { return t.ID == id })
	if srcIdx < 0 || !dest.Column.Valid() {
		return slices.Clone(tasks)
	}

	moved := tasks[srcIdx]
	from := moved.Column
	moved.Column = dest.Column

	rest := make([]Task, 0, len(tasks)-1)
	rest = append(rest, tasks[:srcIdx]...)
	rest = append(rest, tasks[srcIdx+1:]...)

	destList := ColumnTasks(rest, dest.Column)
	at := min(max(dest.Index, 0), len(destList))
	destList = slices.Insert(destList, at, moved)
	renumber(destList)

	var fromList []Task
	if from != dest.Column {
		fromList = ColumnTasks(rest, from)
		renumber(fromList)
	}

	out := make([]Task, 0, len(tasks))
	for _, t := range rest {
		if t.Column == dest.Column || t.Column == from {
			continue
		}
		out = append(out, t)
	}
	out = append(out, fromList...)
	out = append(out, destList...)
	return out
}

func renumber(list []Task) {
	for i := range list {
		list[i].Position = i
	}
}

// ChangedPlacements lists the tasks of after whose column or position differs
// from before, considering only tasks that sit in one of cols after the move.
// The result follows board column order, then rank.
func ChangedPlacements(before, after []Task, cols ...Column) []Task {
	prev := make(map[string]Placement, len(before))
	for _, t := range before {
		prev[t.ID] = t.Placement()
	}
	var out []Task
	for _, col := range orderedColumns(cols) {
		for _, t := range ColumnTasks(after, col) {
			if p, ok := prev[t.ID]; ok && p == t.Placement() {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

func orderedColumns(cols []Column) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range Columns {
		if slices.Contains(cols, c) {
			out = append(out, c)
		}
	}
	return out
}

// NextPosition is the position a task appended to col would take.
func NextPosition(tasks []Task, col Column) int {
	n := 0
	for _, t := range tasks {
		if t.Column == col {
			n++
		}
	}
	return n
}

// CloseGap returns the tasks that must move up once id is removed from its
// column, with their new positions. Unknown ids yield nil.
func CloseGap(tasks []Task, id string) []Task {
	idx := slices.IndexFunc(tasks, func(t Task) bool { return t.ID == id })
	if idx < 0 {
		return nil
	}
	col := tasks[idx].Column
	rest := slices.Delete(slices.Clone(tasks), idx, idx+1)
	list := ColumnTasks(rest, col)

	var out []Task
	for i, t := range list {
		if t.Position != i {
			t.Position = i
			out = append(out, t)
		}
	}
	return out
}
