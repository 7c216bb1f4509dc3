package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"fieldboard/board"
	"fieldboard/domain"
)

var errMoveRolledBack = errors.New("move rolled back")

type printListener struct {
	w io.Writer
}

func (p printListener) MoveFailed(moveID string, err error) {
	fmt.Fprintf(p.w, "could not save move %s, board restored: %v\n", moveID, err)
}

func moveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "move TASK COLUMN INDEX",
		Short: "Move a task to a column and position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, ok := domain.ParseColumn(args[1])
			if !ok {
				return fmt.Errorf("unknown column %q", args[1])
			}
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[2], err)
			}

			out := cmd.OutOrStdout()
			ctrl := o.controller(cmd, board.WithListener(printListener{w: cmd.ErrOrStderr()}))
			if err := ctrl.Load(cmd.Context()); err != nil {
				return fmt.Errorf("load board: %w", err)
			}

			m, err := ctrl.Drop(cmd.Context(), board.Intent{TaskID: args[0], Column: col, Index: index})
			if board.IsRefused(err) {
				fmt.Fprintf(out, "move refused: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}
			if err := m.Wait(); err != nil {
				renderBoard(out, ctrl.Columns())
				return errMoveRolledBack
			}
			fmt.Fprintf(out, "moved %s to %s #%d\n", m.TaskID, col, index)
			renderBoard(out, ctrl.Columns())
			return nil
		},
	}
}
