package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"fieldboard/domain"
)

func showCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the board grouped by column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := o.controller(cmd)
			if err := ctrl.Load(cmd.Context()); err != nil {
				return fmt.Errorf("load board: %w", err)
			}
			renderBoard(cmd.OutOrStdout(), ctrl.Columns())
			return nil
		},
	}
}

func renderBoard(w io.Writer, cols map[domain.Column][]domain.Task) {
	for i, col := range domain.Columns {
		if i > 0 {
			fmt.Fprintln(w)
		}
		tasks := cols[col]
		fmt.Fprintf(w, "%s (%d)\n", col, len(tasks))
		fmt.Fprintln(w, strings.Repeat("-", 40))
		for _, t := range tasks {
			line := fmt.Sprintf("  %d. %s", t.Position, t.ID)
			if t.Description != "" {
				line += "  " + t.Description
			}
			fmt.Fprintln(w, line)
		}
	}
}
