package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldboard/client"
	"fieldboard/domain"
)

func addCmd(o *options) *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "add DESCRIPTION",
		Short: "Add a task at the end of a column",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var col domain.Column
			if column != "" {
				var ok bool
				if col, ok = domain.ParseColumn(column); !ok {
					return fmt.Errorf("unknown column %q", column)
				}
			}
			task, err := client.New(o.apiURL, o.token).CreateTask(cmd.Context(), strings.Join(args, " "), col)
			if err != nil {
				return fmt.Errorf("add task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s #%d\n", task.ID, task.Column, task.Position)
			return nil
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "target column (default TODO)")
	return cmd
}

func rmCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm TASK",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(o.apiURL, o.token).DeleteTask(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
