package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/tasks"
)

// newTasksCmd creates the "plasma tasks" subcommand.
func newTasksCmd(opts *globalOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "tasks [TASK_ID]",
		Short: "Show which worker claimed which task",
		Long:  "Reads the claim records written by workers started with --claim.\nRecords live in the shared state store, so use the same --bus as the workers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch tasks.TaskStatus(status) {
			case "", tasks.StatusClaimed, tasks.StatusCompleted, tasks.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q (claimed, completed, failed)", status)
			}

			p, err := openProcess(cmd.Context(), opts, "tasks")
			if err != nil {
				return err
			}
			defer p.close()

			mgr := tasks.NewManager(p.store)
			defer mgr.Close()

			var list []*tasks.Task
			if len(args) == 1 {
				t, err := mgr.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("task %s: %w", args[0], err)
				}
				list = []*tasks.Task{t}
			} else {
				list, err = mgr.List(cmd.Context(), tasks.TaskStatus(status))
				if err != nil {
					return err
				}
			}
			return printTasks(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks in this state (claimed, completed, failed)")
	return cmd
}

func printTasks(w io.Writer, list []*tasks.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLAIMED\tTASK\tAGENT\tWORKER\tSTATUS\tDURATION\tERROR")
	for _, t := range list {
		dur := "-"
		if t.Status.IsTerminal() {
			dur = t.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ClaimedAt.Format(time.RFC3339), t.ID, t.Agent, t.ClaimedBy, t.Status, dur, t.Error)
	}
	return tw.Flush()
}
