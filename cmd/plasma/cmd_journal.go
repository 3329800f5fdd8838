package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/plasma/journal"
)

// newJournalCmd creates the "plasma journal" command group.
func newJournalCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded bus traffic",
	}
	cmd.AddCommand(newJournalShowCmd(opts), newJournalSearchCmd(opts))
	return cmd
}

// newJournalShowCmd creates "plasma journal show".
func newJournalShowCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show [TASK_ID]",
		Short: "Print journal entries, optionally for one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return fmt.Errorf("no journal configured (set journal.path or PLASMA_JOURNAL)")
			}
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}

			var entries []journal.Entry
			switch cfg.Journal.Format {
			case "sqlite":
				db, err := journal.OpenSQLite(cfg.Journal.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				if taskID != "" {
					entries, err = db.ByTask(cmd.Context(), taskID)
				} else {
					entries, err = db.Recent(cmd.Context(), limit)
				}
				if err != nil {
					return err
				}
			default:
				all, err := journal.ReadJSONL(cfg.Journal.Path)
				if err != nil {
					return err
				}
				entries = filterEntries(all, taskID, limit)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "entries to show when no task id is given")
	return cmd
}

// newJournalSearchCmd creates "plasma journal search".
func newJournalSearchCmd(opts *globalOptions) *cobra.Command {
	var so journal.SearchOptions
	var kind string

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Full-text search over recorded messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Journal.Index == "" {
				return fmt.Errorf("no journal index configured (set journal.index)")
			}
			idx, err := journal.OpenIndex(cfg.Journal.Index)
			if err != nil {
				return err
			}
			defer idx.Close()

			so.Kind = journal.Kind(kind)
			entries, err := idx.Search(cmd.Context(), strings.Join(args, " "), so)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&so.Agent, "agent", "", "only entries for this agent")
	flags.StringVar(&kind, "kind", "", "only entries of this kind (routed, dropped, consumed, result, submitted, received)")
	flags.IntVar(&so.Limit, "limit", 10, "maximum hits")
	return cmd
}

// filterEntries keeps entries for taskID, or the last limit entries when
// taskID is empty.
func filterEntries(all []journal.Entry, taskID string, limit int) []journal.Entry {
	if taskID == "" {
		if limit > 0 && len(all) > limit {
			return all[len(all)-limit:]
		}
		return all
	}
	var out []journal.Entry
	for _, e := range all {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func printEntries(w io.Writer, entries []journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tCOMPONENT\tTASK\tAGENT\tDETAIL")
	for _, e := range entries {
		detail := string(e.Message)
		if e.Error != "" {
			detail = "error: " + e.Error
		}
		if len(detail) > 80 {
			detail = detail[:77] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format(time.RFC3339), e.Kind, e.Component, e.TaskID, e.Agent, detail)
	}
	return tw.Flush()
}
