package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

func newTasksCmd() *cobra.Command {
	var asJSON bool
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List recorded task sessions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			journal, err := store.Open(cmd.Context(), cfg.Journal, observability.GetLogger())
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := journal.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no task with id %q", args[0])
				}
				if err != nil {
					return err
				}
				if asJSON {
					return encodeJSON(out, rec)
				}
				writeTaskDetail(out, rec)
				return nil
			}

			if limit <= 0 {
				limit = cfg.Journal.ListLimit
			}
			records, err := journal.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				if records == nil {
					records = []store.TaskRecord{}
				}
				return encodeJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No tasks recorded.")
				return nil
			}
			return writeTaskTable(out, records)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of tasks to list (default journal.list_limit)")
	return cmd
}

func encodeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTaskTable(out io.Writer, records []store.TaskRecord) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tSTEPS\tCOMMAND")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.StartedAt.Local().Format(time.DateTime), rec.Outcome, rec.Steps, abbreviate(rec.Command, 60))
	}
	return tw.Flush()
}

func writeTaskDetail(out io.Writer, rec store.TaskRecord) {
	fmt.Fprintf(out, "ID:       %s\n", rec.ID)
	fmt.Fprintf(out, "Command:  %s\n", rec.Command)
	fmt.Fprintf(out, "Outcome:  %s\n", rec.Outcome)
	fmt.Fprintf(out, "Steps:    %d\n", rec.Steps)
	fmt.Fprintf(out, "Started:  %s\n", rec.StartedAt.Local().Format(time.DateTime))
	if rec.EndedAt != nil {
		fmt.Fprintf(out, "Ended:    %s (%s)\n", rec.EndedAt.Local().Format(time.DateTime), rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	if rec.Summary != "" {
		fmt.Fprintf(out, "Summary:  %s\n", rec.Summary)
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", rec.Error)
	}
}
