package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	json bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what has been done to the job so far",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false, "print the snapshot as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	s, err := e.Snapshot()
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	out := cmd.OutOrStdout()
	if statusFlags.json {
		return writeJSON(out, s)
	}

	fmt.Fprintf(out, "Dir:     %s\n", s.Dir)
	fmt.Fprintf(out, "State:   %s\n", s.State)
	if s.PID > 0 {
		fmt.Fprintf(out, "PID:     %d (alive=%t)\n", s.PID, s.PIDAlive)
	}
	if s.LastEvent != "" {
		fmt.Fprintf(out, "Event:   %s at %s\n", s.LastEvent, s.LastEventAt.Format(time.RFC3339))
	}
	if r := s.LastResult; r != nil {
		fmt.Fprintf(out, "Last:    %s (%d actions, terminal=%t)\n", r.Kind, len(r.Actions), r.Terminal)
		if r.Reason != "" {
			fmt.Fprintf(out, "Reason:  %s\n", r.Reason)
		}
	}
	fmt.Fprintf(out, "Backups: %d\n", len(s.Backups))
	for _, l := range s.Ledgers {
		fmt.Fprintf(out, "  job %d <%s> %d/%d remaining=%d", l.Job, l.Tag, l.Ledger.CurrentIndex, len(l.Ledger.Methods), l.Remaining)
		if l.Ledger.Stage != "" {
			fmt.Fprintf(out, " stage=%s", l.Ledger.Stage)
		}
		fmt.Fprintln(out)
	}
	return nil
}
