package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkFlags struct {
	json bool
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report the highest-priority error the job shows, without changing anything",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkFlags.json, "json", false, "print the inspection as JSON")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.Inspect(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if checkFlags.json {
		doc := map[string]any{
			"kind":       r.Kind.String(),
			"signatures": r.Record.SignatureList(),
			"stale":      r.Stale.Frozen,
		}
		if r.Kind.Valid() {
			doc["class"] = string(r.Kind.Class())
		}
		if r.Relax != nil {
			doc["relax_transition"] = string(r.Relax.Transition)
		}
		return writeJSON(out, doc)
	}
	fmt.Fprintln(out, r.Kind.String())
	return nil
}
