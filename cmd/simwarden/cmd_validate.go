package main

import (
	"fmt"

	"github.com/danshapiro/simwarden/internal/warden/validate"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the job finished successfully",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	failures, err := validate.All(e.Validators()...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(failures) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	for _, f := range failures {
		fmt.Fprintf(out, "%s: %s\n", f.Validator, f.Reason)
	}
	return &exitCodeError{code: exitOperator}
}
