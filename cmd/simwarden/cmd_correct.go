package main

import (
	"fmt"

	"github.com/danshapiro/simwarden/internal/warden/runtime"

	"github.com/spf13/cobra"
)

var correctCmd = &cobra.Command{
	Use:   "correct [kind]",
	Short: "Back up the job and apply the next remedy for kind (default: what check reports)",
	Long: "correct applies one remedy and prints the correction result as JSON.\n" +
		"It exits 2 when the remedies for the error are used up and an operator\n" +
		"has to look at the job.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCorrect,
}

func runCorrect(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var kind runtime.ErrorKind
	if len(args) == 1 {
		kind, err = runtime.ParseErrorKind(args[0])
		if err != nil {
			return err
		}
	} else {
		kind, err = e.Check(ctx)
		if err != nil {
			return err
		}
	}
	if kind == runtime.KindNone {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to correct")
		return nil
	}
	res, err := e.Correct(ctx, kind)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Terminal {
		return &exitCodeError{code: exitOperator, msg: res.Reason}
	}
	return nil
}
