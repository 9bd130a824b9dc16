// simwarden inspects a simulation job directory, classifies the failure the
// job's output shows and applies the next remedy to its input.
//
// Usage:
//
//	simwarden check   [--config run.yaml | --dir <job> --family qchem|aims]
//	simwarden correct [kind]
//	simwarden validate
//	simwarden status  [--json]
//	simwarden watch
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes seen by the supervisory loop.
const (
	exitOK       = 0
	exitError    = 1
	exitOperator = 2
)

// exitCodeError carries a non-error exit status out of a RunE.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

var rootFlags struct {
	config    string
	dir       string
	family    string
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "simwarden",
	Short: "Detect and correct failures of simulation jobs",
	Long: "simwarden scans the output of a Q-Chem or FHI-aims job, classifies the\n" +
		"failure it shows and applies the next escalating remedy to the job input.",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.config, "config", "", "run config file (.yaml, .json or .toml)")
	f.StringVar(&rootFlags.dir, "dir", ".", "job directory when no config file is given")
	f.StringVar(&rootFlags.family, "family", "", "job family when no config file is given (qchem|aims)")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	f.StringVar(&rootFlags.logFormat, "log-format", "", "log format (text|json)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.Version = version
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.msg != "" {
			fmt.Fprintln(os.Stderr, ec.msg)
		}
		return ec.code
	}
	fmt.Fprintln(os.Stderr, err)
	return exitError
}
