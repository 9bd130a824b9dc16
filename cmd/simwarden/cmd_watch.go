package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/watch"

	"github.com/spf13/cobra"
)

var watchFlags struct {
	debounce time.Duration
	interval time.Duration
}

// maxPollInterval bounds the time between checks of a job that writes nothing.
const maxPollInterval = time.Minute

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the check result every time the job output changes",
	Long: "watch only reports. It never corrects the job; that stays with the\n" +
		"supervisory loop.",
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.DurationVar(&watchFlags.debounce, "debounce", watch.DefaultDebounce, "quiet period before a burst of changes is reported")
	f.DurationVar(&watchFlags.interval, "interval", 0, "check this often even without changes (default: a quarter of the staleness timeout, at most 1m)")
}

// pollInterval picks the timer period that lets watch notice a frozen job.
func pollInterval(flag, staleTimeout time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	if staleTimeout <= 0 {
		return 0
	}
	return min(staleTimeout/4, maxPollInterval)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	log := logger("watch")
	w, err := watch.New(watch.Config{
		Dir:      e.Config().Dir,
		Names:    e.WatchNames(),
		Debounce: watchFlags.debounce,
		Interval: pollInterval(watchFlags.interval, e.StaleTimeout()),
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = w.Run(ctx, func(ctx context.Context, changed []string) {
		kind, err := e.Check(ctx)
		if err != nil {
			log.Warn("check failed", "changed", changed, "error", err)
			return
		}
		fmt.Fprintf(out, "%s %s\n", time.Now().UTC().Format(time.RFC3339), kind)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
