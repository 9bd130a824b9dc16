// Package stale reports jobs whose log has stopped growing.
package stale

import "time"

// DefaultTimeout applies when a job does not set its own.
const DefaultTimeout = time.Hour

// Result describes one staleness check.
type Result struct {
	Frozen  bool
	ModTime time.Time
	Age     time.Duration
}

// Evaluate compares a log's last modification against timeout. A timeout of
// zero or less disables the check.
func Evaluate(mod time.Time, timeout time.Duration, now time.Time) Result {
	age := now.Sub(mod)
	if age < 0 {
		age = 0
	}
	return Result{Frozen: timeout > 0 && age > timeout, ModTime: mod, Age: age}
}
