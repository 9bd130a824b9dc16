// Package ledger holds the per-job remediation state that rides along inside
// the job's own configuration as a tagged JSON block.
package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds is the accuracy triple a relaxation walk must eventually return to.
type Thresholds struct {
	Rho  float64 `json:"rho"`
	Eev  float64 `json:"eev"`
	Etot float64 `json:"etot"`
}

func (t Thresholds) String() string {
	return fmt.Sprintf("rho=%.3e eev=%.3e etot=%.3e", t.Rho, t.Eev, t.Etot)
}

// Ledger is the remediation progress of one job.
//
// CurrentIndex points at the next method to try. It only ever grows, and once
// it reaches len(Methods) the ladder is exhausted.
type Ledger struct {
	Methods           []string        `json:"methods"`
	CurrentIndex      int             `json:"current_index"`
	StageFlags        map[string]bool `json:"stage_flags,omitempty"`
	ModificationCount int             `json:"modification_count"`
	MinIterationFloor int             `json:"min_iteration_floor"`
	Stage             string          `json:"stage,omitempty"`
	Original          *Thresholds     `json:"original,omitempty"`
	CommandProfile    string          `json:"command_profile,omitempty"`
	// OverrideReads is how many override reads the log showed when the
	// active override file was written.
	OverrideReads int       `json:"override_reads,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// New returns a fresh ledger over a frozen copy of methods.
func New(methods ...string) *Ledger {
	return &Ledger{Methods: append([]string{}, methods...)}
}

// Advance returns the method at CurrentIndex and moves past it. An exhausted
// ledger returns ok=false and is left untouched.
func (l *Ledger) Advance() (method string, ok bool) {
	if l == nil || l.CurrentIndex >= len(l.Methods) {
		return "", false
	}
	method = l.Methods[l.CurrentIndex]
	l.CurrentIndex++
	return method, true
}

// Peek returns the method Advance would hand out next without consuming it.
func (l *Ledger) Peek() (string, bool) {
	if l == nil || l.CurrentIndex >= len(l.Methods) {
		return "", false
	}
	return l.Methods[l.CurrentIndex], true
}

func (l *Ledger) Exhausted() bool {
	return l == nil || l.CurrentIndex >= len(l.Methods)
}

// Remaining is the number of methods not yet tried.
func (l *Ledger) Remaining() int {
	if l == nil {
		return 0
	}
	if n := len(l.Methods) - l.CurrentIndex; n > 0 {
		return n
	}
	return 0
}

func (l *Ledger) Flag(name string) bool {
	if l == nil || l.StageFlags == nil {
		return false
	}
	return l.StageFlags[strings.TrimSpace(name)]
}

func (l *Ledger) SetFlag(name string, v bool) {
	if l.StageFlags == nil {
		l.StageFlags = map[string]bool{}
	}
	l.StageFlags[strings.TrimSpace(name)] = v
}

// Validate checks the structural invariants a decoded ledger must satisfy.
func (l *Ledger) Validate() error {
	if l == nil {
		return fmt.Errorf("ledger is nil")
	}
	for i, m := range l.Methods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("methods[%d] is empty", i)
		}
	}
	if l.CurrentIndex < 0 {
		return fmt.Errorf("current_index must be >= 0 (got %d)", l.CurrentIndex)
	}
	if l.ModificationCount < 0 || l.MinIterationFloor < 0 || l.OverrideReads < 0 {
		return fmt.Errorf("counters must be >= 0")
	}
	return nil
}
