// Package relax walks a job through staged accuracy relaxation: loosen the
// SCF thresholds when the run stalls, then put the original thresholds back
// once it converges at the looser level.
package relax

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/controlfile"
	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/scan"
	"github.com/danshapiro/simwarden/internal/warden/statuslog"
)

// ErrNoThresholds is returned when the static config does not state all
// three accuracy thresholds, so there is nothing to restore to.
var ErrNoThresholds = errors.New("relax: static config lacks accuracy thresholds")

type State string

const (
	StateOriginal       State = "original"
	StateRestorePending State = "restore_pending"
	StateExhausted      State = "exhausted"
)

// StageState names the state reached after applying stage i (0-based).
func StageState(i int) State {
	return State(fmt.Sprintf("relaxed%d", i+1))
}

// Stage is one relaxation level.
type Stage struct {
	Rho             float64 `json:"rho" yaml:"rho" toml:"rho"`
	Eev             float64 `json:"eev" yaml:"eev" toml:"eev"`
	Etot            float64 `json:"etot" yaml:"etot" toml:"etot"`
	ExtraIterations int     `json:"extra_iterations" yaml:"extra_iterations" toml:"extra_iterations"`
}

// DefaultStages loosen by roughly one and then two orders of magnitude.
func DefaultStages() []Stage {
	return []Stage{
		{Rho: 1e-2, Eev: 1e-2, Etot: 1e-4, ExtraIterations: 100},
		{Rho: 1e-1, Eev: 1e-1, Etot: 1e-2, ExtraIterations: 150},
	}
}

type Config struct {
	OverridePath      string
	LedgerPath        string
	Stages            []Stage
	MinIterationFloor int
}

type Controller struct {
	cfg      Config
	original ledger.Thresholds
	block    ledger.Block
	status   *statuslog.Log
	log      *slog.Logger
	now      func() time.Time
}

// New builds a controller around the thresholds read from the static config.
func New(cfg Config, static *controlfile.Static, status *statuslog.Log, log *slog.Logger) (*Controller, error) {
	if static == nil || !static.Complete {
		return nil, ErrNoThresholds
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		original: static.Thresholds,
		block:    ledger.Block{Tag: ledger.TagRelaxation},
		status:   status,
		log:      log,
		now:      time.Now,
	}, nil
}

// Load returns the persisted ledger, or a fresh one when none exists or the
// stored one is unreadable.
func (c *Controller) Load() (*ledger.Ledger, error) {
	l, err := c.block.ReadFile(c.cfg.LedgerPath)
	switch {
	case err == nil:
		if l.Stage == "" {
			l.Stage = string(StateOriginal)
		}
		return l, nil
	case errors.Is(err, ledger.ErrMalformed):
		c.log.Warn("relaxation ledger unreadable, starting over", "path", c.cfg.LedgerPath, "error", err)
	case !errors.Is(err, ledger.ErrNoLedger):
		return nil, err
	}
	names := make([]string, len(c.cfg.Stages))
	for i := range c.cfg.Stages {
		names[i] = string(StageState(i))
	}
	l = ledger.New(names...)
	l.Stage = string(StateOriginal)
	l.MinIterationFloor = c.cfg.MinIterationFloor
	orig := c.original
	l.Original = &orig
	return l, nil
}

func (c *Controller) originalOf(l *ledger.Ledger) ledger.Thresholds {
	if l != nil && l.Original != nil {
		return *l.Original
	}
	return c.original
}

// StageThresholds is the triple written for stage i. Each metric is the
// looser of the stage constant and the previous level, so a stage never
// tightens anything.
func (c *Controller) StageThresholds(l *ledger.Ledger, i int) ledger.Thresholds {
	prev := c.originalOf(l)
	for j := 0; j <= i && j < len(c.cfg.Stages); j++ {
		s := c.cfg.Stages[j]
		prev = ledger.Thresholds{
			Rho:  math.Max(prev.Rho, s.Rho),
			Eev:  math.Max(prev.Eev, s.Eev),
			Etot: math.Max(prev.Etot, s.Etot),
		}
	}
	return prev
}

// Active is the triple the running job is being held to.
func (c *Controller) Active(l *ledger.Ledger) ledger.Thresholds {
	if isRelaxed(State(l.Stage)) && l.CurrentIndex > 0 {
		return c.StageThresholds(l, l.CurrentIndex-1)
	}
	return c.originalOf(l)
}

func isRelaxed(s State) bool {
	switch s {
	case StateOriginal, StateRestorePending, StateExhausted, "":
		return false
	}
	return true
}

// NonConvergent reports whether the last recorded iteration misses every
// threshold of t after at least the iteration floor.
func NonConvergent(rec *scan.Record, floor int, t ledger.Thresholds) bool {
	if rec == nil || len(rec.Accuracy) == 0 || len(rec.Accuracy) < floor {
		return false
	}
	last := rec.Accuracy[len(rec.Accuracy)-1]
	return last.Rho > t.Rho && last.Eev > t.Eev && last.Etot > t.Etot
}

type Transition string

const (
	None     Transition = "none"
	Escalate Transition = "escalate"
	Abandon  Transition = "abandon"
	Restore  Transition = "restore"
	Confirm  Transition = "confirm"
	Exhaust  Transition = "exhausted"
)

// Decision is one planned transition.
type Decision struct {
	Transition Transition
	From       State
	To         State
	// Thresholds is the override content for escalate and restore.
	Thresholds *ledger.Thresholds
	Floor      int
	Reason     string
	// Archived is set by Apply when an override file was renamed away.
	Archived string

	reads int
}

// Kind maps the decision onto the error kind a check reports.
func (d Decision) Kind() runtime.ErrorKind {
	switch d.Transition {
	case Escalate, Exhaust:
		return runtime.KindNonConvergent
	case Abandon, Restore, Confirm:
		return runtime.KindPendingRelaxation
	default:
		return runtime.KindNone
	}
}

func (d Decision) Terminal() bool { return d.Transition == Exhaust }

// Plan decides the next transition without touching any file.
func (c *Controller) Plan(rec *scan.Record, l *ledger.Ledger) Decision {
	from := State(l.Stage)
	if from == "" {
		from = StateOriginal
	}
	d := Decision{Transition: None, From: from, To: from, Floor: l.MinIterationFloor, reads: rec.OverrideReads}
	readSinceWrite := rec.OverrideReads > l.OverrideReads

	escalateOrExhaust := func(active ledger.Thresholds) Decision {
		if !NonConvergent(rec, l.MinIterationFloor, active) {
			return d
		}
		next, ok := l.Peek()
		if !ok || l.CurrentIndex >= len(c.cfg.Stages) {
			d.Transition, d.To = Exhaust, StateExhausted
			d.Reason = "all relaxation stages tried without convergence"
			return d
		}
		t := c.StageThresholds(l, l.CurrentIndex)
		d.Transition, d.To, d.Thresholds = Escalate, State(next), &t
		d.Floor = l.MinIterationFloor + c.cfg.Stages[l.CurrentIndex].ExtraIterations
		d.Reason = fmt.Sprintf("no convergence after %d iterations", len(rec.Accuracy))
		return d
	}

	switch {
	case from == StateExhausted:
		if NonConvergent(rec, l.MinIterationFloor, c.originalOf(l)) {
			d.Transition = Exhaust
			d.Reason = "relaxation already exhausted"
		}
		return d

	case from == StateRestorePending:
		if !rec.OverridePresent || readSinceWrite {
			d.Transition, d.To = Confirm, StateOriginal
			d.Reason = "original thresholds read back"
		}
		return d

	case from == StateOriginal:
		if rec.OverridePresent {
			return d
		}
		return escalateOrExhaust(c.originalOf(l))
	}

	// Relaxed stage.
	restore := func() Decision {
		orig := c.originalOf(l)
		d.Transition, d.To, d.Thresholds = Restore, StateRestorePending, &orig
		d.Reason = "converged at relaxed thresholds"
		return d
	}
	if rec.OverridePresent {
		switch {
		case !readSinceWrite:
		case rec.ConvergedAfterOverride:
			return restore()
		case len(rec.Accuracy) >= l.MinIterationFloor:
			d.Transition = Abandon
			d.Reason = "override read without convergence"
		}
		return d
	}
	if rec.OverrideReads > 0 && rec.ConvergedAfterOverride {
		return restore()
	}
	return escalateOrExhaust(c.Active(l))
}

// Apply carries out d against the override file and l, then persists l.
func (c *Controller) Apply(d *Decision, l *ledger.Ledger) error {
	switch d.Transition {
	case None:
		return nil
	case Escalate:
		if _, ok := l.Advance(); !ok {
			return fmt.Errorf("relax: no stage left to escalate to")
		}
		if err := controlfile.WriteOverride(c.cfg.OverridePath, *d.Thresholds); err != nil {
			return fmt.Errorf("write override: %w", err)
		}
		l.MinIterationFloor = d.Floor
		l.ModificationCount++
	case Abandon:
		dst, err := controlfile.Archive(c.cfg.OverridePath, "abandoned")
		if err != nil {
			return fmt.Errorf("archive override: %w", err)
		}
		d.Archived = dst
	case Restore:
		if controlfile.Exists(c.cfg.OverridePath) {
			dst, err := controlfile.Archive(c.cfg.OverridePath, "applied")
			if err != nil {
				return fmt.Errorf("archive override: %w", err)
			}
			d.Archived = dst
		}
		if err := controlfile.WriteOverride(c.cfg.OverridePath, *d.Thresholds); err != nil {
			return fmt.Errorf("write override: %w", err)
		}
		l.ModificationCount++
	case Confirm:
		if controlfile.Exists(c.cfg.OverridePath) {
			dst, err := controlfile.Archive(c.cfg.OverridePath, "restored")
			if err != nil {
				return fmt.Errorf("archive override: %w", err)
			}
			d.Archived = dst
		}
	case Exhaust:
	default:
		return fmt.Errorf("relax: unknown transition %q", d.Transition)
	}
	l.Stage = string(d.To)
	l.OverrideReads = d.reads
	l.UpdatedAt = c.now().UTC()
	if err := c.block.WriteFile(c.cfg.LedgerPath, l); err != nil {
		return fmt.Errorf("persist relaxation ledger: %w", err)
	}

	ev := map[string]any{
		"event":               "relax_" + string(d.Transition),
		"from":                string(d.From),
		"to":                  string(d.To),
		"reason":              d.Reason,
		"min_iteration_floor": l.MinIterationFloor,
		"modification_count":  l.ModificationCount,
		"active":              c.Active(l).String(),
	}
	if d.Thresholds != nil {
		ev["thresholds"] = d.Thresholds.String()
	}
	if d.Archived != "" {
		ev["archived"] = d.Archived
	}
	if err := c.status.Append(ev); err != nil {
		c.log.Warn("status log append failed", "error", err)
	}
	c.log.Info("relaxation transition", "transition", d.Transition, "from", d.From, "to", d.To)
	return nil
}

// Step plans and applies exactly one transition.
func (c *Controller) Step(rec *scan.Record) (Decision, *ledger.Ledger, error) {
	l, err := c.Load()
	if err != nil {
		return Decision{}, nil, err
	}
	d := c.Plan(rec, l)
	if err := c.Apply(&d, l); err != nil {
		return d, l, err
	}
	return d, l, nil
}
