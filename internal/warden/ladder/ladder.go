// Package ladder walks fixed, ordered remediation ladders for Q-Chem style
// jobs. Progress is kept in the job's own $comment section so the next
// invocation can pick it up without any other state.
package ladder

import (
	"log/slog"
	"sort"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
)

const (
	defaultRCAGDMThreshold   = 1e-3
	defaultSCFMaxCycles      = 200
	defaultGeomMaxCycles     = 200
	defaultGDIISSubspace     = 5
	defaultIntegralThreshold = 12
	defaultMaxOptResets      = 3
)

// Config tunes the ladders. Zero values take the defaults.
type Config struct {
	// RCAGDMThreshold picks the SCF ordering: a last SCF delta at or above it
	// starts with rca_diis, below it with diis_gdm.
	RCAGDMThreshold   float64
	SCFMaxCycles      int
	GeomMaxCycles     int
	GDIISSubspace     int
	IntegralThreshold int
	// MaxOptResets caps how often a failing optimization restarts SCF
	// remediation from its latest geometry.
	MaxOptResets int
	// CPUCount reports the logical CPUs available to command profiles.
	CPUCount func() (int, error)
}

func (c Config) withDefaults() Config {
	if c.RCAGDMThreshold <= 0 {
		c.RCAGDMThreshold = defaultRCAGDMThreshold
	}
	if c.SCFMaxCycles <= 0 {
		c.SCFMaxCycles = defaultSCFMaxCycles
	}
	if c.GeomMaxCycles <= 0 {
		c.GeomMaxCycles = defaultGeomMaxCycles
	}
	if c.GDIISSubspace <= 0 {
		c.GDIISSubspace = defaultGDIISSubspace
	}
	if c.IntegralThreshold <= 0 {
		c.IntegralThreshold = defaultIntegralThreshold
	}
	if c.MaxOptResets <= 0 {
		c.MaxOptResets = defaultMaxOptResets
	}
	if c.CPUCount == nil {
		c.CPUCount = logicalCPUs
	}
	return c
}

// Mutation is one applied ladder step.
type Mutation struct {
	Method  string
	Label   string
	Changes map[string]string
	// Profile is set when the step selects a launch profile instead of (or
	// as well as) editing the input.
	Profile *Profile
}

// Action converts m into the result entry reported to the caller.
func (m *Mutation) Action() runtime.Action {
	a := runtime.Action{Method: m.Method, Label: m.Label}
	if len(m.Changes) > 0 {
		a.Changes = make(map[string]string, len(m.Changes))
		for k, v := range m.Changes {
			a.Changes[k] = v
		}
	}
	if m.Profile != nil {
		if a.Changes == nil {
			a.Changes = map[string]string{}
		}
		a.Changes["command_profile"] = m.Profile.Name
	}
	return a
}

type Controller struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

func New(cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// lookup reads the ledger for b out of the job's comment. A malformed block
// counts as no block.
func (c *Controller) lookup(job *qcinput.Job, b ledger.Block) *ledger.Ledger {
	l, ok := b.Lookup(job.Comment, c.log)
	if !ok {
		return nil
	}
	return l
}

// lookupKnown is lookup for ladders whose rungs must all be recognised. A
// block naming an unknown rung is removed from job and reported as absent.
func (c *Controller) lookupKnown(job *qcinput.Job, b ledger.Block, known func(string) bool) *ledger.Ledger {
	l := c.lookup(job, b)
	if l == nil {
		return nil
	}
	for _, m := range l.Methods {
		if !known(m) {
			c.log.Warn("dropping ledger with unknown method", "tag", b.Tag, "method", m)
			job.Comment = b.Remove(job.Comment)
			return nil
		}
	}
	return l
}

func (c *Controller) persist(job *qcinput.Job, b ledger.Block, l *ledger.Ledger) error {
	l.ModificationCount++
	l.UpdatedAt = c.now().UTC()
	text, err := b.Upsert(job.Comment, l)
	if err != nil {
		return err
	}
	job.Comment = text
	return nil
}

// remSnapshot captures $rem so the keys an edit touched can be reported.
func remSnapshot(job *qcinput.Job) map[string]string {
	out := map[string]string{}
	for _, k := range job.Rem.Keys() {
		v, _ := job.Rem.Get(k)
		out[k] = v
	}
	return out
}

func remChanges(before map[string]string, job *qcinput.Job) map[string]string {
	after := remSnapshot(job)
	out := map[string]string{}
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			out[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out[k] = ""
		}
	}
	return out
}

// symmetryFirst disables symmetry when the job never had it disabled. It
// runs ahead of any ladder method and happens at most once per job.
func (c *Controller) symmetryFirst(job *qcinput.Job) *Mutation {
	if job.SymmetryDisabled() {
		return nil
	}
	before := remSnapshot(job)
	job.DisableSymmetry()
	return &Mutation{Method: MethodDisableSymmetry, Label: "disable symmetry", Changes: remChanges(before, job)}
}

// sortedKeys is used for stable log output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Controller) logApplied(ladderName string, m *Mutation) {
	c.log.Info("ladder step applied", "ladder", ladderName, "method", m.Method, "changes", sortedKeys(m.Changes))
}
