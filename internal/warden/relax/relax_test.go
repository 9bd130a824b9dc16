package relax

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/simwarden/internal/warden/controlfile"
	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/scan"
	"github.com/danshapiro/simwarden/internal/warden/statuslog"
)

type fixture struct {
	dir      string
	override string
	c        *Controller
}

func newFixture(t *testing.T, orig ledger.Thresholds, floor int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, override: filepath.Join(dir, "control.update.in")}
	c, err := New(Config{
		OverridePath:      f.override,
		LedgerPath:        filepath.Join(dir, "control.ledger"),
		MinIterationFloor: floor,
	}, &controlfile.Static{Thresholds: orig, Complete: true}, statuslog.Open(filepath.Join(dir, "LOG_OUT.ndjson")), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.c = c
	return f
}

func stalled(n, reads int, present, converged bool) *scan.Record {
	r := &scan.Record{OverrideReads: reads, OverridePresent: present, ConvergedAfterOverride: converged}
	for i := 0; i < n; i++ {
		r.Accuracy = append(r.Accuracy, scan.AccuracyPoint{Rho: 1, Eev: 1, Etot: 1})
	}
	return r
}

func (f *fixture) step(t *testing.T, rec *scan.Record, want Transition) Decision {
	t.Helper()
	d, _, err := f.c.Step(rec)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if d.Transition != want {
		t.Fatalf("transition=%q want %q (%s)", d.Transition, want, d.Reason)
	}
	return d
}

func (f *fixture) overrideIs(t *testing.T, want ledger.Thresholds) {
	t.Helper()
	got, err := controlfile.ReadOverride(f.override)
	if err != nil {
		t.Fatalf("ReadOverride: %v", err)
	}
	if got != want {
		t.Fatalf("override=%+v want %+v", got, want)
	}
}

func TestStep_EscalatesTwiceThenExhausts(t *testing.T) {
	f := newFixture(t, ledger.Thresholds{Rho: 1e-4, Eev: 1e-4, Etot: 1e-6}, 2)

	d := f.step(t, stalled(2, 0, false, false), Escalate)
	f.overrideIs(t, ledger.Thresholds{Rho: 1e-2, Eev: 1e-2, Etot: 1e-4})
	if d.To != StageState(0) || d.Floor != 102 {
		t.Fatalf("decision=%+v", d)
	}

	// Override read but still stalled after the new floor: archive it.
	d = f.step(t, stalled(102, 1, true, false), Abandon)
	if filepath.Base(d.Archived) != "control.update.in.abandoned.1" || controlfile.Exists(f.override) {
		t.Fatalf("archived=%q exists=%v", d.Archived, controlfile.Exists(f.override))
	}

	f.step(t, stalled(102, 1, false, false), Escalate)
	f.overrideIs(t, ledger.Thresholds{Rho: 1e-1, Eev: 1e-1, Etot: 1e-2})

	f.step(t, stalled(252, 2, true, false), Abandon)
	d = f.step(t, stalled(252, 2, false, false), Exhaust)
	if !d.Terminal() || d.Thresholds != nil || controlfile.Exists(f.override) {
		t.Fatalf("exhaustion must not propose a third threshold set: %+v", d)
	}

	l, err := f.c.Load()
	if err != nil {
		t.Fatal(err)
	}
	if State(l.Stage) != StateExhausted || l.CurrentIndex != 2 || l.ModificationCount != 2 || l.MinIterationFloor != 252 {
		t.Fatalf("ledger=%+v", l)
	}
	f.step(t, stalled(252, 2, false, false), Exhaust)
}

func TestStep_RestoresOriginalAfterConvergence(t *testing.T) {
	orig := ledger.Thresholds{Rho: 1e-4, Eev: 1e-4, Etot: 1e-6}
	f := newFixture(t, orig, 1)

	f.step(t, stalled(1, 0, false, false), Escalate)
	d := f.step(t, stalled(3, 1, true, true), Restore)
	f.overrideIs(t, orig)
	if d.To != StateRestorePending || filepath.Base(d.Archived) != "control.update.in.applied.1" {
		t.Fatalf("decision=%+v", d)
	}

	// Same read count: the restore override has not been picked up yet.
	f.step(t, stalled(3, 1, true, true), None)

	d = f.step(t, stalled(0, 2, true, false), Confirm)
	if d.To != StateOriginal || controlfile.Exists(f.override) {
		t.Fatalf("decision=%+v", d)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "control.update.in.restored.1")); err != nil {
		t.Fatalf("restored override not kept: %v", err)
	}

	// The next stall skips the stage already used.
	d = f.step(t, stalled(101, 2, false, false), Escalate)
	if d.To != StageState(1) {
		t.Fatalf("to=%q", d.To)
	}
}

func TestStep_RestoreKeepsUnroundedOriginal(t *testing.T) {
	orig := ledger.Thresholds{Rho: 1.23456e-5, Eev: 2.5e-4, Etot: 7.654321e-7}
	f := newFixture(t, orig, 1)

	f.step(t, stalled(1, 0, false, false), Escalate)
	f.step(t, stalled(2, 1, true, true), Restore)
	f.overrideIs(t, orig)
}

func TestPlan_WaitsAndIgnoresHealthyRuns(t *testing.T) {
	f := newFixture(t, ledger.Thresholds{Rho: 1e-4, Eev: 1e-4, Etot: 1e-6}, 5)
	l, err := f.c.Load()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		rec  *scan.Record
	}{
		{"below floor", stalled(4, 0, false, false)},
		{"converging", &scan.Record{Accuracy: make([]scan.AccuracyPoint, 10)}},
		{"foreign override present", stalled(10, 0, true, false)},
	}
	for _, tc := range cases {
		if d := f.c.Plan(tc.rec, l); d.Transition != None || d.Kind() != "" {
			t.Fatalf("%s: transition=%q", tc.name, d.Transition)
		}
	}

	l.Stage = string(StageState(0))
	l.CurrentIndex = 1
	if d := f.c.Plan(stalled(10, 0, true, false), l); d.Transition != None {
		t.Fatalf("unread override should wait, got %q", d.Transition)
	}
}

func TestStageThresholds_NeverStricterThanOriginal(t *testing.T) {
	f := newFixture(t, ledger.Thresholds{Rho: 0.5, Eev: 1e-4, Etot: 5e-2}, 1)
	l, _ := f.c.Load()
	s1 := f.c.StageThresholds(l, 0)
	s2 := f.c.StageThresholds(l, 1)
	if s1 != (ledger.Thresholds{Rho: 0.5, Eev: 1e-2, Etot: 5e-2}) {
		t.Fatalf("stage1=%+v", s1)
	}
	if s2 != (ledger.Thresholds{Rho: 0.5, Eev: 1e-1, Etot: 5e-2}) {
		t.Fatalf("stage2=%+v", s2)
	}
}

func TestNew_RequiresCompleteThresholds(t *testing.T) {
	if _, err := New(Config{}, &controlfile.Static{}, nil, nil); err != ErrNoThresholds {
		t.Fatalf("err=%v", err)
	}
}
