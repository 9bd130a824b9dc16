package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/controlfile"
	"github.com/danshapiro/simwarden/internal/warden/jobstate"
	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newTestEngine(t *testing.T, family scan.Family, dir string, tweak func(*RunConfigFile)) *Engine {
	t.Helper()
	cfg := &RunConfigFile{Family: family, Dir: dir}
	if tweak != nil {
		tweak(cfg)
	}
	applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

const waterInput = `$molecule
 0  1
 O 0.0 0.0 0.1
 H 0.0 0.7 -0.4
$end

$rem
   jobtype  sp
   exchange  b3lyp
$end
`

func TestQChem_AutozThenTerminal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mol.qcinp"), waterInput)
	writeFile(t, filepath.Join(dir, "mol.qcout"), "  Welcome to Q-Chem\n Total energy = nan\n Coordinates do not transform within specified threshold\n")
	e := newTestEngine(t, scan.FamilyQChem, dir, nil)
	ctx := context.Background()

	kind, err := e.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if kind != runtime.KindAutozError {
		t.Fatalf("kind=%q want autoz over NaN", kind)
	}

	res, err := e.Correct(ctx, kind)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Terminal || len(res.Actions) != 1 || res.Actions[0].Method != "disable_symmetry" || res.Actions[0].Patch == "" {
		t.Fatalf("result=%+v", res)
	}
	if filepath.Base(res.Backup) != "error.1.tar.gz" {
		t.Fatalf("backup=%q", res.Backup)
	}
	in, err := qcinput.ReadFile(filepath.Join(dir, "mol.qcinp"))
	if err != nil {
		t.Fatal(err)
	}
	if !in.Jobs[0].SymmetryDisabled() {
		t.Fatalf("input not edited:\n%s", in.String())
	}
	if readFile(t, filepath.Join(dir, "mol.qcinp.orig")) != waterInput {
		t.Fatalf(".orig copy does not hold the original input")
	}
	saved, err := runtime.DecodeCorrectionResultJSON([]byte(readFile(t, filepath.Join(dir, "simwarden.result.json"))))
	if err != nil || saved.ID != res.ID || saved.Kind != runtime.KindAutozError {
		t.Fatalf("saved=%+v err=%v", saved, err)
	}
	if !strings.Contains(readFile(t, filepath.Join(dir, "LOG_OUT")), `"event":"correction"`) {
		t.Fatalf("status log has no correction event")
	}

	res, err = e.Correct(ctx, runtime.KindAutozError)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if !res.Terminal || len(res.Actions) != 0 || res.Reason == "" || filepath.Base(res.Backup) != "error.2.tar.gz" {
		t.Fatalf("second result=%+v", res)
	}

	res, err = e.Correct(ctx, runtime.KindNanValues)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Changes["xc_grid"] != "000128000302" {
		t.Fatalf("nan result=%+v", res)
	}
}

const scfFailure = `                  Welcome to Q-Chem
 ---------------------------------------
  Cycle       Energy         DIIS Error
 ---------------------------------------
    1     -76.3961617002      3.00E-03
    2     -76.3961700000      2.50E-03
 SCF failed to converge
`

func TestQChem_SCFLadderPersistsInComment(t *testing.T) {
	dir := t.TempDir()
	input := strings.Replace(waterInput, "   jobtype  sp\n", "   jobtype  sp\n   sym_ignore  true\n", 1)
	writeFile(t, filepath.Join(dir, "mol.qcinp"), input)
	writeFile(t, filepath.Join(dir, "mol.qcout"), scfFailure)
	e := newTestEngine(t, scan.FamilyQChem, dir, nil)
	ctx := context.Background()

	kind, err := e.Check(ctx)
	if err != nil || kind != runtime.KindBadScfConvergence {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
	for _, want := range []string{"increase_iter", "rca_diis"} {
		res, err := e.Correct(ctx, kind)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Actions) != 1 || res.Actions[0].Method != want {
			t.Fatalf("result=%+v want %s", res, want)
		}
	}
	in, err := qcinput.ReadFile(filepath.Join(dir, "mol.qcinp"))
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Block{Tag: ledger.TagSCF}.Extract(in.Jobs[0].Comment)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if l.CurrentIndex != 2 || l.Methods[1] != "rca_diis" {
		t.Fatalf("ledger=%+v", l)
	}

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.State != jobstate.StateCorrected || snap.LastEvent != "correction" || len(snap.Backups) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if len(snap.Ledgers) != 1 || snap.Ledgers[0].Tag != ledger.TagSCF {
		t.Fatalf("ledgers=%+v", snap.Ledgers)
	}
}

func TestCorrect_UnknownKinds(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mol.qcinp"), waterInput)
	writeFile(t, filepath.Join(dir, "mol.qcout"), "")
	e := newTestEngine(t, scan.FamilyQChem, dir, nil)
	for _, k := range []runtime.ErrorKind{runtime.KindNone, "bogus", runtime.KindEnergyForceInconsistent} {
		if _, err := e.Correct(context.Background(), k); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("%q: err=%v", k, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "error.1.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("rejected kinds must not back up: %v", err)
	}
}

const aimsControl = "xc pbe\nspin none\nsc_accuracy_rho 1e-4\nsc_accuracy_eev 1e-4\nsc_accuracy_etot 1e-6\n"

func aimsSCF(v string) string {
	return "  " + strings.Join([]string{"SCF", "7", ":", "x", "x", v, "x", "x", "x", v, "x", v, "x", "."}, "  ") + "\n"
}

func TestAims_FrozenJobIsSignalOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	log := filepath.Join(dir, "run")
	writeFile(t, log, aimsSCF("0.5"))
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(log, old, old); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, scan.FamilyAims, dir, func(c *RunConfigFile) { c.Staleness.TimeoutSeconds = 60 })

	kind, err := e.Check(context.Background())
	if err != nil || kind != runtime.KindFrozenJob {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
	res, err := e.Correct(context.Background(), kind)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Actions) != 0 || res.Terminal || !strings.Contains(res.Reason, "supervisor") {
		t.Fatalf("result=%+v", res)
	}
	if res.Class != runtime.ClassTransientEnvironmental {
		t.Fatalf("class=%q", res.Class)
	}
}

func TestAims_NegativeTimeoutDisablesFrozenCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	log := filepath.Join(dir, "run")
	writeFile(t, log, aimsSCF("0.5"))
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(log, old, old); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, scan.FamilyAims, dir, func(c *RunConfigFile) { c.Staleness.TimeoutSeconds = -1 })
	if e.StaleTimeout() > 0 {
		t.Fatalf("timeout=%s", e.StaleTimeout())
	}
	kind, err := e.Check(context.Background())
	if err != nil || kind != runtime.KindNone {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
}

func TestAims_NonConvergentEscalates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	writeFile(t, filepath.Join(dir, "run"), aimsSCF("0.5")+aimsSCF("0.4")+aimsSCF("0.3"))
	e := newTestEngine(t, scan.FamilyAims, dir, func(c *RunConfigFile) { c.Aims.MinIterationFloor = 3 })
	ctx := context.Background()

	kind, err := e.Check(ctx)
	if err != nil || kind != runtime.KindNonConvergent {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
	if controlfile.Exists(filepath.Join(dir, "control.update.in")) {
		t.Fatalf("Check must not write the override")
	}
	res, err := e.Correct(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Method != "relax_escalate" || res.Actions[0].Changes["min_iteration_floor"] != "103" {
		t.Fatalf("result=%+v", res)
	}
	got, err := controlfile.ReadOverride(filepath.Join(dir, "control.update.in"))
	if err != nil {
		t.Fatal(err)
	}
	if got != (ledger.Thresholds{Rho: 1e-2, Eev: 1e-2, Etot: 1e-4}) {
		t.Fatalf("override=%+v", got)
	}
	if readFile(t, filepath.Join(dir, "control.in")) != aimsControl {
		t.Fatalf("static config was modified")
	}

	// The override is waiting to be read: nothing to do.
	kind, err = e.Check(ctx)
	if err != nil || kind != runtime.KindNone {
		t.Fatalf("after escalation kind=%q err=%v", kind, err)
	}
}

func TestAims_EnergyForcePromotesNextStep(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	writeFile(t, filepath.Join(dir, "geometry.in"), "atom 0 0 0 O\n")
	writeFile(t, filepath.Join(dir, "geometry.in.next_step"), "atom 0 0 0.1 O\n")
	writeFile(t, filepath.Join(dir, "run"), "  ** Inconsistency of forces<->energy above specified tolerance.\n")
	e := newTestEngine(t, scan.FamilyAims, dir, nil)

	kind, err := e.Check(context.Background())
	if err != nil || kind != runtime.KindEnergyForceInconsistent {
		t.Fatalf("kind=%q err=%v", kind, err)
	}
	res, err := e.Correct(context.Background(), kind)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Method != "promote_next_step" {
		t.Fatalf("result=%+v", res)
	}
	if readFile(t, filepath.Join(dir, "geometry.in")) != "atom 0 0 0.1 O\n" {
		t.Fatalf("geometry not promoted")
	}
	if _, err := os.Stat(filepath.Join(dir, "geometry.in.next_step")); !os.IsNotExist(err) {
		t.Fatalf("next_step still present")
	}
	if readFile(t, filepath.Join(dir, "geometry.in.orig")) != "atom 0 0 0 O\n" {
		t.Fatalf(".orig geometry missing")
	}

	res, err = e.Correct(context.Background(), kind)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Terminal || len(res.Actions) != 0 {
		t.Fatalf("second result=%+v", res)
	}
}

func TestCheck_LogMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	e := newTestEngine(t, scan.FamilyAims, dir, nil)
	if _, err := e.Check(context.Background()); !errors.Is(err, scan.ErrLogMissing) {
		t.Fatalf("err=%v", err)
	}
}

func TestValidators(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "control.in"), aimsControl)
	writeFile(t, filepath.Join(dir, "run"), "          Have a nice day.\n")
	e := newTestEngine(t, scan.FamilyAims, dir, func(c *RunConfigFile) { c.Validate.Required = []string{"run"} })
	vs := e.Validators()
	if len(vs) != 2 {
		t.Fatalf("validators=%d", len(vs))
	}
	for _, v := range vs {
		ok, reason, err := v.Validate()
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v reason=%q err=%v", v.Name(), ok, reason, err)
		}
	}
}
