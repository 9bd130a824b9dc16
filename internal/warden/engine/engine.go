// Package engine ties scanning, classification and the remediation
// controllers into the check/correct cycle the supervisory loop drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/backup"
	"github.com/danshapiro/simwarden/internal/warden/classify"
	"github.com/danshapiro/simwarden/internal/warden/controlfile"
	"github.com/danshapiro/simwarden/internal/warden/jobstate"
	"github.com/danshapiro/simwarden/internal/warden/ladder"
	"github.com/danshapiro/simwarden/internal/warden/relax"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/scan"
	"github.com/danshapiro/simwarden/internal/warden/stale"
	"github.com/danshapiro/simwarden/internal/warden/statuslog"
	"github.com/danshapiro/simwarden/internal/warden/validate"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownKind is returned by Correct for a kind no handler owns.
var ErrUnknownKind = errors.New("engine: no handler for error kind")

// Report is the outcome of one read-only inspection.
type Report struct {
	Kind   runtime.ErrorKind
	Record *scan.Record
	Stale  stale.Result
	// Relax is the transition the relaxation controller would take next.
	Relax *relax.Decision
}

type outcome struct {
	actions []runtime.Action
	reason  string
	// idle marks a cycle with nothing due that is not a dead end either.
	idle bool
	meta map[string]any
}

type handler func(ctx context.Context, kind runtime.ErrorKind, r *Report) (outcome, error)

type Engine struct {
	cfg      *RunConfigFile
	log      *slog.Logger
	status   *statuslog.Log
	scanner  *scan.Scanner
	backups  *backup.Manager
	ladders  *ladder.Controller
	relax    *relax.Controller
	handlers map[runtime.ErrorKind]handler
	now      func() time.Time
}

func New(cfg *RunConfigFile, log *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		log:    log,
		status: statuslog.Open(cfg.path(cfg.StatusLog)),
		backups: backup.New(backup.Config{
			Dir:   cfg.Dir,
			Extra: cfg.Backup.Extra,
		}, log.With("component", "backup")),
		now: time.Now,
	}
	switch cfg.Family {
	case scan.FamilyQChem:
		e.scanner = scan.New(scan.Config{
			Family:    scan.FamilyQChem,
			LogPath:   cfg.path(cfg.QChem.Output),
			InputPath: cfg.path(cfg.QChem.Input),
		})
		e.ladders = ladder.New(ladder.Config{
			RCAGDMThreshold:   cfg.QChem.RCAGDMThreshold,
			SCFMaxCycles:      cfg.QChem.SCFMaxCycles,
			GeomMaxCycles:     cfg.QChem.GeomMaxCycles,
			GDIISSubspace:     cfg.QChem.GDIISSubspace,
			IntegralThreshold: cfg.QChem.IntegralThreshold,
			MaxOptResets:      cfg.QChem.MaxOptResets,
		}, log.With("component", "ladder"))
		e.handlers = map[runtime.ErrorKind]handler{
			runtime.KindAutozError:          e.fixSymmetry,
			runtime.KindNoInputText:         e.fixSymmetry,
			runtime.KindNanValues:           e.fixGrid,
			runtime.KindBadScfConvergence:   e.fixSCF,
			runtime.KindGeometryOptFailed:   e.fixGeometry,
			runtime.KindExitCode134:         e.fixResources,
			runtime.KindMissingCharge:       e.noFix,
			runtime.KindMissingMultiplicity: e.noFix,
			runtime.KindFrozenJob:           e.signalFrozen,
		}
	case scan.FamilyAims:
		control := cfg.path(cfg.Aims.Control)
		e.scanner = scan.New(scan.Config{
			Family:       scan.FamilyAims,
			LogPath:      cfg.path(cfg.Aims.Output),
			ControlPath:  control,
			OverridePath: cfg.path(cfg.Aims.Override),
		})
		static, err := controlfile.ReadStatic(control)
		if err != nil {
			return nil, fmt.Errorf("read static config: %w", err)
		}
		rc, err := relax.New(relax.Config{
			OverridePath:      cfg.path(cfg.Aims.Override),
			LedgerPath:        cfg.path(cfg.Aims.Ledger),
			Stages:            cfg.Aims.Stages,
			MinIterationFloor: cfg.Aims.MinIterationFloor,
		}, static, e.status, log.With("component", "relax"))
		switch {
		case errors.Is(err, relax.ErrNoThresholds):
			log.Warn("accuracy relaxation disabled", "control", control, "error", err)
		case err != nil:
			return nil, err
		default:
			e.relax = rc
		}
		e.handlers = map[runtime.ErrorKind]handler{
			runtime.KindEnergyForceInconsistent: e.promoteNextStep,
			runtime.KindKeywordError:            e.noFix,
			runtime.KindNonConvergent:           e.stepRelaxation,
			runtime.KindPendingRelaxation:       e.stepRelaxation,
			runtime.KindFrozenJob:               e.signalFrozen,
		}
	default:
		return nil, fmt.Errorf("invalid family: %q", cfg.Family)
	}
	return e, nil
}

func (e *Engine) Config() *RunConfigFile { return e.cfg }

// StaleTimeout is how long the log may stay unchanged before the job counts
// as frozen. Zero or less means the check is off.
func (e *Engine) StaleTimeout() time.Duration {
	return time.Duration(e.cfg.Staleness.TimeoutSeconds) * time.Second
}

// Inspect scans the job and classifies what it finds. It writes nothing.
func (e *Engine) Inspect(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := e.scanner.Scan()
	if err != nil {
		return nil, err
	}
	r := &Report{Record: rec}
	r.Stale = stale.Evaluate(rec.LogModTime, e.StaleTimeout(), e.now())
	if r.Stale.Frozen {
		rec.Add(scan.SigFrozenJob)
	}
	if e.relax != nil {
		l, err := e.relax.Load()
		if err != nil {
			return nil, fmt.Errorf("load relaxation ledger: %w", err)
		}
		d := e.relax.Plan(rec, l)
		r.Relax = &d
		switch d.Kind() {
		case runtime.KindNonConvergent:
			rec.Add(scan.SigNonConvergent)
		case runtime.KindPendingRelaxation:
			rec.Add(scan.SigPendingRelaxation)
		}
	}
	r.Kind, _ = classify.Classify(rec)
	return r, nil
}

// Check reports the highest-priority actionable error, or KindNone.
func (e *Engine) Check(ctx context.Context) (runtime.ErrorKind, error) {
	r, err := e.Inspect(ctx)
	if err != nil {
		return runtime.KindNone, err
	}
	e.log.Debug("check", "kind", r.Kind.String(), "signatures", r.Record.SignatureList())
	return r.Kind, nil
}

// Correct backs the job up and applies the next remedy for kind. A result
// with no actions and Terminal set means the automated remedies for kind are
// used up.
func (e *Engine) Correct(ctx context.Context, kind runtime.ErrorKind) (*runtime.CorrectionResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	h, ok := e.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s jobs", ErrUnknownKind, kind, e.cfg.Family)
	}
	r, err := e.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	bundle, err := e.backups.Backup(e.backupFiles()...)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if _, err := e.Setup(); err != nil {
		return nil, err
	}

	res := &runtime.CorrectionResult{
		ID:        ulid.Make().String(),
		Timestamp: e.now().UTC(),
		Kind:      kind,
		Class:     kind.Class(),
		Errors:    r.Record.SignatureList(),
		Backup:    bundle.Path,
	}
	out, err := h(ctx, kind, r)
	if err != nil {
		_ = e.status.Event("correction_failed", "kind", string(kind), "error", err.Error(), "backup", bundle.Path)
		return nil, err
	}
	res.Actions = out.actions
	res.Reason = out.reason
	res.Meta = out.meta
	if len(res.Actions) == 0 && !kind.SignalOnly() && !out.idle {
		res.Terminal = true
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("no automated fix left for %s", kind)
		}
	}
	*res = res.Canonicalize()
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("correction result: %w", err)
	}
	if err := res.Save(e.cfg.path(e.cfg.Result)); err != nil {
		return nil, fmt.Errorf("save correction result: %w", err)
	}

	methods := make([]string, 0, len(res.Actions))
	for _, a := range res.Actions {
		methods = append(methods, a.Method)
	}
	if err := e.status.Event("correction",
		"id", res.ID,
		"kind", string(kind),
		"errors", res.Errors,
		"actions", methods,
		"terminal", res.Terminal,
		"reason", res.Reason,
		"backup", bundle.Path,
	); err != nil {
		e.log.Warn("status log append failed", "error", err)
	}
	e.log.Info("correction", "kind", kind.String(), "actions", methods, "terminal", res.Terminal)
	return res, nil
}

func (e *Engine) inputFiles() []string {
	if e.cfg.Family == scan.FamilyQChem {
		return []string{e.cfg.path(e.cfg.QChem.Input)}
	}
	return []string{e.cfg.path(e.cfg.Aims.Control), e.cfg.path(e.cfg.Aims.Geometry)}
}

func (e *Engine) backupFiles() []string {
	c := e.cfg
	if c.Family == scan.FamilyQChem {
		return []string{c.path(c.QChem.Input), c.path(c.QChem.Output)}
	}
	return []string{
		c.path(c.Aims.Output),
		c.path(c.Aims.Control),
		c.path(c.Aims.Override),
		c.path(c.Aims.Ledger),
		c.path(c.Aims.Geometry),
		c.path(c.Aims.NextStep),
	}
}

// Setup keeps a pristine ".orig" copy of each input file the first time the
// job is corrected. Existing copies are left alone.
func (e *Engine) Setup() ([]string, error) {
	var made []string
	for _, p := range e.inputFiles() {
		orig := p + ".orig"
		if _, err := os.Stat(orig); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return made, err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return made, err
		}
		if err := runtime.WriteFileAtomic(orig, b, 0o644); err != nil {
			return made, fmt.Errorf("write %s: %w", orig, err)
		}
		made = append(made, orig)
	}
	return made, nil
}

// Validators returns the success checks configured for the job.
func (e *Engine) Validators() []validate.Validator {
	c := e.cfg
	marker := c.Validate.Marker
	logPath := c.path(c.Aims.Output)
	if c.Family == scan.FamilyQChem {
		logPath = c.path(c.QChem.Output)
		if marker == "" {
			marker = validate.QChemMarker
		}
	} else if marker == "" {
		marker = validate.AimsMarker
	}
	vs := []validate.Validator{validate.SuccessMarker{Path: logPath, Marker: marker}}
	if len(c.Validate.Required) > 0 || len(c.Validate.Forbidden) > 0 {
		vs = append(vs, validate.ResultFiles{Dir: c.Dir, Required: c.Validate.Required, Forbidden: c.Validate.Forbidden})
	}
	return vs
}

// Snapshot summarises the corrections made to the job so far.
func (e *Engine) Snapshot() (*jobstate.Snapshot, error) {
	c := e.cfg
	p := jobstate.Paths{
		Dir:       c.Dir,
		StatusLog: c.path(c.StatusLog),
		Result:    c.path(c.Result),
		PIDFile:   c.path(c.PIDFile),
	}
	if c.Family == scan.FamilyQChem {
		p.QChemInput = c.path(c.QChem.Input)
	} else {
		p.RelaxLedger = c.path(c.Aims.Ledger)
	}
	return jobstate.Load(p)
}

// WatchNames are the job files whose changes can alter the outcome of Check.
func (e *Engine) WatchNames() []string {
	c := e.cfg
	if c.Family == scan.FamilyQChem {
		return []string{filepath.Base(c.QChem.Output), filepath.Base(c.QChem.Input)}
	}
	return []string{filepath.Base(c.Aims.Output), filepath.Base(c.Aims.Override)}
}
