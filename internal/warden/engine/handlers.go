package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/ladder"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/relax"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/statuslog"
)

// Tighter quadrature used when the SCF produced NaNs.
const (
	nanGridRadial  = 128
	nanGridAngular = 302
)

// editInput loads the Q-Chem input, lets fn edit the failing job step and
// writes the document back when anything changed. A nil mutation means fn
// had nothing left to try.
func (e *Engine) editInput(r *Report, fn func(job *qcinput.Job) (*ladder.Mutation, error)) (outcome, error) {
	path := e.cfg.path(e.cfg.QChem.Input)
	in, err := qcinput.ReadFile(path)
	if err != nil {
		return outcome{}, fmt.Errorf("read input: %w", err)
	}
	idx := r.Record.StepIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(in.Jobs) {
		return outcome{}, fmt.Errorf("failing step %d is not in %s (%d jobs)", idx+1, filepath.Base(path), len(in.Jobs))
	}
	before := in.String()
	m, err := fn(in.Jobs[idx])
	if err != nil {
		return outcome{}, err
	}
	if m == nil {
		return outcome{}, nil
	}
	act := m.Action()
	if after := in.String(); after != before {
		if err := in.WriteFile(path); err != nil {
			return outcome{}, fmt.Errorf("write input: %w", err)
		}
		act.Patch = statuslog.Patch(before, after)
		if err := e.status.Edit(path, before, after); err != nil {
			e.log.Warn("status log append failed", "error", err)
		}
	}
	out := outcome{actions: []runtime.Action{act}}
	if m.Profile != nil {
		out.meta = map[string]any{"command_profile": m.Profile}
	}
	return out, nil
}

func (e *Engine) fixSymmetry(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	out, err := e.editInput(r, func(job *qcinput.Job) (*ladder.Mutation, error) {
		if job.SymmetryDisabled() {
			return nil, nil
		}
		job.DisableSymmetry()
		return &ladder.Mutation{
			Method:  ladder.MethodDisableSymmetry,
			Label:   "disable symmetry",
			Changes: map[string]string{"sym_ignore": "true", "symmetry": "false"},
		}, nil
	})
	if err == nil && len(out.actions) == 0 {
		out.reason = "symmetry is already disabled"
	}
	return out, err
}

func (e *Engine) fixGrid(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	out, err := e.editInput(r, func(job *qcinput.Job) (*ladder.Mutation, error) {
		if job.Rem.Has("xc_grid") {
			return nil, nil
		}
		job.SetDFTGrid(nanGridRadial, nanGridAngular)
		v, _ := job.Rem.Get("xc_grid")
		return &ladder.Mutation{Method: "tighter_grid", Label: "use tighter grid", Changes: map[string]string{"xc_grid": v}}, nil
	})
	if err == nil && len(out.actions) == 0 {
		out.reason = "a DFT grid is already set"
	}
	return out, err
}

func (e *Engine) fixSCF(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	out, err := e.editInput(r, func(job *qcinput.Job) (*ladder.Mutation, error) {
		return e.ladders.SCF(job, r.Record)
	})
	if err == nil && len(out.actions) == 0 {
		out.reason = "SCF remedies exhausted"
	}
	return out, err
}

func (e *Engine) fixGeometry(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	out, err := e.editInput(r, func(job *qcinput.Job) (*ladder.Mutation, error) {
		return e.ladders.Geometry(job, r.Record)
	})
	if err == nil && len(out.actions) == 0 {
		out.reason = "geometry optimization remedies exhausted"
	}
	return out, err
}

func (e *Engine) fixResources(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	out, err := e.editInput(r, func(job *qcinput.Job) (*ladder.Mutation, error) {
		return e.ladders.Resource(job, r.Record)
	})
	if err == nil && len(out.actions) == 0 {
		out.reason = "resource remedies for exit code 134 exhausted"
	}
	return out, err
}

func (e *Engine) noFix(_ context.Context, kind runtime.ErrorKind, _ *Report) (outcome, error) {
	return outcome{reason: fmt.Sprintf("no automated fix for %s", kind)}, nil
}

func (e *Engine) signalFrozen(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	return outcome{
		reason: fmt.Sprintf("log unchanged for %s (timeout %s); restarting the job is up to the supervisor",
			r.Stale.Age.Round(time.Second), e.StaleTimeout()),
		meta: map[string]any{"log_mod_time": r.Stale.ModTime.UTC().Format(time.RFC3339)},
	}, nil
}

// promoteNextStep continues a relaxation from the last geometry the program
// wrote when it stopped on an energy/force inconsistency.
func (e *Engine) promoteNextStep(_ context.Context, _ runtime.ErrorKind, _ *Report) (outcome, error) {
	next := e.cfg.path(e.cfg.Aims.NextStep)
	geom := e.cfg.path(e.cfg.Aims.Geometry)
	after, err := os.ReadFile(next)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return outcome{reason: fmt.Sprintf("%s does not exist", filepath.Base(next))}, nil
		}
		return outcome{}, err
	}
	before, err := readOptional(geom)
	if err != nil {
		return outcome{}, err
	}
	if err := os.Rename(next, geom); err != nil {
		return outcome{}, fmt.Errorf("promote %s: %w", filepath.Base(next), err)
	}
	if err := e.status.Edit(geom, before, string(after)); err != nil {
		e.log.Warn("status log append failed", "error", err)
	}
	return outcome{actions: []runtime.Action{{
		Method:  "promote_next_step",
		Label:   fmt.Sprintf("%s -> %s", filepath.Base(next), filepath.Base(geom)),
		Changes: map[string]string{"geometry": filepath.Base(next)},
		Patch:   statuslog.Patch(before, string(after)),
	}}}, nil
}

func (e *Engine) stepRelaxation(_ context.Context, _ runtime.ErrorKind, r *Report) (outcome, error) {
	if e.relax == nil {
		return outcome{reason: "static config states no complete set of accuracy thresholds"}, nil
	}
	override := e.cfg.path(e.cfg.Aims.Override)
	before, err := readOptional(override)
	if err != nil {
		return outcome{}, err
	}
	d, l, err := e.relax.Step(r.Record)
	if err != nil {
		return outcome{}, err
	}
	meta := map[string]any{
		"relax_stage":         l.Stage,
		"modification_count":  l.ModificationCount,
		"min_iteration_floor": l.MinIterationFloor,
	}
	switch d.Transition {
	case relax.None:
		return outcome{idle: true, reason: "no relaxation step due", meta: meta}, nil
	case relax.Exhaust:
		return outcome{reason: d.Reason, meta: meta}, nil
	}
	after, err := readOptional(override)
	if err != nil {
		return outcome{}, err
	}
	changes := map[string]string{"stage": string(d.To)}
	if d.Thresholds != nil {
		changes["sc_accuracy_rho"] = strconv.FormatFloat(d.Thresholds.Rho, 'e', 3, 64)
		changes["sc_accuracy_eev"] = strconv.FormatFloat(d.Thresholds.Eev, 'e', 3, 64)
		changes["sc_accuracy_etot"] = strconv.FormatFloat(d.Thresholds.Etot, 'e', 3, 64)
	}
	if d.Transition == relax.Escalate {
		changes["min_iteration_floor"] = strconv.Itoa(d.Floor)
	}
	if d.Archived != "" {
		changes["archived"] = filepath.Base(d.Archived)
	}
	return outcome{
		actions: []runtime.Action{{
			Method:  "relax_" + string(d.Transition),
			Label:   d.Reason,
			Changes: changes,
			Patch:   statuslog.Patch(before, after),
		}},
		meta: meta,
	}, nil
}

func readOptional(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}
