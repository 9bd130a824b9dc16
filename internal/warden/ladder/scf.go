package ladder

import (
	"fmt"

	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

// Method identifiers that are not SCF or geometry ladder rungs.
const (
	MethodDisableSymmetry   = "disable_symmetry"
	MethodTightIntegral     = "tight_integral_threshold"
	MethodOptimizationReset = "reset"
)

type scfMethod struct {
	algorithm string
	guess     string
	label     string
}

var scfMethods = map[string]scfMethod{
	"increase_iter": {"diis", "sad", "increase SCF iterations"},
	"rca_diis":      {"rca_diis", "sad", "switch to RCA_DIIS"},
	"gwh":           {"diis", "gwh", "use GWH initial guess"},
	"gdm":           {"gdm", "sad", "switch to GDM"},
	"rca":           {"rca", "sad", "switch to RCA"},
	"core+rca":      {"rca", "core", "RCA with core guess"},
	"diis_gdm":      {"diis_gdm", "sad", "switch to DIIS_GDM"},
	"core+gdm":      {"gdm", "core", "GDM with core guess"},
}

// SCFLadder returns the SCF ordering for a failing run whose last SCF delta
// was lastDelta.
func SCFLadder(lastDelta, threshold float64) []string {
	if lastDelta >= threshold {
		return []string{"increase_iter", "rca_diis", "gwh", "gdm", "rca", "core+rca"}
	}
	return []string{"increase_iter", "diis_gdm", "gwh", "rca", "gdm", "core+gdm"}
}

var scfBlock = ledger.Block{Tag: ledger.TagSCF}

// SCF applies the next SCF remedy to job, the failing step described by rec.
// A nil mutation means nothing is left to try.
func (c *Controller) SCF(job *qcinput.Job, rec *scan.Record) (*Mutation, error) {
	if m := c.symmetryFirst(job); m != nil {
		c.logApplied("scf", m)
		return m, nil
	}
	if rec.JobType == "opt" && len(rec.Geometries) >= 2 {
		m, err := c.resetOptimization(job, rec)
		if err != nil {
			return nil, err
		}
		if m != nil {
			c.logApplied("scf", m)
			return m, nil
		}
	}

	l := c.lookupKnown(job, scfBlock, func(m string) bool { _, ok := scfMethods[m]; return ok })
	if l == nil {
		if len(rec.SCF) == 0 {
			// The SCF never started, so there is no delta to rank the ladders by.
			if rec.Has(scan.SigExitCode134) && !job.Rem.Has("thresh") {
				before := remSnapshot(job)
				job.SetIntegralThreshold(c.cfg.IntegralThreshold)
				m := &Mutation{Method: MethodTightIntegral, Label: "use tight integral threshold", Changes: remChanges(before, job)}
				c.logApplied("scf", m)
				return m, nil
			}
			return nil, nil
		}
		delta, _ := rec.LastDelta()
		l = ledger.New(SCFLadder(delta, c.cfg.RCAGDMThreshold)...)
		l.SetFlag("rca_first", delta >= c.cfg.RCAGDMThreshold)
	}

	method, ok := l.Advance()
	if !ok {
		c.log.Info("scf ladder exhausted", "methods", l.Methods)
		return nil, nil
	}
	meth := scfMethods[method]
	before := remSnapshot(job)
	job.SetSCFAlgorithmAndIterations(meth.algorithm, c.cfg.SCFMaxCycles)
	job.SetSCFInitialGuess(meth.guess)
	m := &Mutation{Method: method, Label: meth.label, Changes: remChanges(before, job)}
	if err := c.persist(job, scfBlock, l); err != nil {
		return nil, err
	}
	c.logApplied("scf", m)
	return m, nil
}

var resetBlock = ledger.Block{Tag: ledger.TagOptReset}

// resetOptimization restarts SCF remediation from the latest geometry of an
// optimization that already moved. Resets are counted in their own ledger
// and stop after MaxOptResets; the SCF ledger is left where it was, so once
// resets run out the SCF ladder carries on from its last rung.
func (c *Controller) resetOptimization(job *qcinput.Job, rec *scan.Record) (*Mutation, error) {
	rl := c.lookupKnown(job, resetBlock, func(m string) bool { return m == MethodOptimizationReset })
	if rl == nil {
		methods := make([]string, c.cfg.MaxOptResets)
		for i := range methods {
			methods[i] = MethodOptimizationReset
		}
		rl = ledger.New(methods...)
	}
	if _, ok := rl.Advance(); !ok {
		return nil, nil
	}

	before := remSnapshot(job)
	job.SetSCFAlgorithmAndIterations("diis", c.cfg.SCFMaxCycles)
	if job.Rem.Has("scf_guess") {
		job.SetSCFInitialGuess("sad")
	}
	changes := remChanges(before, job)
	if g, ok := rec.LastGeometry(); ok && len(g.Atoms) > 0 {
		job.SetGeometry(g.Atoms, g.Charge, g.Multiplicity)
		changes["molecule"] = fmt.Sprintf("%d atoms from the last geometry", len(g.Atoms))
	}
	changes["reset"] = fmt.Sprintf("%d/%d", rl.CurrentIndex, len(rl.Methods))
	if err := c.persist(job, resetBlock, rl); err != nil {
		return nil, err
	}
	return &Mutation{Method: MethodOptimizationReset, Label: "restart SCF remediation from the last geometry", Changes: changes}, nil
}
