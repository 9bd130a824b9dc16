// Package scan turns a job's log and auxiliary files into a diagnostic
// record. It keeps no state between calls.
package scan

import (
	"errors"
	"sort"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/qcinput"
)

// ErrLogMissing means the monitored log could not be found. It is never
// remediated.
var ErrLogMissing = errors.New("scan: log file missing")

// Family selects the output grammar of the external program.
type Family string

const (
	FamilyQChem Family = "qchem"
	FamilyAims  Family = "aims"
)

// Signature names. The first group comes from the log text; the last three
// are derived by the engine from timing and relaxation state.
const (
	SigAutoz             = "autoz error"
	SigNoInputText       = "No input text"
	SigNaN               = "NAN values"
	SigBadSCF            = "Bad SCF convergence"
	SigGeomOptFailed     = "Geometry optimization failed"
	SigExitCode134       = "Exit Code 134"
	SigMissingCharge     = "Molecular charge is not found"
	SigMissingMult       = "Molecular spin multiplicity is not found"
	SigEnergyForce       = "energy_F_inconsistent"
	SigUnknownKeyword    = "keyword_error"
	SigNonConvergent     = "Non-convergent"
	SigPendingRelaxation = "Pending relaxation"
	SigFrozenJob         = "Frozen job"
)

// SCFIteration is one row of an SCF cycle table.
type SCFIteration struct {
	Cycle  int
	Energy float64
	Delta  float64
}

// Geometry is one printed nuclear orientation plus the charge and
// multiplicity echoed for that step, when the log states them.
type Geometry struct {
	Atoms        []qcinput.Atom
	Charge       *int
	Multiplicity *int
}

// AccuracyPoint is one SCF iteration's convergence metrics.
type AccuracyPoint struct {
	Rho  float64
	Eev  float64
	Etot float64
}

// Record is what one inspection cycle saw.
type Record struct {
	Family     Family
	Signatures map[string]bool
	JobType    string
	LogModTime time.Time

	// StepIndex is the first failing job step, -1 when no step failed.
	StepIndex int
	Steps     int
	// SCF is the last SCF table of the failing step.
	SCF        []SCFIteration
	Geometries []Geometry

	// Accuracy holds the SCF iterations since the later of the last force
	// evaluation and the last override read.
	Accuracy               []AccuracyPoint
	OverrideReads          int
	ConvergedAfterOverride bool
	OverridePresent        bool
}

func newRecord(f Family) *Record {
	return &Record{Family: f, Signatures: map[string]bool{}, StepIndex: -1}
}

func (r *Record) Has(sig string) bool {
	return r != nil && r.Signatures[sig]
}

func (r *Record) Add(sig string) {
	if r.Signatures == nil {
		r.Signatures = map[string]bool{}
	}
	r.Signatures[sig] = true
}

// SignatureList returns the matched signatures sorted by name.
func (r *Record) SignatureList() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Signatures))
	for s, ok := range r.Signatures {
		if ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// LastDelta is the error metric of the final SCF iteration.
func (r *Record) LastDelta() (float64, bool) {
	if r == nil || len(r.SCF) == 0 {
		return 0, false
	}
	return r.SCF[len(r.SCF)-1].Delta, true
}

// LastGeometry is the most recent orientation of the failing step.
func (r *Record) LastGeometry() (Geometry, bool) {
	if r == nil || len(r.Geometries) == 0 {
		return Geometry{}, false
	}
	return r.Geometries[len(r.Geometries)-1], true
}
