// Package classify ranks the signatures of a diagnostic record and picks the
// single error kind a correction cycle acts on.
package classify

import (
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

// rule binds a kind to the signatures that indicate it.
type rule struct {
	kind       runtime.ErrorKind
	signatures []string
}

// priority is a total order: earlier rules win when several match.
var priority = []rule{
	{runtime.KindAutozError, []string{scan.SigAutoz}},
	{runtime.KindNoInputText, []string{scan.SigNoInputText}},
	{runtime.KindNanValues, []string{scan.SigNaN}},
	{runtime.KindBadScfConvergence, []string{scan.SigBadSCF}},
	{runtime.KindGeometryOptFailed, []string{scan.SigGeomOptFailed}},
	{runtime.KindExitCode134, []string{scan.SigExitCode134}},
	{runtime.KindMissingCharge, []string{scan.SigMissingCharge}},
	{runtime.KindMissingMultiplicity, []string{scan.SigMissingMult}},
	{runtime.KindEnergyForceInconsistent, []string{scan.SigEnergyForce}},
	{runtime.KindKeywordError, []string{scan.SigUnknownKeyword}},
	{runtime.KindNonConvergent, []string{scan.SigNonConvergent}},
	{runtime.KindPendingRelaxation, []string{scan.SigPendingRelaxation}},
	{runtime.KindFrozenJob, []string{scan.SigFrozenJob}},
}

// Classify returns the highest-priority kind present in rec, or
// (KindNone, false) when nothing actionable matched.
func Classify(rec *scan.Record) (runtime.ErrorKind, bool) {
	if rec == nil {
		return runtime.KindNone, false
	}
	for _, r := range priority {
		for _, s := range r.signatures {
			if rec.Has(s) {
				return r.kind, true
			}
		}
	}
	return runtime.KindNone, false
}
