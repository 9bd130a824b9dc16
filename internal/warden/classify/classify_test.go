package classify

import (
	"testing"

	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

func record(sigs ...string) *scan.Record {
	r := &scan.Record{}
	for _, s := range sigs {
		r.Add(s)
	}
	return r
}

func TestClassify_Priority(t *testing.T) {
	cases := []struct {
		name string
		sigs []string
		want runtime.ErrorKind
	}{
		{"autoz beats nan", []string{scan.SigNaN, scan.SigAutoz}, runtime.KindAutozError},
		{"nan beats scf", []string{scan.SigBadSCF, scan.SigNaN}, runtime.KindNanValues},
		{"scf beats exit 134", []string{scan.SigExitCode134, scan.SigBadSCF}, runtime.KindBadScfConvergence},
		{"geom beats charge", []string{scan.SigMissingCharge, scan.SigGeomOptFailed}, runtime.KindGeometryOptFailed},
		{"charge beats multiplicity", []string{scan.SigMissingMult, scan.SigMissingCharge}, runtime.KindMissingCharge},
		{"energy/force beats keyword", []string{scan.SigUnknownKeyword, scan.SigEnergyForce}, runtime.KindEnergyForceInconsistent},
		{"log error beats frozen", []string{scan.SigFrozenJob, scan.SigUnknownKeyword}, runtime.KindKeywordError},
		{"non-convergent beats frozen", []string{scan.SigFrozenJob, scan.SigNonConvergent}, runtime.KindNonConvergent},
		{"frozen alone", []string{scan.SigFrozenJob}, runtime.KindFrozenJob},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Classify(record(tc.sigs...))
			if !ok || got != tc.want {
				t.Fatalf("Classify=%q,%v want %q", got, ok, tc.want)
			}
		})
	}
}

func TestClassify_NoMatch(t *testing.T) {
	for _, r := range []*scan.Record{nil, record(), record("Some unrelated warning")} {
		if k, ok := Classify(r); ok || k != runtime.KindNone {
			t.Fatalf("Classify=%q,%v want none", k, ok)
		}
	}
}

func TestPriority_CoversEveryKindOnce(t *testing.T) {
	seen := map[runtime.ErrorKind]bool{}
	for _, r := range priority {
		k := r.kind
		if seen[k] {
			t.Fatalf("duplicate rank for %q", k)
		}
		seen[k] = true
	}
	for _, k := range runtime.Kinds() {
		if !seen[k] {
			t.Fatalf("%q is not ranked", k)
		}
	}
	if priority[0].kind != runtime.KindAutozError || seen[runtime.KindNone] {
		t.Fatalf("unexpected ranking: first=%q", priority[0].kind)
	}
}
