package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCorrectionResult_Save_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "result.json")
	r := &CorrectionResult{
		ID:        "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		Timestamp: time.Unix(123, 0).UTC(),
		Kind:      KindBadScfConvergence,
		Errors:    []string{"Bad SCF convergence"},
		Actions: []Action{{
			Method:  "rca_diis",
			Label:   "switch to RCA_DIIS with SAD guess",
			Changes: map[string]string{"scf_algorithm": "rca_diis"},
		}},
	}
	if err := r.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := DecodeCorrectionResultJSON(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindBadScfConvergence || got.Class != ClassAlgorithmicFailure {
		t.Fatalf("kind/class=%q/%q", got.Kind, got.Class)
	}
	if !got.Applied() || got.Actions[0].Changes["scf_algorithm"] != "rca_diis" {
		t.Fatalf("actions=%+v", got.Actions)
	}
}

func TestCorrectionResult_Save_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "result.json")
	r := &CorrectionResult{Kind: KindFrozenJob}
	for i := 0; i < 3; i++ {
		if err := r.Save(p); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1", len(entries))
	}
}

func TestCorrectionResult_Validate(t *testing.T) {
	terminal := CorrectionResult{Kind: KindMissingCharge, Terminal: true}
	if err := terminal.Validate(); err == nil {
		t.Fatal("terminal without reason should fail validation")
	}
	terminal.Reason = "no automated fix"
	if err := terminal.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	terminal.Actions = []Action{{Method: "x"}}
	if err := terminal.Validate(); err == nil {
		t.Fatal("terminal with actions should fail validation")
	}
	if err := (CorrectionResult{}).Validate(); err == nil {
		t.Fatal("empty kind should fail validation")
	}
}

func TestCorrectionResult_CanonicalizeFillsSlices(t *testing.T) {
	r := CorrectionResult{Kind: KindNanValues}.Canonicalize()
	if r.Errors == nil || r.Actions == nil {
		t.Fatal("expected non-nil slices")
	}
	if r.Class != ClassStructuralInput {
		t.Fatalf("class=%q", r.Class)
	}
}
