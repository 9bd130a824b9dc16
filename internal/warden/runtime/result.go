package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is one corrective mutation applied during a correction cycle.
type Action struct {
	// Method is the ladder method or fix identifier (e.g. "rca_diis", "disable_symmetry").
	Method string `json:"method"`
	// Label is a human-readable description of the change.
	Label string `json:"label,omitempty"`
	// Changes lists the settings that were written, keyed by setting name.
	Changes map[string]string `json:"changes,omitempty"`
	// Patch is a textual patch of the input edit, when the input document changed.
	Patch string `json:"patch,omitempty"`
}

// CorrectionResult is what Correct hands back to the supervisory loop.
//
// An empty Actions list paired with Terminal=true means every automated fix
// for Kind has been tried and an operator has to look at the job.
type CorrectionResult struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      ErrorKind      `json:"kind"`
	Class     ErrorClass     `json:"class"`
	Errors    []string       `json:"errors"`
	Actions   []Action       `json:"actions"`
	Terminal  bool           `json:"terminal"`
	Reason    string         `json:"reason,omitempty"`
	Backup    string         `json:"backup,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func (r CorrectionResult) Canonicalize() CorrectionResult {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Actions == nil {
		r.Actions = []Action{}
	}
	if r.Class == "" && r.Kind != KindNone {
		r.Class = r.Kind.Class()
	}
	return r
}

func (r CorrectionResult) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", r.Kind)
	}
	if r.Terminal && len(r.Actions) > 0 {
		return fmt.Errorf("terminal result must not carry actions (got %d)", len(r.Actions))
	}
	if r.Terminal && strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("reason must be non-empty when terminal=true")
	}
	return nil
}

// Applied reports whether at least one mutation was made.
func (r CorrectionResult) Applied() bool {
	return len(r.Actions) > 0
}

func DecodeCorrectionResultJSON(b []byte) (CorrectionResult, error) {
	var r CorrectionResult
	if err := json.Unmarshal(b, &r); err != nil {
		return CorrectionResult{}, err
	}
	if r.Kind != KindNone {
		k, err := ParseErrorKind(string(r.Kind))
		if err != nil {
			return CorrectionResult{}, err
		}
		r.Kind = k
	}
	return r.Canonicalize(), nil
}

// Save writes the result as indented JSON, replacing any previous file atomically.
func (r *CorrectionResult) Save(path string) error {
	if r == nil {
		return fmt.Errorf("correction result is nil")
	}
	return WriteJSONAtomicFile(path, r.Canonicalize())
}
