package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/danshapiro/simwarden/internal/warden/runtime"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrNoLedger means the host text carries no block for the tag.
	ErrNoLedger = errors.New("ledger: no ledger block")
	// ErrMalformed means a block exists but its payload cannot be trusted.
	ErrMalformed = errors.New("ledger: malformed ledger block")
)

// Well-known tags. The first two are the tags older job inputs already carry.
const (
	TagSCF        = "SCF Fix Strategy"
	TagGeomOpt    = "Geom Opt Fix Strategy"
	TagResource   = "Resource Fix Strategy"
	TagRelaxation = "Convergence Relaxation"
	TagOptReset   = "Opt Reset Strategy"
)

const payloadSchemaJSON = `{
  "type": "object",
  "properties": {
    "methods": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "current_index": {"type": "integer", "minimum": 0},
    "current_method_id": {"type": "integer", "minimum": -1},
    "stage_flags": {"type": "object", "additionalProperties": {"type": "boolean"}},
    "modification_count": {"type": "integer", "minimum": 0},
    "min_iteration_floor": {"type": "integer", "minimum": 0},
    "stage": {"type": "string"},
    "original": {
      "type": "object",
      "required": ["rho", "eev", "etot"],
      "properties": {
        "rho": {"type": "number", "exclusiveMinimum": 0},
        "eev": {"type": "number", "exclusiveMinimum": 0},
        "etot": {"type": "number", "exclusiveMinimum": 0}
      },
      "additionalProperties": false
    },
    "command_profile": {"type": "string"},
    "override_reads": {"type": "integer", "minimum": 0},
    "updated_at": {"type": "string"}
  },
  "required": ["methods"],
  "anyOf": [
    {"required": ["current_index"]},
    {"required": ["current_method_id"]}
  ],
  "additionalProperties": false
}`

var payloadSchema = mustCompilePayloadSchema()

func mustCompilePayloadSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ledger.json", strings.NewReader(payloadSchemaJSON)); err != nil {
		panic(err)
	}
	s, err := c.Compile("ledger.json")
	if err != nil {
		panic(err)
	}
	return s
}

// Block embeds a ledger in free-form text between <Tag> and </Tag>.
type Block struct {
	Tag string
}

func (b Block) open() string  { return "<" + b.Tag + ">" }
func (b Block) close() string { return "</" + b.Tag + ">" }

// span locates the block, returning the byte offsets of the whole block and
// of its payload. ok is false when no opening tag is present.
func (b Block) span(text string) (start, end, pStart, pEnd int, ok bool, err error) {
	start = strings.Index(text, b.open())
	if start < 0 {
		return 0, 0, 0, 0, false, nil
	}
	pStart = start + len(b.open())
	rel := strings.Index(text[pStart:], b.close())
	if rel < 0 {
		return 0, 0, 0, 0, true, fmt.Errorf("%w: <%s> is not closed", ErrMalformed, b.Tag)
	}
	pEnd = pStart + rel
	end = pEnd + len(b.close())
	return start, end, pStart, pEnd, true, nil
}

// Extract decodes the ledger carried in text.
func (b Block) Extract(text string) (*Ledger, error) {
	_, _, ps, pe, ok, err := b.span(text)
	if !ok {
		return nil, ErrNoLedger
	}
	if err != nil {
		return nil, err
	}
	return decodePayload(text[ps:pe])
}

// Lookup is Extract for callers that treat a malformed block as absent.
func (b Block) Lookup(text string, log *slog.Logger) (*Ledger, bool) {
	l, err := b.Extract(text)
	if err == nil {
		return l, true
	}
	if !errors.Is(err, ErrNoLedger) && log != nil {
		log.Warn("ignoring unreadable ledger block", "tag", b.Tag, "error", err)
	}
	return nil, false
}

// Render returns the tagged block for l.
func (b Block) Render(l *Ledger) (string, error) {
	payload, err := encodePayload(l)
	if err != nil {
		return "", err
	}
	return b.open() + payload + b.close(), nil
}

// Upsert replaces the block in text, or appends one when none exists. Text
// outside the block is preserved.
func (b Block) Upsert(text string, l *Ledger) (string, error) {
	rendered, err := b.Render(l)
	if err != nil {
		return "", err
	}
	start, end, _, _, ok, serr := b.span(text)
	if ok && serr == nil {
		return text[:start] + rendered + text[end:], nil
	}
	if ok {
		// Unclosed tag: drop everything from the stray opener onwards.
		text = text[:start]
	}
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return rendered, nil
	}
	return text + "\n" + rendered, nil
}

// Remove drops the block and the line break that separated it from the rest.
func (b Block) Remove(text string) string {
	start, end, _, _, ok, err := b.span(text)
	if !ok || err != nil {
		return text
	}
	before := strings.TrimRight(text[:start], "\n")
	after := strings.TrimLeft(text[end:], "\n")
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + "\n" + after
	}
}

// ReadFile extracts the block from a sidecar file. A missing file reads as ErrNoLedger.
func (b Block) ReadFile(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoLedger
		}
		return nil, err
	}
	return b.Extract(string(data))
}

// WriteFile upserts the block into a sidecar file, keeping any other text in it.
func (b Block) WriteFile(path string, l *Ledger) error {
	var existing string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		existing = string(data)
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	out, err := b.Upsert(existing, l)
	if err != nil {
		return err
	}
	out = strings.TrimRight(out, "\n") + "\n"
	return runtime.WriteFileAtomic(path, []byte(out), 0o644)
}

// legacyPayload accepts the older "current_method_id" counter, which pointed
// at the method applied last rather than the next one to apply.
type legacyPayload struct {
	Ledger
	CurrentMethodID *int `json:"current_method_id,omitempty"`
}

func decodePayload(payload string) (*Ledger, error) {
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var lp legacyPayload
	if err := json.Unmarshal([]byte(payload), &lp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	l := lp.Ledger
	if lp.CurrentMethodID != nil && !strings.Contains(payload, `"current_index"`) {
		l.CurrentIndex = *lp.CurrentMethodID + 1
	}
	if l.CurrentIndex > len(l.Methods) {
		l.CurrentIndex = len(l.Methods)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &l, nil
}

// encodePayload renders l as indented JSON with sorted keys.
func encodePayload(l *Ledger) (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	cp := *l
	if cp.Methods == nil {
		cp.Methods = []string{}
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
