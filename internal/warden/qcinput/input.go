// Package qcinput reads, edits and writes Q-Chem style input documents: one
// or more jobs separated by "@@@", each made of $name ... $end sections.
package qcinput

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/danshapiro/simwarden/internal/warden/runtime"
)

const jobSeparator = "@@@"

// Atom is one Cartesian coordinate line of a $molecule section.
type Atom struct {
	Symbol  string
	X, Y, Z float64
}

// Molecule is the $molecule section. Charge and Multiplicity are nil when
// the section does not state them.
type Molecule struct {
	Read         bool
	Charge       *int
	Multiplicity *int
	Atoms        []Atom
	// Lines holds geometry lines that are not plain Cartesian atoms (z-matrix
	// and friends). They are written back untouched unless Atoms is replaced.
	Lines []string
}

type section struct {
	name string
	body []string
}

// Job is one step of a multi-job input.
type Job struct {
	Molecule *Molecule
	Rem      *Params
	Comment  string

	order []string
	raw   map[string][]string
}

// Input is a parsed input document.
type Input struct {
	Jobs []*Job
}

func ReadFile(path string) (*Input, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	in, err := Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return in, nil
}

// WriteFile replaces path with the rendered document.
func (in *Input) WriteFile(path string) error {
	return runtime.WriteFileAtomic(path, []byte(in.String()), 0o644)
}

func Parse(text string) (*Input, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var chunks [][]string
	var cur []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == jobSeparator {
			chunks = append(chunks, cur)
			cur = nil
			continue
		}
		cur = append(cur, line)
	}
	chunks = append(chunks, cur)

	in := &Input{}
	for i, chunk := range chunks {
		sections, err := splitSections(chunk)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		if len(sections) == 0 {
			continue
		}
		in.Jobs = append(in.Jobs, newJob(sections))
	}
	if len(in.Jobs) == 0 {
		return nil, fmt.Errorf("no input sections found")
	}
	return in, nil
}

func splitSections(lines []string) ([]section, error) {
	var out []section
	var cur *section
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case cur == nil && strings.HasPrefix(lower, "$") && lower != "$end":
			name := strings.Fields(lower)[0][1:]
			cur = &section{name: name}
		case cur != nil && lower == "$end":
			out = append(out, *cur)
			cur = nil
		case cur != nil:
			cur.body = append(cur.body, strings.TrimRight(line, " \t"))
		case trimmed == "" || strings.HasPrefix(trimmed, "!"):
		default:
			return nil, fmt.Errorf("text outside of a section: %q", trimmed)
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("section $%s is not terminated by $end", cur.name)
	}
	return out, nil
}

func newJob(sections []section) *Job {
	j := &Job{Rem: NewParams(), raw: map[string][]string{}}
	for _, s := range sections {
		j.order = append(j.order, s.name)
		switch s.name {
		case "molecule":
			j.Molecule = parseMolecule(s.body)
		case "rem":
			j.Rem = parseParams(s.body)
		case "comment":
			j.Comment = strings.Trim(strings.Join(s.body, "\n"), "\n")
		default:
			j.raw[s.name] = s.body
		}
	}
	return j
}

func parseMolecule(body []string) *Molecule {
	m := &Molecule{}
	var lines []string
	for _, l := range body {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return m
	}
	first := strings.Fields(lines[0])
	if len(first) == 1 && strings.EqualFold(first[0], "read") {
		m.Read = true
		return m
	}
	if len(first) == 2 {
		c, err1 := strconv.Atoi(first[0])
		s, err2 := strconv.Atoi(first[1])
		if err1 == nil && err2 == nil {
			m.Charge, m.Multiplicity = &c, &s
			lines = lines[1:]
		}
	}
	atoms := make([]Atom, 0, len(lines))
	for _, l := range lines {
		a, ok := parseAtom(l)
		if !ok {
			m.Lines = append([]string{}, lines...)
			m.Atoms = nil
			return m
		}
		atoms = append(atoms, a)
	}
	m.Atoms = atoms
	return m
}

func parseAtom(line string) (Atom, bool) {
	f := strings.Fields(line)
	if len(f) != 4 {
		return Atom{}, false
	}
	var xyz [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return Atom{}, false
		}
		xyz[i] = v
	}
	return Atom{Symbol: f[0], X: xyz[0], Y: xyz[1], Z: xyz[2]}, true
}

func (m *Molecule) render() []string {
	if m == nil {
		return nil
	}
	if m.Read {
		return []string{"read"}
	}
	var out []string
	if m.Charge != nil && m.Multiplicity != nil {
		out = append(out, fmt.Sprintf(" %d  %d", *m.Charge, *m.Multiplicity))
	}
	if len(m.Atoms) > 0 {
		for _, a := range m.Atoms {
			out = append(out, fmt.Sprintf(" %-2s %15.8f %15.8f %15.8f", a.Symbol, a.X, a.Y, a.Z))
		}
		return out
	}
	return append(out, m.Lines...)
}

// String renders the document. Sections keep their original order; a $comment
// added by an edit goes last.
func (in *Input) String() string {
	var jobs []string
	for _, j := range in.Jobs {
		jobs = append(jobs, j.String())
	}
	return strings.Join(jobs, "\n"+jobSeparator+"\n\n")
}

func (j *Job) String() string {
	order := append([]string{}, j.order...)
	has := func(name string) bool {
		for _, n := range order {
			if n == name {
				return true
			}
		}
		return false
	}
	if j.Molecule != nil && !has("molecule") {
		order = append([]string{"molecule"}, order...)
	}
	if j.Rem.Len() > 0 && !has("rem") {
		order = append(order, "rem")
	}
	if strings.TrimSpace(j.Comment) != "" && !has("comment") {
		order = append(order, "comment")
	}

	var b strings.Builder
	for _, name := range order {
		var body []string
		switch name {
		case "molecule":
			if j.Molecule == nil {
				continue
			}
			body = j.Molecule.render()
		case "rem":
			if j.Rem.Len() == 0 {
				continue
			}
			body = j.Rem.render()
		case "comment":
			if strings.TrimSpace(j.Comment) == "" {
				continue
			}
			body = strings.Split(j.Comment, "\n")
		default:
			body = j.raw[name]
		}
		b.WriteString("$" + name + "\n")
		for _, l := range body {
			b.WriteString(l + "\n")
		}
		b.WriteString("$end\n\n")
	}
	return b.String()
}

// JobType is the rem jobtype, "sp" when unset.
func (j *Job) JobType() string {
	if v, ok := j.Rem.Get("jobtype"); ok && strings.TrimSpace(v) != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return "sp"
}
