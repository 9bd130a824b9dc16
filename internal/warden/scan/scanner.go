package scan

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/danshapiro/simwarden/internal/warden/controlfile"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
)

// Config names the files a Scanner reads.
type Config struct {
	Family  Family
	LogPath string
	// InputPath is the Q-Chem input document.
	InputPath string
	// ControlPath and OverridePath are the FHI-aims static config and its
	// one-shot override file.
	ControlPath  string
	OverridePath string
}

type Scanner struct {
	cfg Config
}

func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg}
}

// Scan reads the whole log afresh and returns what it found.
func (s *Scanner) Scan() (*Record, error) {
	st, err := os.Stat(s.cfg.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrLogMissing, s.cfg.LogPath)
		}
		return nil, err
	}
	lines, err := readLines(s.cfg.LogPath)
	if err != nil {
		return nil, err
	}
	rec := newRecord(s.cfg.Family)
	rec.LogModTime = st.ModTime()
	switch s.cfg.Family {
	case FamilyQChem:
		err = s.scanQChem(lines, rec)
	case FamilyAims:
		err = s.scanAims(lines, rec)
	default:
		err = fmt.Errorf("unknown job family %q", s.cfg.Family)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

var (
	qchemWelcome   = "Welcome to Q-Chem"
	scfHeader      = regexp.MustCompile(`Cycle\s+Energy\s+.*Error`)
	scfRow         = regexp.MustCompile(`^\s*(\d+)\s+(-?\d+\.\d+)\s+([0-9.]+[eE][-+]\d+)`)
	scfTableEnd    = regexp.MustCompile(`Convergence criterion met|SCF time|SCF failed to converge|Convergence failure`)
	orientHeader   = "Standard Nuclear Orientation"
	orientRow      = regexp.MustCompile(`^\s*\d+\s+([A-Za-z]{1,3})\s+(-?\d+\.\d+)\s+(-?\d+\.\d+)\s+(-?\d+\.\d+)`)
	dashes         = regexp.MustCompile(`^\s*-{10,}\s*$`)
	echoedJobType  = regexp.MustCompile(`(?i)^\s*jobtype\s*=?\s*(\w+)`)
	chargeMultLine = regexp.MustCompile(`^\s*(-?\d+)\s+(\d+)\s*$`)
)

type qchemStep struct {
	sigs       map[string]bool
	tables     [][]SCFIteration
	geometries []Geometry
	jobType    string
}

func splitQChemSteps(lines []string) [][]string {
	var steps [][]string
	var cur []string
	seen := false
	for _, l := range lines {
		if strings.Contains(l, qchemWelcome) {
			if seen {
				steps = append(steps, cur)
				cur = nil
			}
			seen = true
		}
		cur = append(cur, l)
	}
	return append(steps, cur)
}

func (s *Scanner) scanQChem(lines []string, rec *Record) error {
	var input *qcinput.Input
	if strings.TrimSpace(s.cfg.InputPath) != "" {
		in, err := qcinput.ReadFile(s.cfg.InputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = in
	}

	chunks := splitQChemSteps(lines)
	rec.Steps = len(chunks)
	var charge, mult *int
	for i, chunk := range chunks {
		st := parseQChemStep(chunk, &charge, &mult)
		if len(st.sigs) == 0 {
			continue
		}
		rec.StepIndex = i
		rec.Signatures = st.sigs
		if n := len(st.tables); n > 0 {
			rec.SCF = st.tables[n-1]
		}
		rec.Geometries = st.geometries
		rec.JobType = st.jobType
		if input != nil && i < len(input.Jobs) {
			rec.JobType = input.Jobs[i].JobType()
		}
		break
	}
	if rec.JobType == "" {
		rec.JobType = "sp"
	}
	return nil
}

// parseQChemStep walks one job step. charge and mult carry the last stated
// values across steps so "read" molecules inherit them.
func parseQChemStep(lines []string, charge, mult **int) qchemStep {
	st := qchemStep{sigs: map[string]bool{}}
	inTable := false
	orient := 0 // orientation table state: header seen = 1, inside rows = 2
	var atoms []qcinput.Atom
	afterMolecule := false
	for _, line := range lines {
		matchLine(qchemSignatures, line, st.sigs)

		trimmed := strings.TrimSpace(line)
		if strings.EqualFold(trimmed, "$molecule") {
			afterMolecule = true
			continue
		}
		if afterMolecule && trimmed != "" {
			afterMolecule = false
			if m := chargeMultLine.FindStringSubmatch(line); m != nil {
				c, _ := strconv.Atoi(m[1])
				s, _ := strconv.Atoi(m[2])
				*charge, *mult = &c, &s
			}
		}
		if st.jobType == "" {
			if m := echoedJobType.FindStringSubmatch(line); m != nil {
				st.jobType = strings.ToLower(m[1])
			}
		}

		switch {
		case scfHeader.MatchString(line):
			inTable = true
			st.tables = append(st.tables, nil)
		case inTable:
			if m := scfRow.FindStringSubmatch(line); m != nil {
				it := SCFIteration{}
				it.Cycle, _ = strconv.Atoi(m[1])
				it.Energy, _ = strconv.ParseFloat(m[2], 64)
				it.Delta, _ = strconv.ParseFloat(m[3], 64)
				n := len(st.tables) - 1
				st.tables[n] = append(st.tables[n], it)
			}
			if scfTableEnd.MatchString(line) {
				inTable = false
			}
		}

		switch {
		case strings.Contains(line, orientHeader):
			orient = 1
			atoms = nil
		case orient == 1 && dashes.MatchString(line):
			orient = 2
		case orient == 2 && dashes.MatchString(line):
			orient = 0
			st.geometries = append(st.geometries, Geometry{Atoms: atoms, Charge: *charge, Multiplicity: *mult})
		case orient == 2:
			if m := orientRow.FindStringSubmatch(line); m != nil {
				a := qcinput.Atom{Symbol: m[1]}
				a.X, _ = strconv.ParseFloat(m[2], 64)
				a.Y, _ = strconv.ParseFloat(m[3], 64)
				a.Z, _ = strconv.ParseFloat(m[4], 64)
				atoms = append(atoms, a)
			}
		}
	}
	return st
}

// Column positions of the FHI-aims SCF summary line.
type aimsColumns struct {
	rho, eev, etot, force int
}

var (
	collinearColumns    = aimsColumns{rho: 5, eev: 10, etot: 12, force: 14}
	nonCollinearColumns = aimsColumns{rho: 5, eev: 9, etot: 11, force: 13}
)

const aimsConverged = "Self-consistency cycle converged."

func (s *Scanner) scanAims(lines []string, rec *Record) error {
	static, err := controlfile.ReadStatic(s.cfg.ControlPath)
	if err != nil {
		return fmt.Errorf("read control file: %w", err)
	}
	cols := nonCollinearColumns
	if static.Collinear() {
		cols = collinearColumns
	}
	rec.JobType = "sp"
	if static.Relax {
		rec.JobType = "opt"
	}
	marker := fmt.Sprintf("Finished reading input file '%s'", filepath.Base(s.cfg.OverridePath))

	var acc []AccuracyPoint
	for _, line := range lines {
		matchLine(aimsSignatures, strings.TrimSpace(line), rec.Signatures)

		if strings.Contains(line, marker) {
			rec.OverrideReads++
			rec.ConvergedAfterOverride = false
			acc = nil
			continue
		}
		if rec.OverrideReads > 0 && strings.Contains(line, aimsConverged) {
			rec.ConvergedAfterOverride = true
		}
		if !strings.HasPrefix(line, "  SCF") {
			continue
		}
		f := strings.Fields(line)
		if len(f) <= 10 || len(f) <= cols.force {
			continue
		}
		if f[cols.force] != "." {
			acc = nil
			continue
		}
		p, ok := parseAccuracy(f, cols)
		if ok {
			acc = append(acc, p)
		}
	}
	rec.Accuracy = acc
	rec.OverridePresent = controlfile.Exists(s.cfg.OverridePath)
	return nil
}

func parseAccuracy(f []string, cols aimsColumns) (AccuracyPoint, bool) {
	vals := [3]float64{}
	for i, idx := range []int{cols.rho, cols.eev, cols.etot} {
		v, err := strconv.ParseFloat(strings.ReplaceAll(strings.ToLower(f[idx]), "d", "e"), 64)
		if err != nil {
			return AccuracyPoint{}, false
		}
		vals[i] = math.Abs(v)
	}
	return AccuracyPoint{Rho: vals[0], Eev: vals[1], Etot: vals[2]}, true
}
