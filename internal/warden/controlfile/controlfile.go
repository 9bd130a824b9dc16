// Package controlfile reads the FHI-aims style static configuration and
// manages the one-shot override file next to it.
package controlfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
)

const (
	keyRho   = "sc_accuracy_rho"
	keyEev   = "sc_accuracy_eev"
	keyEtot  = "sc_accuracy_etot"
	keySpin  = "spin"
	keyRelax = "relax_geometry"
)

// Static is what simwarden needs from control.in. It is read once and never
// written.
type Static struct {
	Path       string
	Thresholds ledger.Thresholds
	// Complete is false when any of the three accuracy keys is missing.
	Complete bool
	Spin     string
	// Relax is set when the job optimises its geometry.
	Relax bool
}

// Collinear reports whether the SCF table carries the extra spin column.
func (s *Static) Collinear() bool {
	return s != nil && s.Spin == "collinear"
}

// ReadStatic parses "key value" lines, ignoring "#" comments.
func ReadStatic(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	s := &Static{Path: path, Spin: "none"}
	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, val, ok := splitLine(sc.Text())
		if !ok {
			continue
		}
		switch key {
		case keyRho, keyEev, keyEtot:
			v, err := strconv.ParseFloat(strings.ReplaceAll(strings.ToLower(val), "d", "e"), 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %s: %w", path, lineNo, key, err)
			}
			switch key {
			case keyRho:
				s.Thresholds.Rho = v
			case keyEev:
				s.Thresholds.Eev = v
			case keyEtot:
				s.Thresholds.Etot = v
			}
			seen[key] = true
		case keySpin:
			s.Spin = strings.ToLower(val)
		case keyRelax:
			s.Relax = strings.ToLower(val) != "none"
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	s.Complete = seen[keyRho] && seen[keyEev] && seen[keyEtot]
	return s, nil
}

func splitLine(line string) (key, val string, ok bool) {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	f := strings.Fields(line)
	if len(f) < 2 {
		return "", "", false
	}
	return strings.ToLower(f[0]), f[1], true
}

// WriteOverride replaces the override file with a threshold triple. Values are
// written with the shortest text that parses back to the same float.
func WriteOverride(path string, t ledger.Thresholds) error {
	var b strings.Builder
	for _, kv := range []struct {
		key string
		v   float64
	}{{keyRho, t.Rho}, {keyEev, t.Eev}, {keyEtot, t.Etot}} {
		b.WriteString(kv.key + " " + strconv.FormatFloat(kv.v, 'g', -1, 64) + "\n")
	}
	return runtime.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// ReadOverride parses an override file written by WriteOverride.
func ReadOverride(path string) (ledger.Thresholds, error) {
	st, err := ReadStatic(path)
	if err != nil {
		return ledger.Thresholds{}, err
	}
	if !st.Complete {
		return ledger.Thresholds{}, fmt.Errorf("%s: incomplete threshold override", path)
	}
	return st.Thresholds, nil
}

func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// Archive renames path to "<path>.<label>.N" with the next free N and returns
// the new name. Overrides are never deleted so the audit trail survives.
func Archive(path, label string) (string, error) {
	n, err := nextOrdinal(path, label)
	if err != nil {
		return "", err
	}
	for {
		dst := fmt.Sprintf("%s.%s.%d", path, label, n)
		if _, err := os.Lstat(dst); os.IsNotExist(err) {
			if err := os.Rename(path, dst); err != nil {
				return "", err
			}
			return dst, nil
		}
		n++
	}
}

var archiveOrdinal = regexp.MustCompile(`\.(\d+)$`)

// escapeMeta quotes the characters doublestar treats as pattern syntax.
func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nextOrdinal(path, label string) (int, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	pattern := escapeMeta(base+"."+label+".") + "*"
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, m := range matches {
		sm := archiveOrdinal.FindStringSubmatch(m)
		if sm == nil {
			continue
		}
		if v, err := strconv.Atoi(sm[1]); err == nil && v > max {
			max = v
		}
	}
	return max + 1, nil
}
