// Package validate holds the pass/fail checks the supervisory loop runs once
// a job reports nothing left to fix.
package validate

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Success markers printed by the programs on a clean exit.
const (
	AimsMarker  = "Have a nice day."
	QChemMarker = "Thank you very much for using Q-Chem"
)

// Validator is one predicate over a finished job.
type Validator interface {
	Name() string
	Validate() (bool, string, error)
}

// SuccessMarker passes when the log contains Marker.
type SuccessMarker struct {
	Path   string
	Marker string
}

func (v SuccessMarker) Name() string { return "success_marker" }

func (v SuccessMarker) Validate() (bool, string, error) {
	f, err := os.Open(v.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Sprintf("%s does not exist", v.Path), nil
		}
		return false, "", err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.Contains(sc.Text(), v.Marker) {
			return true, "", nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, "", err
	}
	return false, fmt.Sprintf("%q not found in %s", v.Marker, filepath.Base(v.Path)), nil
}

// ResultFiles passes when every Required file exists and no Forbidden file does.
type ResultFiles struct {
	Dir       string
	Required  []string
	Forbidden []string
}

func (v ResultFiles) Name() string { return "result_files" }

func (v ResultFiles) Validate() (bool, string, error) {
	var problems []string
	for _, name := range v.Required {
		ok, err := exists(filepath.Join(v.Dir, name))
		if err != nil {
			return false, "", err
		}
		if !ok {
			problems = append(problems, "missing "+name)
		}
	}
	for _, name := range v.Forbidden {
		ok, err := exists(filepath.Join(v.Dir, name))
		if err != nil {
			return false, "", err
		}
		if ok {
			problems = append(problems, "unexpected "+name)
		}
	}
	if len(problems) > 0 {
		return false, strings.Join(problems, "; "), nil
	}
	return true, "", nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Failure names the validator that rejected the job.
type Failure struct {
	Validator string
	Reason    string
}

// All runs every validator and collects the failures. It stops at the first
// validator that cannot run at all.
func All(vs ...Validator) ([]Failure, error) {
	var out []Failure
	for _, v := range vs {
		ok, reason, err := v.Validate()
		if err != nil {
			return out, fmt.Errorf("%s: %w", v.Name(), err)
		}
		if !ok {
			out = append(out, Failure{Validator: v.Name(), Reason: reason})
		}
	}
	return out, nil
}
