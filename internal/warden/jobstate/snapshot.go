// Package jobstate summarises what the warden has done to a job so far,
// from the files it leaves behind in the job directory.
package jobstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/backup"
	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
)

type State string

const (
	StateUnknown State = "unknown"
	// StateRunning means the job process recorded in the pid file is alive.
	StateRunning State = "running"
	// StateCorrected means the last correction changed the job and it waits
	// to be resubmitted.
	StateCorrected State = "corrected"
	StateIdle      State = "idle"
	// StateNeedsOperator means the last correction ran out of remedies.
	StateNeedsOperator State = "needs_operator"
)

// Paths names the files a snapshot is built from. Empty entries are skipped.
type Paths struct {
	Dir         string
	StatusLog   string
	Result      string
	PIDFile     string
	QChemInput  string
	RelaxLedger string
}

// LedgerEntry is one escalation ledger found in the job's files.
type LedgerEntry struct {
	Job    int            `json:"job"`
	Tag    string         `json:"tag"`
	Ledger *ledger.Ledger `json:"ledger"`
	// Remaining counts the rungs not tried yet.
	Remaining int `json:"remaining"`
}

type Snapshot struct {
	Dir         string                    `json:"dir"`
	State       State                     `json:"state"`
	LastEvent   string                    `json:"last_event,omitempty"`
	LastEventAt time.Time                 `json:"last_event_at,omitzero"`
	LastResult  *runtime.CorrectionResult `json:"last_result,omitempty"`
	Backups     []int                     `json:"backups,omitempty"`
	PID         int                       `json:"pid,omitempty"`
	PIDAlive    bool                      `json:"pid_alive"`
	Ledgers     []LedgerEntry             `json:"ledgers,omitempty"`
}

var qchemTags = []string{ledger.TagSCF, ledger.TagOptReset, ledger.TagGeomOpt, ledger.TagResource}

// Load reads the job's artifacts and returns a compact snapshot.
func Load(p Paths) (*Snapshot, error) {
	dir := strings.TrimSpace(p.Dir)
	if dir == "" {
		return nil, fmt.Errorf("job directory is required")
	}
	s := &Snapshot{Dir: dir, State: StateUnknown}

	if err := applyResult(s, p.Result); err != nil {
		return nil, err
	}
	if err := applyLastEvent(s, p.StatusLog); err != nil {
		return nil, err
	}
	ords, err := backup.Ordinals(dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	s.Backups = ords
	if err := applyLedgers(s, p); err != nil {
		return nil, err
	}
	if err := applyPIDFile(s, p.PIDFile); err != nil {
		return nil, err
	}
	// A live process outranks whatever the last correction said.
	if s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyResult(s *Snapshot, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	r, err := runtime.DecodeCorrectionResultJSON(b)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	s.LastResult = &r
	switch {
	case r.Terminal:
		s.State = StateNeedsOperator
	case r.Applied():
		s.State = StateCorrected
	default:
		s.State = StateIdle
	}
	return nil
}

func applyLastEvent(s *Snapshot, path string) error {
	if path == "" {
		return nil
	}
	ev, found, err := readLastEvent(path)
	if err != nil || !found {
		return err
	}
	s.LastEvent = eventString(ev["event"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	return nil
}

func applyLedgers(s *Snapshot, p Paths) error {
	if p.QChemInput != "" {
		in, err := qcinput.ReadFile(p.QChemInput)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return err
		default:
			for i, job := range in.Jobs {
				for _, tag := range qchemTags {
					l, err := ledger.Block{Tag: tag}.Extract(job.Comment)
					if err != nil {
						continue
					}
					s.Ledgers = append(s.Ledgers, LedgerEntry{Job: i + 1, Tag: tag, Ledger: l, Remaining: l.Remaining()})
				}
			}
		}
	}
	if p.RelaxLedger != "" {
		l, err := ledger.Block{Tag: ledger.TagRelaxation}.ReadFile(p.RelaxLedger)
		switch {
		case errors.Is(err, ledger.ErrNoLedger):
		case err != nil:
			return fmt.Errorf("read %s: %w", p.RelaxLedger, err)
		default:
			s.Ledgers = append(s.Ledgers, LedgerEntry{Job: 1, Tag: ledger.TagRelaxation, Ledger: l, Remaining: l.Remaining()})
		}
	}
	return nil
}

func applyPIDFile(s *Snapshot, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = PIDAlive(pid)
	return nil
}

func readLastEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
