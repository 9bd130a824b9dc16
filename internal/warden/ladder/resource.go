package ladder

import (
	"fmt"

	"github.com/danshapiro/simwarden/internal/warden/ledger"
	"github.com/danshapiro/simwarden/internal/warden/qcinput"
	"github.com/danshapiro/simwarden/internal/warden/scan"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Launch profiles the supervisory loop can switch a job to.
const (
	ProfileHalfCPUs = "half_cpus"
	ProfileOpenMP   = "openmp"
)

// Profile is a launch configuration for the external program.
type Profile struct {
	Name    string `json:"name"`
	Threads int    `json:"threads"`
	// OpenMP selects shared-memory threads instead of MPI ranks.
	OpenMP bool `json:"openmp,omitempty"`
}

func logicalCPUs() (int, error) {
	return cpu.Counts(true)
}

func (c *Controller) profile(name string) (*Profile, error) {
	n, err := c.cfg.CPUCount()
	if err != nil {
		return nil, fmt.Errorf("count cpus: %w", err)
	}
	if n < 1 {
		n = 1
	}
	switch name {
	case ProfileHalfCPUs:
		return &Profile{Name: name, Threads: max(1, n/2)}, nil
	case ProfileOpenMP:
		return &Profile{Name: name, Threads: n, OpenMP: true}, nil
	}
	return nil, fmt.Errorf("unknown command profile %q", name)
}

// ResourceLadder is the exit-134 ordering for a job of the given type.
func ResourceLadder(jobType string) []string {
	if jobType == "freq" {
		return []string{ProfileHalfCPUs}
	}
	return []string{MethodTightIntegral, ProfileOpenMP}
}

var resourceBlock = ledger.Block{Tag: ledger.TagResource}

// Resource handles a run killed with exit code 134. Frequency jobs drop to
// half the CPUs; everything else first tightens the integral threshold and
// then moves to OpenMP threads. Rungs that are already in effect are skipped.
func (c *Controller) Resource(job *qcinput.Job, rec *scan.Record) (*Mutation, error) {
	l := c.lookup(job, resourceBlock)
	if l == nil {
		l = ledger.New(ResourceLadder(job.JobType())...)
	}
	for {
		method, ok := l.Advance()
		if !ok {
			c.log.Info("resource ladder exhausted", "methods", l.Methods, "command_profile", l.CommandProfile)
			return nil, nil
		}
		var m *Mutation
		switch method {
		case MethodTightIntegral:
			if job.Rem.Has("thresh") {
				continue
			}
			before := remSnapshot(job)
			job.SetIntegralThreshold(c.cfg.IntegralThreshold)
			m = &Mutation{Method: method, Label: "use tight integral threshold", Changes: remChanges(before, job)}
		case ProfileHalfCPUs, ProfileOpenMP:
			if l.CommandProfile == method {
				continue
			}
			p, err := c.profile(method)
			if err != nil {
				return nil, err
			}
			l.CommandProfile = method
			m = &Mutation{Method: method, Label: fmt.Sprintf("relaunch with %s (%d threads)", method, p.Threads), Profile: p}
		default:
			return nil, fmt.Errorf("resource ladder: unsupported method %q", method)
		}
		if err := c.persist(job, resourceBlock, l); err != nil {
			return nil, err
		}
		c.log.Info("ladder step applied", "ladder", "resource", "method", m.Method, "exit_code_134", rec != nil && rec.Has(scan.SigExitCode134))
		return m, nil
	}
}
