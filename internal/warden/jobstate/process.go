package jobstate

import (
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	return !PIDZombie(pid)
}

// PIDZombie checks whether a PID has exited but not been reaped.
func PIDZombie(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}
