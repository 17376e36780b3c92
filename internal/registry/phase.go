package registry

import (
	"github.com/shirou/gopsutil/v3/process"
)

// createTimeSlack absorbs the rounding in process creation times, which are
// derived from a boot time with one-second resolution.
const createTimeSlack = 1000

// phaseOwnerAlive reports whether the process that tagged a record is still
// running. A pid that was recycled after the tag was set counts as gone.
func phaseOwnerAlive(pid int, since int64) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ct, err := p.CreateTime()
	if err != nil || since == 0 {
		return true
	}
	return ct <= since+createTimeSlack
}

// phaseLiveLocked reports whether the phase tag of inst belongs to work
// that is still running, here or in another process.
func (r *Registry) phaseLiveLocked(inst *Instance) bool {
	if inst == nil || inst.Phase == PhaseNone {
		return false
	}
	if r.inflight[inst.ID] {
		return true
	}
	return phaseOwnerAlive(inst.PhasePID, inst.PhaseSince)
}
