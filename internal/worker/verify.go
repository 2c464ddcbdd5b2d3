package worker

import "github.com/shirou/gopsutil/v3/process"

// PidExists reports whether pid is present in the OS process table.
// Exposed so tests can assert the §8 process-tree kill property:
// "for every descendant PID observed during its run, that PID is
// absent from the OS process table within a bounded wait".
func PidExists(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return exists
}
