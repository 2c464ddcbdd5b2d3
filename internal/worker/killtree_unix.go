//go:build !windows

package worker

import "syscall"

// sysProcAttrForProcessGroup places the spawned process in its own
// process group so the whole tree can be signaled at once (§4.D,
// §9: "create a new process group per worker and signal the group").
func sysProcAttrForProcessGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGKILL to the entire process group rooted at
// pid. This is the POSIX half of the process-tree termination
// contract: child.Kill() alone only reaches the immediate process.
func killProcessTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
