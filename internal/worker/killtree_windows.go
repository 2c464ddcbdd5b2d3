//go:build windows

package worker

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	createNoWindow        = 0x08000000
	createNewProcessGroup = 0x00000200
)

// sysProcAttrForProcessGroup detaches the spawned process from any
// console window and gives it its own process group, matching
// worker.rs's CREATE_NO_WINDOW usage.
func sysProcAttrForProcessGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: createNoWindow | createNewProcessGroup}
}

// killProcessTree is the Windows half of the process-tree termination
// contract (§4.D, §9): taskkill /F /T /PID reaches every descendant,
// which a bare Process.Kill() on Windows does not. If taskkill itself
// is unavailable, fall back to walking and killing descendants with
// gopsutil.
func killProcessTree(pid int) error {
	err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
	if err == nil {
		return nil
	}
	return killDescendantsWithGopsutil(pid)
}

func killDescendantsWithGopsutil(pid int) error {
	p, perr := process.NewProcess(int32(pid))
	if perr != nil {
		return perr
	}
	children, cerr := p.Children()
	if cerr == nil {
		for _, child := range children {
			_ = killDescendantsWithGopsutil(int(child.Pid))
			_ = child.Kill()
		}
	}
	return p.Kill()
}
