//go:build windows

package process

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func signalNumber(*os.ProcessState) (int, bool) { return 0, false }

// Windows has no SIGTERM; both terminate and kill end the process.
func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
