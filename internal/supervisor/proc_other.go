//go:build !unix

package supervisor

import (
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
