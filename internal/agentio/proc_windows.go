//go:build windows

package agentio

import "os/exec"

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

func setProcGroup(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
