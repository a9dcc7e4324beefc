//go:build !unix

package pipeline

import "os/exec"

// setProcessGroup is a no-op; exec.CommandContext kills the direct child.
func setProcessGroup(*exec.Cmd) {}
