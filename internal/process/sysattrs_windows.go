//go:build windows

package process

import "os/exec"

func configureSysProcAttr(cmd *exec.Cmd) {}
