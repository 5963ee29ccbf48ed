// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

//go:build unix

package nixcli

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setCancelFunc runs c in its own process group
// and terminates the whole group when the command's context is canceled.
func setCancelFunc(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGTERM)
	}
}
