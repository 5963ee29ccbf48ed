// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package nixcli

import "os/exec"

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}
