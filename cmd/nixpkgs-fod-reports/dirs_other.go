// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package main

import "os"

func configDirs() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return []string{dir}
}
