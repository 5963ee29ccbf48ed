// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import "go4.org/xdgdir"

// configDirs returns the configuration directories
// in descending order of preference.
func configDirs() []string {
	return xdgdir.Config.SearchPaths()
}
