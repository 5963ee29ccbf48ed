// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"fmt"

	"zb.256lights.llc/fodreports/internal/derivation"
	"zombiezen.com/go/nix"
)

// IsFixedOutput reports whether data, the content of the derivation at drvPath,
// describes a fixed-output derivation:
// one with a single output whose content hash is declared upfront.
func IsFixedOutput(drvPath nix.StorePath, data []byte) (bool, error) {
	if !drvPath.IsDerivation() {
		return false, fmt.Errorf("classify %s: not a derivation", drvPath)
	}
	outputs, err := derivation.ReadOutputs(drvPath.Dir(), data)
	if err != nil {
		return false, fmt.Errorf("classify %s: %v", drvPath, err)
	}
	if len(outputs) != 1 {
		return false, nil
	}
	_, isFixed, err := outputs[0].FixedContentAddress()
	if err != nil {
		return false, fmt.Errorf("classify %s: %v", drvPath, err)
	}
	return isFixed, nil
}
