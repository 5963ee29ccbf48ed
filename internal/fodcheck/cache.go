// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"zombiezen.com/go/nix"
)

// LoadCache reads a derivation cache file:
// a JSON object mapping derivation paths to their owning attributes.
// An empty path or a missing file yields an empty mapping.
func LoadCache(path string) (map[nix.StorePath]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[nix.StorePath]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read derivation cache: %v", err)
	}
	m := make(map[nix.StorePath]string)
	if err := jsonv2.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("read derivation cache %s: %v", path, err)
	}
	return m, nil
}

// SaveCache replaces the derivation cache file at path with m.
// The file is written atomically.
// An existing file keeps its permissions.
// A new file is created with mode 0o666 (before umask).
func SaveCache(path string, m map[nix.StorePath]string) (err error) {
	data, err := jsonv2.Marshal(m, jsonv2.Deterministic(true), jsontext.Multiline(true))
	if err != nil {
		return fmt.Errorf("write derivation cache: %v", err)
	}
	data = append(data, '\n')

	perm := fs.FileMode(0o666)
	info, statErr := os.Stat(path)
	if statErr == nil {
		perm = info.Mode().Perm()
	}
	tempPath := filepath.Join(filepath.Dir(path), ".drv-cache-"+uuid.NewString()+".json")
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("write derivation cache: %v", err)
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	var chmodErr error
	if statErr == nil {
		// Restore bits masked by the umask.
		chmodErr = f.Chmod(perm)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if err := errors.Join(chmodErr, writeErr, closeErr); err != nil {
		return fmt.Errorf("write derivation cache: %v", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("write derivation cache: %v", err)
	}
	return nil
}
