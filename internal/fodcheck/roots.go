// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// rootDir is the directory holding a run's temporary garbage collection roots.
type rootDir string

func newRootDir(dir string) (rootDir, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("create roots directory: %v", err)
	}
	for _, sub := range []string{"attrs", "drvs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o777); err != nil {
			return "", fmt.Errorf("create roots directory: %v", err)
		}
	}
	return rootDir(dir), nil
}

// attr returns the path of the root protecting an attribute's derivation.
func (dir rootDir) attr(attr string) string {
	return filepath.Join(string(dir), "attrs", url.PathEscape(attr))
}

// drv returns the path of the root protecting a derivation's output.
func (dir rootDir) drv(drv nix.StorePath) string {
	return filepath.Join(string(dir), "drvs", drv.Base())
}

// removeRootFile removes the root symlink at path.
// A missing root is not an error.
func removeRootFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// A tempRoot is a root protecting a realized output.
// Releasing it removes the root and deletes the output from the store.
type tempRoot struct {
	path   string
	target nix.StorePath
}

func (r *tempRoot) release(ctx context.Context, client StoreClient) error {
	err := removeRootFile(r.path)
	if err != nil {
		err = fmt.Errorf("remove root %s: %v", r.path, err)
	}
	if r.target != "" {
		if deleteErr := client.Delete(ctx, r.target); deleteErr != nil && err == nil {
			err = fmt.Errorf("delete %s: %v", r.target, deleteErr)
		}
	}
	return err
}

// attrRoots tracks the roots created by instantiating attributes.
// An attribute's root is held until every derivation it owns
// has finished verification.
type attrRoots struct {
	mu    sync.Mutex
	roots map[string]*attrRoot
}

type attrRoot struct {
	// mu is held while the attribute is being re-instantiated.
	mu sync.Mutex

	// Fields below are guarded by attrRoots.mu.
	path     string
	pending  int
	retained bool
}

// add records a root created for attr during discovery.
func (ar *attrRoots) add(attr, path string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.entry(attr).path = path
}

func (ar *attrRoots) entry(attr string) *attrRoot {
	if ar.roots == nil {
		ar.roots = make(map[string]*attrRoot)
	}
	r := ar.roots[attr]
	if r == nil {
		r = new(attrRoot)
		ar.roots[attr] = r
	}
	return r
}

// retain sets the number of derivations owned by each attribute
// that must finish verification before the attribute's root is released.
// Roots of attributes that own no derivations are released immediately.
func (ar *attrRoots) retain(ctx context.Context, records []DerivationRecord) {
	ar.mu.Lock()
	for _, rec := range records {
		r := ar.entry(rec.Attribute)
		r.pending++
		r.retained = true
	}
	var unowned []string
	for _, r := range ar.roots {
		if !r.retained && r.path != "" {
			unowned = append(unowned, r.path)
			r.path = ""
		}
	}
	ar.mu.Unlock()

	for _, path := range unowned {
		if err := removeRootFile(path); err != nil {
			log.Warnf(ctx, "Failed to release derivation root %s, ignoring: %v", path, err)
		}
	}
}

// reinstantiate calls f with the attribute's root path
// while preventing concurrent re-instantiation of the same attribute.
func (ar *attrRoots) reinstantiate(attr, path string, f func(root string) error) error {
	ar.mu.Lock()
	r := ar.entry(attr)
	ar.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := f(path); err != nil {
		return err
	}
	ar.mu.Lock()
	r.path = path
	ar.mu.Unlock()
	return nil
}

// done marks one of attr's derivations as verified,
// releasing the attribute's root once none remain.
func (ar *attrRoots) done(ctx context.Context, attr string) {
	ar.mu.Lock()
	r := ar.roots[attr]
	if r == nil || r.pending == 0 {
		ar.mu.Unlock()
		return
	}
	r.pending--
	var path string
	if r.pending == 0 {
		path, r.path = r.path, ""
	}
	ar.mu.Unlock()

	if err := removeRootFile(path); err != nil {
		log.Warnf(ctx, "Failed to release derivation root for %s, ignoring: %v", attr, err)
	}
}

// releaseAll releases every root still held.
func (ar *attrRoots) releaseAll(ctx context.Context) {
	ar.mu.Lock()
	var paths []string
	for _, r := range ar.roots {
		if r.path != "" {
			paths = append(paths, r.path)
			r.path = ""
		}
	}
	ar.mu.Unlock()

	for _, path := range paths {
		if err := removeRootFile(path); err != nil {
			log.Warnf(ctx, "Failed to release derivation root %s, ignoring: %v", path, err)
		}
	}
}
