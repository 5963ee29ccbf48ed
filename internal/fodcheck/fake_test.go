// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// storePath returns a deterministic store path for the given name.
func storePath(name string) nix.StorePath {
	h := sha256.Sum256([]byte(name))
	p, err := nix.DefaultStoreDirectory.Object(nixbase32.EncodeToString(h[:20]) + "-" + name)
	if err != nil {
		panic(err)
	}
	return p
}

func fixedOutputDerivation(out nix.StorePath) string {
	const hash = "f01d58cd6d9d77fbdca9eb4bbd5ead1988228fdb73d6f7a201f5f8d6b118b469"
	return fmt.Sprintf(`Derive([("out","%s","sha256","%s")],[],[],"x86_64-linux","/bin/sh",["-c","fetch"],[("out","%s")])`, out, hash, out)
}

func inputAddressedDerivation(out nix.StorePath) string {
	return fmt.Sprintf(`Derive([("out","%s","","")],[],[],"x86_64-linux","/bin/sh",["-c","build"],[("out","%s")])`, out, out)
}

// fakeStore is an in-memory [StoreClient].
// Fields other than mu and the recorded calls must not be modified
// once the store is in use.
type fakeStore struct {
	t *testing.T

	attrs         []string
	attributesErr error

	// instantiate maps attributes to their derivations.
	// Attributes missing from the map fail to instantiate.
	instantiate map[string]nix.StorePath
	// requisites is the closure of each derivation (minus itself).
	requisites map[nix.StorePath][]nix.StorePath
	// files is the content of each derivation.
	files map[nix.StorePath]string
	// outputs maps a derivation to its output path.
	outputs map[nix.StorePath]nix.StorePath
	// unreproducible is the set of derivations whose check fails.
	unreproducible map[nix.StorePath]bool
	realizeErr     map[nix.StorePath]error
	verifyErr      map[nix.StorePath]error

	mu sync.Mutex
	// missing is the set of derivations not currently in the store.
	// Instantiating an attribute makes its closure present.
	missing          map[nix.StorePath]bool
	instantiateCalls map[string]int
	requisiteCalls   map[nix.StorePath]int
	realizeRoots     map[nix.StorePath]string
	deleted          []nix.StorePath
}

func (store *fakeStore) Attributes(ctx context.Context) ([]string, error) {
	if store.attributesErr != nil {
		return nil, store.attributesErr
	}
	return slices.Clone(store.attrs), nil
}

func (store *fakeStore) Instantiate(ctx context.Context, attr string, root string) (nix.StorePath, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.instantiateCalls == nil {
		store.instantiateCalls = make(map[string]int)
	}
	store.instantiateCalls[attr]++
	drv, ok := store.instantiate[attr]
	if !ok {
		return "", fmt.Errorf("attribute %s: evaluation error", attr)
	}
	if err := os.Symlink(string(drv), root); err != nil && !errors.Is(err, os.ErrExist) {
		return "", err
	}
	delete(store.missing, drv)
	for _, req := range store.requisites[drv] {
		delete(store.missing, req)
	}
	return drv, nil
}

func (store *fakeStore) Requisites(ctx context.Context, drv nix.StorePath) ([]nix.StorePath, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.requisiteCalls == nil {
		store.requisiteCalls = make(map[nix.StorePath]int)
	}
	store.requisiteCalls[drv]++
	return append([]nix.StorePath{drv}, store.requisites[drv]...), nil
}

func (store *fakeStore) Realize(ctx context.Context, drv nix.StorePath, root string) (nix.StorePath, error) {
	if err := store.realizeErr[drv]; err != nil {
		return "", err
	}
	out, ok := store.outputs[drv]
	if !ok {
		return "", fmt.Errorf("realize %s: no output", drv)
	}
	if err := os.Symlink(string(out), root); err != nil {
		return "", err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.realizeRoots == nil {
		store.realizeRoots = make(map[nix.StorePath]string)
	}
	store.realizeRoots[drv] = root
	return out, nil
}

func (store *fakeStore) Verify(ctx context.Context, drv nix.StorePath) (bool, error) {
	store.mu.Lock()
	root := store.realizeRoots[drv]
	store.mu.Unlock()
	if _, err := os.Lstat(root); err != nil {
		store.t.Errorf("Verify(ctx, %q) called without output root: %v", drv, err)
	}
	if err := store.verifyErr[drv]; err != nil {
		return false, err
	}
	return !store.unreproducible[drv], nil
}

func (store *fakeStore) Delete(ctx context.Context, path nix.StorePath) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.deleted = append(store.deleted, path)
	return nil
}

func (store *fakeStore) Exists(ctx context.Context, path nix.StorePath) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return !store.missing[path], nil
}

func (store *fakeStore) ReadFile(ctx context.Context, path nix.StorePath) ([]byte, error) {
	store.mu.Lock()
	missing := store.missing[path]
	store.mu.Unlock()
	content, ok := store.files[path]
	if missing || !ok {
		return nil, &os.PathError{Op: "open", Path: string(path), Err: os.ErrNotExist}
	}
	return []byte(content), nil
}

// logRecorder is a [testlog.TB] that keeps the messages it receives.
type logRecorder struct {
	tb testing.TB

	mu   sync.Mutex
	msgs []string
}

func (rec *logRecorder) Log(args ...any) {
	msg := fmt.Sprint(args...)
	rec.tb.Log(msg)
	rec.mu.Lock()
	rec.msgs = append(rec.msgs, msg)
	rec.mu.Unlock()
}

func (rec *logRecorder) contains(prefix string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return slices.ContainsFunc(rec.msgs, func(msg string) bool {
		return strings.HasPrefix(msg, prefix)
	})
}

// fakeTree builds a fakeStore.
type fakeTree struct {
	store *fakeStore
}

func newFakeTree(t *testing.T) *fakeTree {
	return &fakeTree{store: &fakeStore{
		t:              t,
		instantiate:    make(map[string]nix.StorePath),
		requisites:     make(map[nix.StorePath][]nix.StorePath),
		files:          make(map[nix.StorePath]string),
		outputs:        make(map[nix.StorePath]nix.StorePath),
		unreproducible: make(map[nix.StorePath]bool),
		realizeErr:     make(map[nix.StorePath]error),
		verifyErr:      make(map[nix.StorePath]error),
		missing:        make(map[nix.StorePath]bool),
	}}
}

// fod adds a fixed-output derivation named name and returns its path.
func (tree *fakeTree) fod(name string) nix.StorePath {
	drv := storePath(name + ".drv")
	out := storePath(name)
	tree.store.files[drv] = fixedOutputDerivation(out)
	tree.store.outputs[drv] = out
	return drv
}

// drv adds an input-addressed derivation named name
// that depends on the given derivations and returns its path.
func (tree *fakeTree) drv(name string, deps ...nix.StorePath) nix.StorePath {
	drv := storePath(name + ".drv")
	out := storePath(name)
	tree.store.files[drv] = inputAddressedDerivation(out)
	tree.store.outputs[drv] = out
	var closure []nix.StorePath
	for _, dep := range deps {
		closure = append(closure, dep)
		closure = append(closure, tree.store.requisites[dep]...)
	}
	slices.Sort(closure)
	tree.store.requisites[drv] = slices.Compact(closure)
	return drv
}

// attr adds an attribute that evaluates to drv.
func (tree *fakeTree) attr(name string, drv nix.StorePath) {
	tree.store.attrs = append(tree.store.attrs, name)
	tree.store.instantiate[name] = drv
}

// brokenAttr adds an attribute that fails to evaluate.
func (tree *fakeTree) brokenAttr(name string) {
	tree.store.attrs = append(tree.store.attrs, name)
}

func assertRootsReleased(tb testing.TB, dir string) {
	tb.Helper()
	for _, sub := range []string{"attrs", "drvs"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			tb.Error(err)
			continue
		}
		for _, ent := range entries {
			tb.Errorf("root %s left behind", filepath.Join(sub, ent.Name()))
		}
	}
}
