// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

// Package fodcheck finds fixed-output derivations in a package tree
// and checks whether they build reproducibly.
//
// A run has two phases.
// Discovery instantiates every attribute of the tree
// and records each distinct derivation in its build graph
// along with the first attribute found to depend on it.
// Verification then realizes every recorded fixed-output derivation
// and builds it a second time in check mode,
// recording whether the two builds produced the same output.
package fodcheck

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// StoreClient is the set of operations a [Checker] uses
// to evaluate and build derivations.
// Implementations must be safe to call from multiple goroutines.
type StoreClient interface {
	// Attributes returns the attributes available in the package tree
	// in evaluation order.
	Attributes(ctx context.Context) ([]string, error)
	// Instantiate evaluates attr to a derivation
	// and creates a garbage collection root for it at root.
	Instantiate(ctx context.Context, attr string, root string) (nix.StorePath, error)
	// Requisites returns the closure of drv, including drv itself.
	Requisites(ctx context.Context, drv nix.StorePath) ([]nix.StorePath, error)
	// Realize builds drv, creating a garbage collection root
	// for its output at root, and returns the output's path.
	Realize(ctx context.Context, drv nix.StorePath, root string) (nix.StorePath, error)
	// Verify builds drv again and reports whether the output
	// matches the one already in the store.
	// A non-nil error indicates that the check could not be performed.
	Verify(ctx context.Context, drv nix.StorePath) (reproducible bool, err error)
	// Delete removes path from the store.
	Delete(ctx context.Context, path nix.StorePath) error
	// Exists reports whether path is present in the store.
	Exists(ctx context.Context, path nix.StorePath) (bool, error)
	// ReadFile returns the content of the store object at path.
	ReadFile(ctx context.Context, path nix.StorePath) ([]byte, error)
}

// A Checker checks the fixed-output derivations of a package tree.
type Checker struct {
	// Client is used for all store operations. It must not be nil.
	Client StoreClient

	// Jobs is the maximum number of concurrent store operations.
	// If Jobs is not positive, runtime.NumCPU() is used.
	Jobs int

	// Attributes restricts the run to the named attributes.
	// If empty, every attribute in the tree is checked.
	Attributes []string

	// RootDir is the directory in which temporary garbage collection roots
	// are created. If empty, a temporary directory is created
	// and removed at the end of the run.
	RootDir string

	// CachePath is the path of a derivation cache file.
	// If empty, no cache is used.
	CachePath string

	// Progress receives progress messages. If nil, they are discarded.
	Progress io.Writer
}

// A Report is the outcome of a [Checker] run.
type Report struct {
	// Attributes is the number of attributes instantiated.
	Attributes int
	// Derivations is the number of distinct derivations
	// owned by the checked attributes,
	// including those loaded from the cache.
	Derivations int
	// Results holds a result for each fixed-output derivation checked
	// sorted by attribute, then derivation.
	Results []Result
}

// NotReproducible returns the results whose derivations did not reproduce.
func (r *Report) NotReproducible() []Result {
	return notReproducible(r.Results)
}

// Run discovers all derivations in the package tree
// and verifies the fixed-output ones.
// Failures to instantiate an attribute or check a derivation are logged
// and do not stop the run.
// Run returns an error if the attributes could not be enumerated
// or the derivation cache could not be read or written.
func (c *Checker) Run(ctx context.Context) (_ *Report, err error) {
	seed, err := LoadCache(c.CachePath)
	if err != nil {
		return nil, err
	}

	var dir rootDir
	if c.RootDir == "" {
		tempDir, err := os.MkdirTemp("", "nixpkgs-fod-reports-roots-*")
		if err != nil {
			return nil, fmt.Errorf("create roots directory: %v", err)
		}
		defer func() {
			if err := os.RemoveAll(tempDir); err != nil {
				log.Warnf(ctx, "Clean up roots directory: %v", err)
			}
		}()
		dir, err = newRootDir(tempDir)
		if err != nil {
			return nil, err
		}
	} else {
		dir, err = newRootDir(c.RootDir)
		if err != nil {
			return nil, err
		}
	}

	attrs, err := c.Client.Attributes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate attributes: %w", err)
	}
	if len(c.Attributes) > 0 {
		attrs = filterAttributes(ctx, attrs, c.Attributes)
	}

	r := &run{
		client:   c.Client,
		jobs:     c.Jobs,
		dir:      dir,
		store:    NewDerivationStore(seed),
		progress: &lockedWriter{w: c.Progress},
	}
	if r.jobs <= 0 {
		r.jobs = runtime.NumCPU()
	}
	if r.progress.w == nil {
		r.progress.w = io.Discard
	}
	defer r.roots.releaseAll(context.WithoutCancel(ctx))

	r.discover(ctx, attrs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.CachePath != "" {
		if err := SaveCache(c.CachePath, r.store.Snapshot()); err != nil {
			return nil, err
		}
	}

	records := r.store.Records()
	if len(c.Attributes) > 0 {
		records = ownedBy(records, attrs)
	}
	r.verify(ctx, records)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		Attributes:  len(attrs),
		Derivations: len(records),
		Results:     r.results.All(),
	}
	log.Infof(ctx, "Checked %d fixed-output derivations from %d attributes (%d derivations); %d not reproducible",
		len(report.Results), report.Attributes, report.Derivations, len(report.NotReproducible()))
	return report, nil
}

// ownedBy returns the records whose owner is in attrs.
// Cached records for other attributes are dropped.
func ownedBy(records []DerivationRecord, attrs []string) []DerivationRecord {
	return slices.DeleteFunc(records, func(rec DerivationRecord) bool {
		return !slices.Contains(attrs, rec.Attribute)
	})
}

func filterAttributes(ctx context.Context, attrs []string, want []string) []string {
	wantSet := make(map[string]bool, len(want))
	for _, attr := range want {
		wantSet[attr] = false
	}
	var filtered []string
	for _, attr := range attrs {
		if seen, ok := wantSet[attr]; ok && !seen {
			filtered = append(filtered, attr)
			wantSet[attr] = true
		}
	}
	for _, attr := range want {
		if !wantSet[attr] {
			log.Errorf(ctx, "Attribute %s not found in package tree", attr)
			wantSet[attr] = true
		}
	}
	return filtered
}

// run is the state of a single [Checker.Run] call.
type run struct {
	client   StoreClient
	jobs     int
	dir      rootDir
	progress *lockedWriter

	store   *DerivationStore
	roots   attrRoots
	results Results
}

func (r *run) discover(ctx context.Context, attrs []string) {
	grp := new(errgroup.Group)
	grp.SetLimit(r.jobs)
	for _, attr := range attrs {
		if ctx.Err() != nil {
			break
		}
		grp.Go(func() error {
			r.discoverAttribute(ctx, attr)
			return nil
		})
	}
	grp.Wait()
}

func (r *run) discoverAttribute(ctx context.Context, attr string) {
	if ctx.Err() != nil {
		return
	}
	r.progress.printf("Instantiating %s\n", attr)
	root := r.dir.attr(attr)
	drv, err := r.client.Instantiate(ctx, attr, root)
	r.roots.add(attr, root)
	if err != nil {
		log.Errorf(ctx, "Evaluation for %s failed: %v", attr, err)
		return
	}
	if !r.store.RegisterIfAbsent(drv, attr) {
		log.Debugf(ctx, "Ignoring duplicate derivation %s", drv)
		return
	}

	log.Debugf(ctx, "Getting requisites for %s", drv)
	reqs, err := r.client.Requisites(ctx, drv)
	if err != nil {
		log.Errorf(ctx, "Getting requisites for %s (from %s) failed: %v", drv, attr, err)
		return
	}
	for _, req := range reqs {
		if req.IsDerivation() {
			r.store.RegisterIfAbsent(req, attr)
		}
	}
}

func (r *run) verify(ctx context.Context, records []DerivationRecord) {
	r.roots.retain(ctx, records)

	grp := new(errgroup.Group)
	grp.SetLimit(r.jobs)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		grp.Go(func() error {
			defer r.roots.done(context.WithoutCancel(ctx), rec.Attribute)
			r.verifyDerivation(ctx, rec)
			return nil
		})
	}
	grp.Wait()
}

func (r *run) verifyDerivation(ctx context.Context, rec DerivationRecord) {
	if ctx.Err() != nil {
		return
	}
	if !r.ensureDerivation(ctx, rec) {
		return
	}

	data, err := r.client.ReadFile(ctx, rec.Derivation)
	isFOD := false
	if err == nil {
		isFOD, err = IsFixedOutput(rec.Derivation, data)
	}
	if err != nil {
		log.Errorf(ctx, "Error checking whether derivation at %s is a FOD, assuming not: %v", rec.Derivation, err)
		return
	}
	if !isFOD {
		log.Debugf(ctx, "Skipping %s: not a fixed-output derivation", rec.Derivation)
		return
	}

	r.progress.printf("Realizing %s\n", rec.Derivation)
	root := &tempRoot{path: r.dir.drv(rec.Derivation)}
	defer func() {
		if err := root.release(context.WithoutCancel(ctx), r.client); err != nil {
			log.Errorf(ctx, "Error removing root and output path from %s: %v", rec.Derivation, err)
		}
	}()
	root.target, err = r.client.Realize(ctx, rec.Derivation, root.path)
	if err != nil {
		log.Errorf(ctx, "Error realizing derivation from %s at %s: %v", rec.Attribute, rec.Derivation, err)
		return
	}

	reproducible, err := r.client.Verify(ctx, rec.Derivation)
	if err != nil {
		log.Errorf(ctx, "Error checking derivation from %s at %s: %v", rec.Attribute, rec.Derivation, err)
		return
	}
	r.results.Add(Result{
		Attribute:    rec.Attribute,
		Derivation:   rec.Derivation,
		Reproducible: reproducible,
	})
}

// ensureDerivation re-instantiates the record's owning attribute
// if the derivation is no longer in the store.
// It reports whether the derivation is present.
func (r *run) ensureDerivation(ctx context.Context, rec DerivationRecord) bool {
	exists, err := r.client.Exists(ctx, rec.Derivation)
	if err != nil {
		log.Errorf(ctx, "Check for %s: %v", rec.Derivation, err)
		return false
	}
	if exists {
		return true
	}

	log.Debugf(ctx, "%s missing; re-instantiating %s", rec.Derivation, rec.Attribute)
	err = r.roots.reinstantiate(rec.Attribute, r.dir.attr(rec.Attribute), func(root string) error {
		if exists, err := r.client.Exists(ctx, rec.Derivation); err == nil && exists {
			return nil
		}
		_, err := r.client.Instantiate(ctx, rec.Attribute, root)
		return err
	})
	if err != nil {
		log.Errorf(ctx, "Error re-instantiating derivation from %s at %s: %v", rec.Attribute, rec.Derivation, err)
		return false
	}
	exists, err = r.client.Exists(ctx, rec.Derivation)
	if err != nil || !exists {
		log.Errorf(ctx, "Derivation %s still missing after re-instantiating %s", rec.Derivation, rec.Attribute)
		return false
	}
	return true
}

// lockedWriter serializes writes of whole lines to w.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) printf(format string, args ...any) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	fmt.Fprintf(lw.w, format, args...)
}
