// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"cmp"
	"slices"
	"sync"

	"zombiezen.com/go/nix"
)

// A Result is the verdict of checking a single fixed-output derivation.
type Result struct {
	Attribute    string        `json:"attribute"`
	Derivation   nix.StorePath `json:"derivation"`
	Reproducible bool          `json:"reproducible"`
}

func compareResults(a, b Result) int {
	return cmp.Or(
		cmp.Compare(a.Attribute, b.Attribute),
		cmp.Compare(a.Derivation, b.Derivation),
	)
}

type resultKey struct {
	attr string
	drv  nix.StorePath
}

// Results is a concurrency-safe collection of [Result] values
// keyed by attribute and derivation.
// The zero value is an empty collection.
type Results struct {
	mu sync.Mutex
	m  map[resultKey]bool
}

// Add records a result, replacing any previous result
// for the same attribute and derivation.
func (r *Results) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[resultKey]bool)
	}
	r.m[resultKey{res.Attribute, res.Derivation}] = res.Reproducible
}

// All returns every result sorted by attribute, then derivation.
func (r *Results) All() []Result {
	r.mu.Lock()
	list := make([]Result, 0, len(r.m))
	for k, ok := range r.m {
		list = append(list, Result{
			Attribute:    k.attr,
			Derivation:   k.drv,
			Reproducible: ok,
		})
	}
	r.mu.Unlock()

	slices.SortFunc(list, compareResults)
	return list
}

// NotReproducible returns the results whose derivations did not reproduce
// sorted by attribute, then derivation.
func (r *Results) NotReproducible() []Result {
	return notReproducible(r.All())
}

func notReproducible(sorted []Result) []Result {
	var list []Result
	for _, res := range sorted {
		if !res.Reproducible {
			list = append(list, res)
		}
	}
	return list
}
