// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package fodcheck

import (
	"maps"
	"slices"
	"sync"

	"zombiezen.com/go/nix"
)

// A DerivationRecord associates a derivation
// with the first attribute observed to reference it.
type DerivationRecord struct {
	Derivation nix.StorePath
	Attribute  string
}

// DerivationStore is a concurrency-safe mapping of derivations to owning attributes.
// Each derivation is recorded at most once: the first writer wins
// and later registrations of the same derivation are dropped.
// The zero value is an empty store.
type DerivationStore struct {
	mu sync.Mutex
	m  map[nix.StorePath]string
}

// NewDerivationStore returns a new store seeded with the given mapping.
// seed is copied and may be nil.
func NewDerivationStore(seed map[nix.StorePath]string) *DerivationStore {
	return &DerivationStore{m: maps.Clone(seed)}
}

// RegisterIfAbsent records attr as the owner of drv
// if drv is not already present in the store.
// It reports whether the record was inserted.
func (s *DerivationStore) RegisterIfAbsent(drv nix.StorePath, attr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[drv]; exists {
		return false
	}
	if s.m == nil {
		s.m = make(map[nix.StorePath]string)
	}
	s.m[drv] = attr
	return true
}

// Snapshot returns a copy of the store's mapping.
func (s *DerivationStore) Snapshot() map[nix.StorePath]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := maps.Clone(s.m)
	if m == nil {
		m = make(map[nix.StorePath]string)
	}
	return m
}

// Records returns the store's records sorted by derivation path.
func (s *DerivationStore) Records() []DerivationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]DerivationRecord, 0, len(s.m))
	for _, drv := range slices.Sorted(maps.Keys(s.m)) {
		records = append(records, DerivationRecord{
			Derivation: drv,
			Attribute:  s.m[drv],
		})
	}
	return records
}
