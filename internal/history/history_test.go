// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"zb.256lights.llc/fodreports/internal/fodcheck"
	"zb.256lights.llc/fodreports/internal/testcontext"
)

const (
	automakeDrv = "/nix/store/gmaq49vzfrkvr714y4fhfxv100ijihin-automake-1.16.5.tar.xz.drv"
	helloSrcDrv = "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.tar.gz.drv"
)

func openTestDB(tb testing.TB) *DB {
	tb.Helper()
	db, err := Open(filepath.Join(tb.TempDir(), "state", "history.db"))
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Error(err)
		}
	})
	return db
}

func TestLastRun(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := openTestDB(t)

	start := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	first := &Run{
		Tree:      "/src/nixpkgs",
		StartedAt: start,
		EndedAt:   start.Add(time.Hour),
		Results: []fodcheck.Result{
			{Attribute: "automake", Derivation: automakeDrv, Reproducible: true},
		},
	}
	second := &Run{
		ID:        uuid.MustParse("0b5c0bba-7c16-4c4b-8a4b-6c1f4c2a9e10"),
		Tree:      "/src/nixpkgs",
		StartedAt: start.Add(24 * time.Hour),
		EndedAt:   start.Add(25 * time.Hour),
		Results: []fodcheck.Result{
			{Attribute: "automake", Derivation: automakeDrv, Reproducible: false},
			{Attribute: "hello", Derivation: helloSrcDrv, Reproducible: true},
		},
	}
	other := &Run{
		Tree:      "/src/other",
		StartedAt: start.Add(48 * time.Hour),
		EndedAt:   start.Add(49 * time.Hour),
	}
	for _, run := range []*Run{first, second, other} {
		if err := db.RecordRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	if first.ID == uuid.Nil {
		t.Error("RecordRun did not assign an ID")
	}

	got, err := db.LastRun(ctx, "/src/nixpkgs")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("LastRun (-want +got):\n%s", diff)
	}
}

func TestLastRunEmpty(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := openTestDB(t)

	run, err := db.LastRun(ctx, "/src/nixpkgs")
	if !errors.Is(err, ErrNoRuns) {
		t.Errorf("LastRun(ctx, \"/src/nixpkgs\") = %+v, %v; want _, %v", run, err, ErrNoRuns)
	}
}

func TestRecordRunDuplicateID(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := openTestDB(t)

	run := &Run{
		ID:        uuid.New(),
		Tree:      "/src/nixpkgs",
		StartedAt: time.Unix(1000, 0),
		EndedAt:   time.Unix(2000, 0),
		Results: []fodcheck.Result{
			{Attribute: "automake", Derivation: automakeDrv, Reproducible: true},
		},
	}
	if err := db.RecordRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	dup := *run
	dup.Results = nil
	if err := db.RecordRun(ctx, &dup); err == nil {
		t.Error("RecordRun with duplicate ID succeeded")
	}

	got, err := db.LastRun(ctx, "/src/nixpkgs")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 1 {
		t.Errorf("results after failed insert = %+v; want original result", got.Results)
	}
}

func TestChanges(t *testing.T) {
	prev := []fodcheck.Result{
		{Attribute: "automake", Derivation: automakeDrv, Reproducible: true},
		{Attribute: "hello", Derivation: helloSrcDrv, Reproducible: true},
	}
	cur := []fodcheck.Result{
		{Attribute: "automake", Derivation: automakeDrv, Reproducible: false},
		{Attribute: "hello", Derivation: helloSrcDrv, Reproducible: true},
		{Attribute: "new", Derivation: "/nix/store/1bxxqkml4mg0fqvv2mmzwdj3pd1dcgm9-new.drv", Reproducible: false},
	}
	want := []Change{{
		Derivation:      automakeDrv,
		Attribute:       "automake",
		WasReproducible: true,
		Reproducible:    false,
	}}
	if diff := cmp.Diff(want, Changes(prev, cur)); diff != "" {
		t.Errorf("Changes (-want +got):\n%s", diff)
	}
}
