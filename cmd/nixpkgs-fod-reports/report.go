// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"zb.256lights.llc/fodreports/internal/fodcheck"
	"zb.256lights.llc/fodreports/internal/history"
	"zombiezen.com/go/log"
)

// runRecord is a completed run
// as written to the JSON report and the history database.
type runRecord struct {
	id        uuid.UUID
	tree      string
	startedAt time.Time
	endedAt   time.Time
	results   []fodcheck.Result
}

func formatResult(res fodcheck.Result) string {
	return fmt.Sprintf("FOD from %s at %s is not reproducible\n", res.Attribute, res.Derivation)
}

type jsonReport struct {
	RunID     uuid.UUID         `json:"runID"`
	Tree      string            `json:"tree"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Results   []fodcheck.Result `json:"results"`
}

func writeJSONReport(path string, run *runRecord) error {
	report := &jsonReport{
		RunID:     run.id,
		Tree:      run.tree,
		StartedAt: run.startedAt.UTC(),
		EndedAt:   run.endedAt.UTC(),
		Results:   run.results,
	}
	if report.Results == nil {
		report.Results = []fodcheck.Result{}
	}
	data, err := jsonv2.Marshal(report, jsontext.Multiline(true))
	if err != nil {
		return fmt.Errorf("write report: %v", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("write report: %v", err)
	}
	return nil
}

// recordHistory stores run in the history database at path,
// logging any verdicts that have changed since the previous run of the same tree.
func recordHistory(ctx context.Context, path string, run *runRecord) (err error) {
	db, err := history.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close history: %v", closeErr)
		}
	}()

	prev, err := db.LastRun(ctx, run.tree)
	switch {
	case errors.Is(err, history.ErrNoRuns):
		log.Debugf(ctx, "No previous runs recorded for %s", run.tree)
	case err != nil:
		return err
	default:
		for _, change := range history.Changes(prev.Results, run.results) {
			verdict := "no longer reproducible"
			if change.Reproducible {
				verdict = "now reproducible"
			}
			log.Debugf(ctx, "FOD from %s at %s is %s (since run %v)", change.Attribute, change.Derivation, verdict, prev.ID)
		}
	}

	return db.RecordRun(ctx, &history.Run{
		ID:        run.id,
		Tree:      run.tree,
		StartedAt: run.startedAt,
		EndedAt:   run.endedAt,
		Results:   run.results,
	})
}
