// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

// nixpkgs-fod-reports checks whether the fixed-output derivations
// in a Nix package tree build reproducibly.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"zb.256lights.llc/fodreports/internal/fodcheck"
	"zb.256lights.llc/fodreports/internal/nixcli"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

type checkOptions struct {
	tree       string
	attrs      []string
	jsonReport string
	keepRoots  string
}

func main() {
	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand := newRootCommand(g, os.Stdout)
	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func newRootCommand(g *globalConfig, stdout io.Writer) *cobra.Command {
	c := &cobra.Command{
		Use:                   "nixpkgs-fod-reports [options] PATH",
		Short:                 "check fixed-output derivations for reproducibility",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(checkOptions)
	c.Flags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	c.Flags().Var((*storeDirectoryFlag)(&g.Directory), "store", "path to Nix store `dir`ectory")
	c.Flags().IntVarP(&g.Jobs, "jobs", "j", g.Jobs, "maximum `number` of concurrent Nix commands")
	c.Flags().StringVar(&g.HistoryDB, "history-db", g.HistoryDB, "record results in the SQLite database at `path`")
	c.Flags().StringArrayVarP(&opts.attrs, "attr", "A", nil, "only check the given `attribute` (can be passed multiple times)")
	c.Flags().StringVar(&opts.jsonReport, "json", "", "write a JSON report to `path`")
	c.Flags().StringVar(&opts.keepRoots, "keep-roots", "", "create temporary GC roots in `dir` and do not remove it afterward")

	c.PreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.tree = args[0]
		return runCheck(cmd.Context(), g, opts, stdout)
	}
	return c
}

func runCheck(ctx context.Context, g *globalConfig, opts *checkOptions, stdout io.Writer) error {
	if info, err := os.Stat(opts.tree); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", opts.tree)
	}
	tree, err := filepath.Abs(opts.tree)
	if err != nil {
		return err
	}

	client, err := nixcli.New(&nixcli.Options{
		Tree:         tree,
		StoreDir:     g.Directory,
		BinDir:       g.BinDir,
		NixPath:      g.NixPath,
		AllowAliases: g.AllowAliases,
		RestrictEval: g.RestrictEval,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warnf(ctx, "%v", err)
		}
	}()

	fmt.Fprintf(stdout, "Generating attrs to check in %s\n", opts.tree)
	checker := &fodcheck.Checker{
		Client:     client,
		Jobs:       g.Jobs,
		Attributes: opts.attrs,
		RootDir:    opts.keepRoots,
		CachePath:  g.DerivationCache,
		Progress:   stdout,
	}
	startedAt := time.Now()
	report, err := checker.Run(ctx)
	if err != nil {
		return fmt.Errorf("check %s: %w", opts.tree, err)
	}
	endedAt := time.Now()

	for _, res := range report.NotReproducible() {
		if _, err := io.WriteString(stdout, formatResult(res)); err != nil {
			return err
		}
	}

	run := &runRecord{
		id:        uuid.New(),
		tree:      tree,
		startedAt: startedAt,
		endedAt:   endedAt,
		results:   report.Results,
	}
	if opts.jsonReport != "" {
		if err := writeJSONReport(opts.jsonReport, run); err != nil {
			return err
		}
	}
	if g.HistoryDB != "" {
		if err := recordHistory(ctx, g.HistoryDB, run); err != nil {
			return err
		}
	}
	return nil
}

type storeDirectoryFlag nix.StoreDirectory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return nix.StoreDirectory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := nix.CleanStoreDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "nixpkgs-fod-reports: ", log.StdFlags, nil),
		})
	})
}
