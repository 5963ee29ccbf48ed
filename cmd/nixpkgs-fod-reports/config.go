// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/nix"
)

// derivationCacheEnvVar is the environment variable
// that holds the path to the derivation cache file.
const derivationCacheEnvVar = "NIXPKGS_FOD_REPORTS_DRV_CACHE"

type globalConfig struct {
	Debug           bool               `json:"debug"`
	Jobs            int                `json:"jobs"`
	Directory       nix.StoreDirectory `json:"storeDirectory"`
	DerivationCache string             `json:"derivationCache"`
	HistoryDB       string             `json:"historyDB"`
	NixPath         []string           `json:"nixPath"`
	AllowAliases    bool               `json:"allowAliases"`
	RestrictEval    bool               `json:"restrictEval"`
	BinDir          string             `json:"binDir"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Jobs:         runtime.NumCPU(),
		Directory:    nix.DefaultStoreDirectory,
		RestrictEval: true,
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if _, ok := os.LookupEnv("NIX_STORE_DIR"); ok {
		dir, err := nix.StoreDirectoryFromEnvironment()
		if err != nil {
			return err
		}
		g.Directory = dir
	}
	if path, ok := os.LookupEnv(derivationCacheEnvVar); ok {
		// An empty value disables the cache.
		g.DerivationCache = path
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "jobs":
			if err := jsonv2.UnmarshalDecode(in, &g.Jobs); err != nil {
				return fmt.Errorf("unmarshal config.jobs: %w", err)
			}
		case "storeDirectory":
			var dir string
			if err := jsonv2.UnmarshalDecode(in, &dir); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
			g.Directory, err = nix.CleanStoreDirectory(dir)
			if err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %v", err)
			}
		case "derivationCache":
			if err := jsonv2.UnmarshalDecode(in, &g.DerivationCache); err != nil {
				return fmt.Errorf("unmarshal config.derivationCache: %w", err)
			}
		case "historyDB":
			if err := jsonv2.UnmarshalDecode(in, &g.HistoryDB); err != nil {
				return fmt.Errorf("unmarshal config.historyDB: %w", err)
			}
		case "nixPath":
			// Use any unused capacity at end of the slice.
			newEntries := g.NixPath[len(g.NixPath):]

			if err := jsonv2.UnmarshalDecode(in, &newEntries); err != nil {
				return fmt.Errorf("unmarshal config.nixPath: %w", err)
			}
			g.NixPath = append(g.NixPath, newEntries...)
		case "allowAliases":
			if err := jsonv2.UnmarshalDecode(in, &g.AllowAliases); err != nil {
				return fmt.Errorf("unmarshal config.allowAliases: %w", err)
			}
		case "restrictEval":
			if err := jsonv2.UnmarshalDecode(in, &g.RestrictEval); err != nil {
				return fmt.Errorf("unmarshal config.restrictEval: %w", err)
			}
		case "binDir":
			if err := jsonv2.UnmarshalDecode(in, &g.BinDir); err != nil {
				return fmt.Errorf("unmarshal config.binDir: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
		}
	}
}

func (g *globalConfig) validate() error {
	if g.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1 (got %d)", g.Jobs)
	}
	if !filepath.IsAbs(string(g.Directory)) {
		return fmt.Errorf("store directory %q is not absolute", g.Directory)
	}
	if g.BinDir != "" && !filepath.IsAbs(g.BinDir) {
		return fmt.Errorf("binDir %q is not absolute", g.BinDir)
	}
	return nil
}

// configFiles returns the configuration files to load
// in order of increasing precedence.
func configFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		dirs := configDirs()
		for i := len(dirs) - 1; i >= 0; i-- {
			if !yield(filepath.Join(dirs[i], "nixpkgs-fod-reports", "config.jwcc")) {
				return
			}
		}
	}
}
