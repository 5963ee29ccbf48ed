// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

// Package nixcli runs the Nix command-line tools
// against a package tree in a sandboxed environment.
package nixcli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// homelessShelter is the value of HOME for commands.
// It matches the directory Nix uses inside of build sandboxes.
const homelessShelter = "/homeless-shelter"

// Options is the set of parameters for [New].
type Options struct {
	// Tree is the path to the package tree.
	// Evaluation commands run in this directory
	// and it is always the first entry in NIX_PATH.
	Tree string

	// StoreDir is the Nix store directory.
	// If empty, [nix.DefaultStoreDirectory] is used.
	StoreDir nix.StoreDirectory

	// BinDir is the directory containing the Nix programs.
	// If empty, programs are found using the PATH environment variable.
	BinDir string

	// NixPath is the list of NIX_PATH entries to add after Tree.
	NixPath []string

	// AllowAliases is the value of the allowAliases nixpkgs config option.
	AllowAliases bool
	// RestrictEval enables restricted evaluation mode.
	RestrictEval bool

	// Stderr receives the error output of the commands.
	// If nil, it is sent to os.Stderr.
	Stderr io.Writer
}

// Client runs Nix commands.
// It is safe to call methods on a Client from multiple goroutines.
type Client struct {
	tree         string
	storeDir     nix.StoreDirectory
	binDir       string
	nixPath      []string
	restrictEval bool
	stderr       io.Writer

	configDir  string
	configFile string
}

// New returns a new client for the package tree given in the options.
// The caller is responsible for calling [Client.Close].
func New(opts *Options) (*Client, error) {
	tree, err := filepath.Abs(opts.Tree)
	if err != nil {
		return nil, fmt.Errorf("new nix client: %v", err)
	}
	c := &Client{
		tree:         tree,
		storeDir:     opts.StoreDir,
		binDir:       opts.BinDir,
		nixPath:      append([]string{tree}, opts.NixPath...),
		restrictEval: opts.RestrictEval,
		stderr:       opts.Stderr,
	}
	if c.storeDir == "" {
		c.storeDir = nix.DefaultStoreDirectory
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}

	c.configDir, err = os.MkdirTemp("", "nixpkgs-fod-reports-config-*")
	if err != nil {
		return nil, fmt.Errorf("new nix client: create nixpkgs config: %v", err)
	}
	c.configFile = filepath.Join(c.configDir, "nixpkgs-config.nix")
	config := fmt.Sprintf("{ allowAliases = %t; }\n", opts.AllowAliases)
	if err := os.WriteFile(c.configFile, []byte(config), 0o644); err != nil {
		os.RemoveAll(c.configDir)
		return nil, fmt.Errorf("new nix client: create nixpkgs config: %v", err)
	}
	return c, nil
}

// Close removes the client's temporary files.
func (c *Client) Close() error {
	if err := os.RemoveAll(c.configDir); err != nil {
		return fmt.Errorf("close nix client: %v", err)
	}
	return nil
}

// Attributes lists the attributes in the package tree.
func (c *Client) Attributes(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "nix-env", true, "--query", "--available", "--no-name", "--attr-path", "-f", ".")
	if err != nil {
		return nil, fmt.Errorf("list attributes in %s: %w", c.tree, err)
	}
	var attrs []string
	for line := range lines(out) {
		if line = strings.TrimSpace(line); line != "" {
			attrs = append(attrs, line)
		}
	}
	return attrs, nil
}

// Instantiate evaluates the derivation for attr
// and creates an indirect garbage collection root for it at root.
func (c *Client) Instantiate(ctx context.Context, attr string, root string) (nix.StorePath, error) {
	out, err := c.run(ctx, "nix-instantiate", true, ".", "-A", attr, "--add-root", root)
	if err != nil {
		return "", fmt.Errorf("instantiate %s: %w", attr, err)
	}
	drv, err := c.readRoot(out)
	if err != nil {
		return "", fmt.Errorf("instantiate %s: %v", attr, err)
	}
	return drv, nil
}

// Requisites returns the closure of drv.
func (c *Client) Requisites(ctx context.Context, drv nix.StorePath) ([]nix.StorePath, error) {
	out, err := c.run(ctx, "nix-store", false, "--query", "--requisites", string(drv))
	if err != nil {
		return nil, fmt.Errorf("query requisites of %s: %w", drv, err)
	}
	var paths []nix.StorePath
	for line := range lines(out) {
		if line == "" {
			continue
		}
		p, sub, err := c.storeDir.ParsePath(line)
		if err != nil {
			return nil, fmt.Errorf("query requisites of %s: %v", drv, err)
		}
		if sub != "" {
			return nil, fmt.Errorf("query requisites of %s: %s is not a store object", drv, line)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Realize builds the output of drv
// and creates an indirect garbage collection root for it at root.
func (c *Client) Realize(ctx context.Context, drv nix.StorePath, root string) (nix.StorePath, error) {
	out, err := c.run(ctx, "nix-store", false, "--realise", string(drv), "--add-root", root)
	if err != nil {
		return "", fmt.Errorf("realize %s: %w", drv, err)
	}
	outPath, err := c.readRoot(out)
	if err != nil {
		return "", fmt.Errorf("realize %s: %v", drv, err)
	}
	return outPath, nil
}

// Verify rebuilds drv and reports whether the result
// matches the output already in the store.
// Any unsuccessful exit of the check is treated as a mismatch:
// Nix reports failed fixed-output hash checks with several exit codes.
func (c *Client) Verify(ctx context.Context, drv nix.StorePath) (bool, error) {
	_, err := c.run(ctx, "nix-store", false, "--realise", "--check", string(drv), "--no-gc-warning")
	if err == nil {
		return true, nil
	}
	if cmdErr := (*CommandError)(nil); errors.As(err, &cmdErr) && cmdErr.Exited() {
		log.Debugf(ctx, "Check of %s failed: %v", drv, err)
		return false, nil
	}
	return false, fmt.Errorf("check %s: %w", drv, err)
}

// Delete deletes path from the store.
func (c *Client) Delete(ctx context.Context, path nix.StorePath) error {
	if _, err := c.run(ctx, "nix-store", false, "--delete", string(path)); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is present in the local store.
func (c *Client) Exists(ctx context.Context, path nix.StorePath) (bool, error) {
	_, err := os.Lstat(string(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadFile reads the store object at path.
func (c *Client) ReadFile(ctx context.Context, path nix.StorePath) ([]byte, error) {
	return os.ReadFile(string(path))
}

// run runs a Nix program and returns its standard output.
// Evaluation commands run in the package tree.
func (c *Client) run(ctx context.Context, name string, eval bool, args ...string) ([]byte, error) {
	program := name
	if c.binDir != "" {
		program = filepath.Join(c.binDir, name)
	}
	var fullArgs []string
	if c.restrictEval {
		fullArgs = append(fullArgs, "--option", "restrict-eval", "true")
	}
	fullArgs = append(fullArgs, args...)

	cmd := exec.CommandContext(ctx, program, fullArgs...)
	cmd.Env = c.environ()
	if eval {
		cmd.Dir = c.tree
	}
	stdout := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = c.stderr
	cmd.WaitDelay = 10 * time.Second
	setCancelFunc(cmd)

	log.Debugf(ctx, "Running %s %s", name, strings.Join(fullArgs, " "))
	if err := cmd.Run(); err != nil {
		cmdErr := &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: -1,
			Err:      err,
		}
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return nil, cmdErr
	}
	return stdout.Bytes(), nil
}

func (c *Client) environ() []string {
	env := []string{
		"HOME=" + homelessShelter,
		"NIXPKGS_CONFIG=" + c.configFile,
		"NIX_PATH=" + strings.Join(c.nixPath, ":"),
	}
	if c.storeDir != nix.DefaultStoreDirectory {
		env = append(env, "NIX_STORE_DIR="+string(c.storeDir))
	}
	return env
}

// CommandError is the error returned when a Nix program fails.
type CommandError struct {
	// Name is the name of the program.
	Name string
	// Args is the list of arguments passed to the program.
	Args []string
	// ExitCode is the program's exit status
	// or -1 if the program was not started or was terminated by a signal.
	ExitCode int
	// Err is the underlying error.
	Err error
}

// Exited reports whether the program ran and exited unsuccessfully.
func (e *CommandError) Exited() bool {
	return e.ExitCode > 0
}

func (e *CommandError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// readRoot reads the garbage collection root path
// from the first line of a command's output
// and returns the store path it points to.
func (c *Client) readRoot(out []byte) (nix.StorePath, error) {
	var root string
	for line := range lines(out) {
		root = line
		break
	}
	if root == "" {
		return "", fmt.Errorf("no root in output")
	}
	target, err := os.Readlink(root)
	if err != nil {
		return "", fmt.Errorf("find root target: %v", err)
	}
	p, sub, err := c.storeDir.ParsePath(target)
	if err != nil {
		return "", fmt.Errorf("find root target: %v", err)
	}
	if sub != "" {
		return "", fmt.Errorf("find root target: %s is not a store object", target)
	}
	return p, nil
}

func lines(b []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		s := bufio.NewScanner(bytes.NewReader(b))
		s.Buffer(nil, 1<<20)
		for s.Scan() {
			if !yield(s.Text()) {
				return
			}
		}
	}
}
