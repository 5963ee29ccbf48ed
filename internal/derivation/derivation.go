// Copyright 2026 The fodreports Authors
// SPDX-License-Identifier: MIT

// Package derivation reads the outputs of Nix store derivation files.
//
// A store derivation is serialized as an ATerm "Derive" constructor
// whose first field is the list of outputs.
// The remaining fields (inputs, system, builder, arguments, environment)
// are checked for well-formedness but not retained.
package derivation

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/nix"
)

// Output is an entry in a derivation's outputs list.
type Output struct {
	Name string
	// Path is empty for outputs whose path is only known after building.
	Path nix.StorePath
	// HashAlgorithm is the declared hash algorithm,
	// prefixed by "r:" or "text:" for non-flat ingestion.
	HashAlgorithm string
	// Hash is the declared base-16 hash.
	Hash string
}

// FixedContentAddress returns the content address declared by the output.
// ok is false if the output does not declare both a hash algorithm and a hash.
func (out *Output) FixedContentAddress() (_ nix.ContentAddress, ok bool, err error) {
	if out.HashAlgorithm == "" || out.Hash == "" || out.Hash == "impure" {
		return nix.ContentAddress{}, false, nil
	}
	algo := out.HashAlgorithm
	newContentAddress := nix.FlatFileContentAddress
	if rest, ok := strings.CutPrefix(algo, "r:"); ok {
		algo, newContentAddress = rest, nix.RecursiveFileContentAddress
	} else if rest, ok := strings.CutPrefix(algo, "text:"); ok {
		algo, newContentAddress = rest, nix.TextContentAddress
	}
	typ, err := nix.ParseHashType(algo)
	if err != nil {
		return nix.ContentAddress{}, false, fmt.Errorf("%s output: %v", out.Name, err)
	}
	bits, err := hex.DecodeString(out.Hash)
	if err != nil {
		return nix.ContentAddress{}, false, fmt.Errorf("%s output: hash: %v", out.Name, err)
	}
	if got, want := len(bits), typ.Size(); got != want {
		return nix.ContentAddress{}, false, fmt.Errorf("%s output: hash is %d bytes (%v uses %d)", out.Name, got, typ, want)
	}
	return newContentAddress(nix.NewHash(typ, bits)), true, nil
}

// ReadOutputs parses a store derivation in dir and returns its outputs
// in the order they appear.
func ReadOutputs(dir nix.StoreDirectory, data []byte) ([]Output, error) {
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return nil, errors.New("read derivation: 'Derive' constructor not found")
	}
	r := &reader{data: rest}
	outputs, err := r.derive(dir)
	if err != nil {
		return nil, fmt.Errorf("read derivation: offset %d: %v", len("Derive")+r.off, err)
	}
	return outputs, nil
}

// derivationFields is the number of fields in a Derive tuple.
const derivationFields = 7

// reader is a cursor over ATerm text.
type reader struct {
	data []byte
	off  int
}

func (r *reader) derive(dir nix.StoreDirectory) ([]Output, error) {
	if err := r.consume('('); err != nil {
		return nil, err
	}
	var outputs []Output
	err := r.list(func() error {
		out, err := r.output(dir)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(outputs, func(prev Output) bool { return prev.Name == out.Name }) {
			return fmt.Errorf("duplicate output %q", out.Name)
		}
		outputs = append(outputs, out)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outputs: %v", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("no outputs")
	}
	for range derivationFields - 1 {
		if err := r.consume(','); err != nil {
			return nil, err
		}
		if err := r.skip(); err != nil {
			return nil, err
		}
	}
	if err := r.consume(')'); err != nil {
		return nil, err
	}
	if r.off < len(r.data) {
		return nil, errors.New("trailing data")
	}
	return outputs, nil
}

func (r *reader) output(dir nix.StoreDirectory) (Output, error) {
	if err := r.consume('('); err != nil {
		return Output{}, err
	}
	var fields [4]string
	for i := range fields {
		if i > 0 {
			if err := r.consume(','); err != nil {
				return Output{}, err
			}
		}
		var err error
		fields[i], err = r.str()
		if err != nil {
			return Output{}, err
		}
	}
	if err := r.consume(')'); err != nil {
		return Output{}, err
	}

	out := Output{
		Name:          fields[0],
		HashAlgorithm: fields[2],
		Hash:          fields[3],
	}
	if out.Name == "" {
		return Output{}, errors.New("empty output name")
	}
	if fields[1] != "" {
		p, sub, err := dir.ParsePath(fields[1])
		if err != nil {
			return Output{}, fmt.Errorf("%s output: %v", out.Name, err)
		}
		if sub != "" {
			return Output{}, fmt.Errorf("%s output: %s is not a store object", out.Name, fields[1])
		}
		out.Path = p
	}
	if out.HashAlgorithm == "" && out.Hash != "" {
		return Output{}, fmt.Errorf("%s output: hash without algorithm", out.Name)
	}
	return out, nil
}

// str reads a quoted string.
// A backslash followed by a character other than n, r, or t
// stands for that character.
func (r *reader) str() (string, error) {
	if err := r.consume('"'); err != nil {
		return "", err
	}
	var sb strings.Builder
	for r.off < len(r.data) {
		c := r.data[r.off]
		r.off++
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if r.off >= len(r.data) {
				return "", errors.New("unterminated string")
			}
			c = r.data[r.off]
			r.off++
			switch c {
			case 'n':
				c = '\n'
			case 'r':
				c = '\r'
			case 't':
				c = '\t'
			}
		}
		sb.WriteByte(c)
	}
	return "", errors.New("unterminated string")
}

// list reads a bracketed list, calling f to read each element.
func (r *reader) list(f func() error) error {
	if err := r.consume('['); err != nil {
		return err
	}
	if r.peek() == ']' {
		r.off++
		return nil
	}
	for {
		if err := f(); err != nil {
			return err
		}
		switch r.peek() {
		case ',':
			r.off++
		case ']':
			r.off++
			return nil
		default:
			return r.unexpected("',' or ']'")
		}
	}
}

// skip reads and discards a string, list, or tuple.
func (r *reader) skip() error {
	switch r.peek() {
	case '"':
		_, err := r.str()
		return err
	case '[':
		return r.list(r.skip)
	case '(':
		r.off++
		for {
			if err := r.skip(); err != nil {
				return err
			}
			switch r.peek() {
			case ',':
				r.off++
			case ')':
				r.off++
				return nil
			default:
				return r.unexpected("',' or ')'")
			}
		}
	default:
		return r.unexpected("value")
	}
}

// peek returns the next byte or zero at the end of the data.
func (r *reader) peek() byte {
	if r.off >= len(r.data) {
		return 0
	}
	return r.data[r.off]
}

func (r *reader) consume(c byte) error {
	if r.peek() != c {
		return r.unexpected(fmt.Sprintf("%q", c))
	}
	r.off++
	return nil
}

func (r *reader) unexpected(want string) error {
	if r.off >= len(r.data) {
		return fmt.Errorf("expected %s, got end of data", want)
	}
	return fmt.Errorf("expected %s, got %q", want, r.data[r.off])
}
