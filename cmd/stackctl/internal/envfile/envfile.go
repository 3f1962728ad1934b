// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envfile reads and writes dotenv files while preserving their
// layout, so a generated .env keeps the comments and ordering of the
// .env.example it was created from.
package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Line is one physical line. Key is empty for comments and blank lines,
// in which case Raw is written back verbatim.
type Line struct {
	Key    string
	Value  string
	Raw    string
	Export bool
}

// File is a parsed dotenv file.
type File struct {
	Lines []Line
}

// Parse reads dotenv content.
//
// # Description
//
// Understands KEY=VALUE, `export KEY=VALUE`, single and double quoted
// values, and trailing ` # comments` on unquoted values. Lines that are not
// assignments are kept as raw lines rather than rejected; .env.example files
// in the wild contain prose.
//
// # Outputs
//
//   - *File: Parsed lines in order
//   - error: Non-nil only on read failure
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		f.Lines = append(f.Lines, parseLine(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return f, nil
}

// Read parses the file at path.
func Read(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

func parseLine(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Line{Raw: raw}
	}

	export := false
	if rest, ok := strings.CutPrefix(trimmed, "export "); ok {
		export = true
		trimmed = strings.TrimSpace(rest)
	}

	key, value, ok := strings.Cut(trimmed, "=")
	key = strings.TrimSpace(key)
	if !ok || !keyPattern.MatchString(key) {
		return Line{Raw: raw}
	}
	return Line{Key: key, Value: parseValue(strings.TrimSpace(value)), Raw: raw, Export: export}
}

func parseValue(v string) string {
	if v == "" {
		return ""
	}
	switch v[0] {
	case '"':
		if end := closingQuote(v, '"'); end > 0 {
			if unq, err := strconv.Unquote(v[:end+1]); err == nil {
				return unq
			}
			return v[1:end]
		}
	case '\'':
		if end := strings.IndexByte(v[1:], '\''); end >= 0 {
			return v[1 : end+1]
		}
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func closingQuote(v string, q byte) int {
	for i := 1; i < len(v); i++ {
		if v[i] == '\\' {
			i++
			continue
		}
		if v[i] == q {
			return i
		}
	}
	return -1
}

// Get returns the last value assigned to key.
func (f *File) Get(key string) (string, bool) {
	for i := len(f.Lines) - 1; i >= 0; i-- {
		if f.Lines[i].Key == key {
			return f.Lines[i].Value, true
		}
	}
	return "", false
}

// Set replaces every assignment of key, or appends one.
func (f *File) Set(key, value string) {
	found := false
	for i := range f.Lines {
		if f.Lines[i].Key == key {
			f.Lines[i].Value = value
			f.Lines[i].Raw = ""
			found = true
		}
	}
	if !found {
		f.Lines = append(f.Lines, Line{Key: key, Value: value})
	}
}

// Keys returns assigned keys in first-appearance order.
func (f *File) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, l := range f.Lines {
		if l.Key != "" && !seen[l.Key] {
			seen[l.Key] = true
			keys = append(keys, l.Key)
		}
	}
	return keys
}

// Values returns the effective key/value mapping (last assignment wins).
func (f *File) Values() map[string]string {
	out := make(map[string]string)
	for _, l := range f.Lines {
		if l.Key != "" {
			out[l.Key] = l.Value
		}
	}
	return out
}

// Bytes renders the file. Untouched assignments keep their original text.
func (f *File) Bytes() []byte {
	var b bytes.Buffer
	for _, l := range f.Lines {
		switch {
		case l.Key == "":
			b.WriteString(l.Raw)
		case l.Raw != "":
			b.WriteString(l.Raw)
		default:
			if l.Export {
				b.WriteString("export ")
			}
			b.WriteString(l.Key)
			b.WriteByte('=')
			b.WriteString(quote(l.Value))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func quote(v string) string {
	if v == "" {
		return ""
	}
	if strings.ContainsAny(v, " \t#\"'\\$") {
		return strconv.Quote(v)
	}
	return v
}

// WriteFile atomically replaces path with f's content.
func WriteFile(path string, f *File, perm os.FileMode) error {
	if err := renameio.WriteFile(path, f.Bytes(), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
