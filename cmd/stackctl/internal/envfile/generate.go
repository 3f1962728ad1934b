// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envfile

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// ErrTemplateMissing indicates the .env.example a target is generated from
// does not exist.
var ErrTemplateMissing = errors.New("env template not found")

// Template pairs a repository-relative template with the file generated
// from it.
type Template struct {
	Template string `yaml:"template" validate:"required"`
	Target   string `yaml:"target" validate:"required"`
}

// Result describes one generated file.
type Result struct {
	// Target is the repository-relative path written (or skipped).
	Target string

	// Written is false when an existing target was kept.
	Written bool

	// Applied lists every key set from the mode's values, sorted. Keys the
	// template already declared are replaced in place; the rest are
	// appended in this order.
	Applied []string

	// Keys is the number of assignments in the written file.
	Keys int
}

// Generator creates env files from templates.
type Generator struct {
	perm os.FileMode
}

// NewGenerator creates a Generator writing files with 0600 permissions,
// since generated env files end up holding secrets.
func NewGenerator() *Generator {
	return &Generator{perm: 0600}
}

// Exists reports whether the target of t already exists under repoPath.
func (g *Generator) Exists(repoPath string, t Template) bool {
	_, err := os.Stat(filepath.Join(repoPath, t.Target))
	return err == nil
}

// Generate writes t.Target from t.Template with values applied.
//
// # Description
//
// Every key in values that the template declares is overwritten; keys the
// template does not declare are appended in sorted order, so the same
// inputs always produce the same file. The write is atomic, so an
// interrupted setup never leaves a half-written .env behind.
//
// # Inputs
//
//   - repoPath: Repository root the template paths are relative to
//   - t: Template and target
//   - values: Overrides applied on top of the template
//
// # Outputs
//
//   - Result: What was written
//   - error: ErrTemplateMissing, parse or write failures
func (g *Generator) Generate(repoPath string, t Template, values map[string]string) (Result, error) {
	templatePath := filepath.Join(repoPath, t.Template)
	targetPath := filepath.Join(repoPath, t.Target)

	f, err := Read(templatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Target: t.Target}, fmt.Errorf("%w: %s", ErrTemplateMissing, t.Template)
		}
		return Result{Target: t.Target}, err
	}

	applied := slices.Sorted(maps.Keys(values))
	for _, key := range applied {
		f.Set(key, values[key])
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0750); err != nil {
		return Result{Target: t.Target}, fmt.Errorf("failed to create %s: %w", filepath.Dir(t.Target), err)
	}
	if err := WriteFile(targetPath, f, g.perm); err != nil {
		return Result{Target: t.Target}, err
	}

	return Result{
		Target:  t.Target,
		Written: true,
		Applied: applied,
		Keys:    len(f.Keys()),
	}, nil
}
