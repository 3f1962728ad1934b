// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates stackctl's YAML configuration.
//
// On first run the default configuration is written to disk so users have
// a file to edit. Values missing from an existing file keep their
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// EnvVar overrides the config path when --config is not given.
const EnvVar = "STACKCTL_CONFIG"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report YAML key names instead of Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// DefaultPath returns $STACKCTL_CONFIG or ~/.stackctl/stackctl.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvVar); p != "" {
		return logging.ExpandPath(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".stackctl", "stackctl.yaml"), nil
}

// LoadResult is a loaded configuration.
type LoadResult struct {
	Config StackConfig

	// Path is the file the configuration was read from.
	Path string

	// Created is true when the file did not exist and defaults were written.
	Created bool
}

// Load reads, defaults and validates the configuration at path.
//
// # Description
//
// An empty path means DefaultPath. A missing file is created with
// DefaultConfig. Keys present in the file replace the defaults; slices are
// replaced as a whole. Paths starting with ~ are expanded after
// validation.
//
// # Outputs
//
//   - LoadResult: The effective configuration
//   - error: Read or parse failure, or ErrInvalid with every failed field
func Load(path string) (LoadResult, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return LoadResult{}, err
		}
		path = p
	}
	res := LoadResult{Path: path}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return res, err
		}
		res.Created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	res.Config = cfg
	return res, nil
}

// Parse decodes data over DefaultConfig and validates the result.
func Parse(data []byte) (StackConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	cfg.expandPaths()
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg StackConfig) error {
	var problems []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if err := stack.Validate(cfg.Services); err != nil {
		problems = append(problems, "services: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "StackConfig.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func (c *StackConfig) expandPaths() {
	c.RunDir = logging.ExpandPath(c.RunDir)
	c.Logging.Dir = logging.ExpandPath(c.Logging.Dir)
	c.Repo.CloneDir = logging.ExpandPath(c.Repo.CloneDir)
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write the default config: %w", err)
	}
	return nil
}
