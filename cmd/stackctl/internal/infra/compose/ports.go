// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// =============================================================================
// Port Override Resolver
// =============================================================================

// PortResolver reads published host ports from the repository's compose
// configuration.
//
// # Description
//
// Developers remap ports in compose (usually through .env variables) when a
// default port is taken on their machine. The resolver reproduces compose's
// own interpolation so probes and force-release target the port the
// container is actually published on.
//
// # Limitations
//
//   - Only the first compose file found is read; override files are not
//     merged.
//   - `${VAR:?error}` is treated like `${VAR}`.
type PortResolver struct {
	services   []stack.Service
	candidates []string
	lookupEnv  func(string) (string, bool)
	logger     *logging.Logger
}

// NewPortResolver creates a resolver for services. Empty candidates use
// DefaultFileCandidates.
func NewPortResolver(services []stack.Service, candidates []string, logger *logging.Logger) *PortResolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PortResolver{
		services:   services,
		candidates: candidates,
		lookupEnv:  os.LookupEnv,
		logger:     logger,
	}
}

// ReadPortOverrides returns the host port of every managed service whose
// published port differs from its default.
//
// # Description
//
// Never fails: a missing, unreadable or malformed compose file yields an
// empty mapping and a debug log line, and callers fall back to defaults.
//
// # Inputs
//
//   - repoPath: Repository root
//
// # Outputs
//
//   - stack.PortOverrides: Possibly empty, never nil
func (r *PortResolver) ReadPortOverrides(repoPath string) stack.PortOverrides {
	overrides := stack.PortOverrides{}

	file, err := FindComposeFile(repoPath, r.candidates)
	if err != nil {
		r.logger.Debug("no compose file for port overrides", "repo", repoPath, "error", err)
		return overrides
	}

	published, err := r.readPublishedPorts(file)
	if err != nil {
		r.logger.Debug("ignoring unreadable compose file", "file", file, "error", err)
		return overrides
	}

	for _, svc := range r.services {
		if !svc.IsContainer() {
			continue
		}
		bindings, ok := published[svc.ComposeService]
		if !ok {
			continue
		}
		if port := pickHostPort(bindings, svc.DefaultPort); port > 0 && port != svc.DefaultPort {
			overrides[svc.Name] = port
		}
	}

	if len(overrides) > 0 {
		r.logger.Info("resolved port overrides", "file", file, "overrides", overrides)
	}
	return overrides
}

func (r *PortResolver) readPublishedPorts(file string) (map[string][]portBinding, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if dotenv, err := envfile.Read(filepath.Join(filepath.Dir(file), ".env")); err == nil {
		env = dotenv.Values()
	}
	expanded := interpolate(string(raw), func(name string) (string, bool) {
		if v, ok := r.lookupEnv(name); ok {
			return v, true
		}
		v, ok := env[name]
		return v, ok
	})

	var doc composeDocument
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	out := make(map[string][]portBinding, len(doc.Services))
	for name, svc := range doc.Services {
		out[name] = svc.Ports
	}
	return out, nil
}

// pickHostPort prefers the binding targeting the service's default port,
// then the first binding with a published port.
func pickHostPort(bindings []portBinding, defaultPort int) int {
	for _, b := range bindings {
		if b.Target == defaultPort && b.Published > 0 {
			return b.Published
		}
	}
	for _, b := range bindings {
		if b.Published > 0 {
			return b.Published
		}
	}
	return 0
}

// =============================================================================
// Compose Document
// =============================================================================

type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Ports []portBinding `yaml:"ports"`
}

// portBinding is one entry of a service's ports list, in either the short
// ("127.0.0.1:8001:8000/tcp") or the long ({published, target}) syntax.
type portBinding struct {
	HostIP    string
	Published int
	Target    int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *portBinding) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return p.parseShort(node.Value)
	case yaml.MappingNode:
		var long struct {
			HostIP    string `yaml:"host_ip"`
			Published string `yaml:"published"`
			Target    int    `yaml:"target"`
		}
		if err := node.Decode(&long); err != nil {
			return err
		}
		p.HostIP = long.HostIP
		p.Target = long.Target
		if long.Published != "" {
			port, err := firstPort(long.Published)
			if err != nil {
				return err
			}
			p.Published = port
		}
		return nil
	default:
		return fmt.Errorf("unsupported port entry at line %d", node.Line)
	}
}

func (p *portBinding) parseShort(s string) error {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}

	// Bracketed IPv6 host addresses contain colons of their own.
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return fmt.Errorf("malformed port %q", s)
		}
		p.HostIP = s[1:end]
		s = strings.TrimPrefix(s[end+1:], ":")
	}

	parts := strings.Split(s, ":")
	var published, target string
	switch len(parts) {
	case 1:
		target = parts[0]
	case 2:
		published, target = parts[0], parts[1]
	case 3:
		p.HostIP, published, target = parts[0], parts[1], parts[2]
	default:
		return fmt.Errorf("malformed port %q", s)
	}

	t, err := firstPort(target)
	if err != nil {
		return err
	}
	p.Target = t
	if published != "" {
		pub, err := firstPort(published)
		if err != nil {
			return err
		}
		p.Published = pub
	}
	return nil
}

// firstPort parses "8000" or the start of a range like "8000-8005".
func firstPort(s string) (int, error) {
	if i := strings.IndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// =============================================================================
// Interpolation
// =============================================================================

// interpolate applies compose variable substitution to s.
//
// Supported forms: $VAR, ${VAR}, ${VAR:-default} (default when unset or
// empty), ${VAR-default} (default when unset), ${VAR:?msg}, ${VAR?msg}, and
// $$ for a literal dollar.
func interpolate(s string, lookup func(string) (string, bool)) string {
	return os.Expand(s, func(expr string) string {
		if expr == "$" {
			return "$"
		}
		if name, def, ok := strings.Cut(expr, ":-"); ok {
			if v, found := lookup(name); found && v != "" {
				return v
			}
			return def
		}
		if name, _, ok := cutAny(expr, ":?", "?"); ok {
			v, _ := lookup(name)
			return v
		}
		if name, def, ok := strings.Cut(expr, "-"); ok {
			if v, found := lookup(name); found {
				return v
			}
			return def
		}
		v, _ := lookup(expr)
		return v
	})
}

func cutAny(s string, seps ...string) (string, string, bool) {
	for _, sep := range seps {
		if before, after, ok := strings.Cut(s, sep); ok {
			return before, after, true
		}
	}
	return s, "", false
}
