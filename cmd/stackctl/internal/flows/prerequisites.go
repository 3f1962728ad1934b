// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flows

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

type toolCheck struct {
	name    string
	binary  string
	args    []string
	minimum string
}

// checkPrerequisites looks for git, docker and docker compose. Compose must
// be at least MinComposeVersion; the v1 python docker-compose is rejected.
func (r *Runner) checkPrerequisites(ctx context.Context) []orchestration.Prerequisite {
	checks := []toolCheck{
		{name: "git", binary: "git", args: []string{"--version"}},
		{name: "docker", binary: "docker", args: []string{"--version"}},
		{name: "docker compose", binary: "docker", args: []string{"compose", "version", "--short"}, minimum: r.opts.MinComposeVersion},
	}

	results := make([]orchestration.Prerequisite, 0, len(checks))
	for _, c := range checks {
		results = append(results, r.checkTool(ctx, c))
	}
	return results
}

func (r *Runner) checkTool(ctx context.Context, c toolCheck) orchestration.Prerequisite {
	p := orchestration.Prerequisite{Name: c.name, Required: true}

	if _, err := r.deps.Proc.LookPath(c.binary); err != nil {
		p.Detail = c.binary + " not found in PATH"
		return p
	}

	out, err := r.deps.Proc.Run(ctx, c.binary, c.args...)
	if err != nil {
		p.Detail = fmt.Sprintf("%s failed: %v", c.name, err)
		return p
	}
	p.Version = versionPattern.FindString(string(out))

	if c.minimum != "" {
		v := "v" + p.Version
		if !semver.IsValid(v) || semver.Compare(v, c.minimum) < 0 {
			p.Detail = fmt.Sprintf("version %q is older than required %s", p.Version, c.minimum)
			return p
		}
	}

	p.Found = true
	r.logger.Debug("prerequisite found", "tool", c.name, "version", p.Version)
	return p
}

func missingRequired(prereqs []orchestration.Prerequisite) []string {
	var missing []string
	for _, p := range prereqs {
		if p.Required && !p.Found {
			missing = append(missing, p.Name)
		}
	}
	return missing
}
