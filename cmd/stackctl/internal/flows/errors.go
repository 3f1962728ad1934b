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
	"errors"
	"fmt"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/repo"
)

// Environment errors. They end the current flow and are not retried.
var (
	ErrRepoNotFound         = errors.New("repository not found")
	ErrRuntimeUnavailable   = errors.New("container runtime unavailable")
	ErrMissingPrerequisites = errors.New("missing required tools")
)

func repoNotFound() error {
	return fmt.Errorf("%w: run stackctl inside the product repository or set %s", ErrRepoNotFound, repo.EnvVar)
}
