// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
)

// setup chooses a mode and regenerates env files in an existing checkout.
func (a *app) setup(ctx context.Context) error {
	return a.run(ctx, "setup", runOptions{}, a.runner.Setup)
}

// initialize checks prerequisites and clones the repository when none is
// found, then runs setup.
func (a *app) initialize(ctx context.Context) error {
	return a.run(ctx, "init", runOptions{}, a.runner.Init)
}
