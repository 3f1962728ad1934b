// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides abstractions for external process execution,
signalling, and inter-process synchronization.

# Overview

  - Manager: runs, launches and terminates external processes. Every
    exec.Command in stackctl goes through it so tests can substitute
    MockManager.
  - CommandError: a failed command with its exit code and stderr.
  - Lock: flock(2) based lock serializing start/stop across stackctl
    invocations.

# Manager

	pm := process.NewDefaultManager()
	out, err := pm.Run(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	if err != nil {
	    return fmt.Errorf("docker info: %w", err)
	}

For testing, use MockManager:

	mock := &process.MockManager{
	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
	        return []byte("27.3.1|4"), nil
	    },
	}

# Lock

	lock := process.NewLock(process.LockConfig{Dir: runDir, Name: "stackctl"})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines
*/
package process
