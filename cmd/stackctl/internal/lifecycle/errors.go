// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import "fmt"

// Op names the lifecycle sub-step that failed.
type Op string

const (
	OpLock         Op = "lock"
	OpStart        Op = "start"
	OpStop         Op = "stop"
	OpReleasePorts Op = "release ports"
)

// OperationError is returned when a start or stop sub-step fails.
//
// # Description
//
// Err is usually a *process.CommandError carrying the failed command's
// stderr and exit code; errors.As reaches it through Unwrap.
//
// # Example
//
//	var opErr *lifecycle.OperationError
//	if errors.As(err, &opErr) && opErr.Service != "" {
//	    fmt.Printf("%s failed\n", opErr.Service)
//	}
type OperationError struct {
	Op      Op
	Service string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// recoverPanic converts a panic in a lifecycle operation into an error so
// the lock is still released by the deferred Release.
func recoverPanic(r any, errPtr *error) {
	if r == nil {
		return
	}
	*errPtr = fmt.Errorf("internal error during lifecycle operation: %v", r)
}
