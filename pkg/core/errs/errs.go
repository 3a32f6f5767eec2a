// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the classes of failures reported by the eager engine and its collaborators.
//
// Errors are built with github.com/pkg/errors, so they carry a stack trace (print with "%+v"),
// and they wrap one of the sentinel values below, so callers classify them with errors.Is:
//
//	outputs, err := ctx.Dispatch(def, inputs, specs)
//	if errors.Is(err, errs.ErrBackendExecution) {
//	    // The kernel failed: outputs were allocated and may be released by the caller.
//	}
//
// All failures are local and synchronous. The engine never retries: recovery is up to the caller.
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is a malformed call into the engine: empty output list, malformed argument
	// for the operator definition, conflicting options, or an operation on a consumed tape.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAllocation is reported when the collector cannot produce a new tensor id or storage.
	ErrAllocation = errors.New("allocation failure")

	// ErrBackendExecution is reported by a backend when a kernel fails during dispatch.
	ErrBackendExecution = errors.New("backend execution failure")

	// ErrLookup is reported when a device option outside the precomputed table, or a tensor name that does
	// not exist in the workspace, is requested.
	ErrLookup = errors.New("lookup failure")
)

// InvalidArgumentf returns an error wrapping ErrInvalidArgument with the formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// Allocationf returns an error wrapping ErrAllocation with the formatted message.
func Allocationf(format string, args ...any) error {
	return errors.Wrapf(ErrAllocation, format, args...)
}

// BackendExecutionf returns an error wrapping ErrBackendExecution with the formatted message.
func BackendExecutionf(format string, args ...any) error {
	return errors.Wrapf(ErrBackendExecution, format, args...)
}

// Lookupf returns an error wrapping ErrLookup with the formatted message.
func Lookupf(format string, args ...any) error {
	return errors.Wrapf(ErrLookup, format, args...)
}
