// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package sandbox

import "errors"

// Error codes.
const (
	CodeInvalidModule         = "INVALID_MODULE"
	CodeMissingRequiredExport = "MISSING_REQUIRED_EXPORT"
	CodeExecutionTrap         = "EXECUTION_TRAP"
	CodeInstanceDiscarded     = "INSTANCE_DISCARDED"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeRuntimeClosed         = "RUNTIME_CLOSED"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrInvalidModule means the module could not be read, decoded, compiled
	// or instantiated.
	ErrInvalidModule = errors.New("invalid module")
	// ErrMissingExport means the module lacks on_event(i32) or memory.
	ErrMissingExport = errors.New("missing required export")
	// ErrTrap means the guest faulted. The instance has been discarded.
	ErrTrap = errors.New("execution trap")
	// ErrDiscarded means the instance trapped earlier or was closed.
	ErrDiscarded = errors.New("instance discarded")
	// ErrPayloadTooLarge means the payload cannot be placed in guest memory.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrClosed means the runtime or pool has been closed.
	ErrClosed = errors.New("sandbox closed")
)
