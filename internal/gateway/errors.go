// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package gateway

import "errors"

// Error codes.
const (
	CodeArtifactUnreadable = "ARTIFACT_UNREADABLE"
	CodeEntrySymbolMissing = "ENTRY_SYMBOL_MISSING"
	CodeABIMismatch        = "ABI_MISMATCH"
	CodeInvalidPath        = "INVALID_PATH"
	CodePathConflict       = "PATH_CONFLICT"
	CodeRegistryFrozen     = "REGISTRY_FROZEN"
)

// Sentinel errors matched with errors.Is.
var (
	ErrArtifactUnreadable = errors.New("artifact unreadable")
	ErrEntrySymbolMissing = errors.New("entry symbol missing")
	ErrABIMismatch        = errors.New("plugin ABI mismatch")
	ErrInvalidPath        = errors.New("invalid websocket path")
	ErrPathConflict       = errors.New("websocket path conflict")
	ErrRegistryFrozen     = errors.New("registry frozen")
)
