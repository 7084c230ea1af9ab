// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package service

import "errors"

// Error codes.
const (
	CodeArtifactUnreadable = "ARTIFACT_UNREADABLE"
	CodeEntrySymbolMissing = "ENTRY_SYMBOL_MISSING"
	CodeABIMismatch        = "ABI_MISMATCH"
	CodeDuplicatePlugin    = "DUPLICATE_PLUGIN"
	CodeInitFailed         = "INIT_FAILED"
	CodeRouteConflict      = "ROUTE_CONFLICT"
	CodeNotInitialized     = "NOT_INITIALIZED"
	CodeRegisterFailed     = "REGISTER_FAILED"
	CodeServiceNotFound    = "SERVICE_NOT_FOUND"
)

// Sentinel errors matched with errors.Is.
var (
	ErrArtifactUnreadable = errors.New("artifact unreadable")
	ErrEntrySymbolMissing = errors.New("entry symbol missing")
	ErrABIMismatch        = errors.New("plugin ABI mismatch")
	ErrDuplicatePlugin    = errors.New("duplicate plugin name")
	ErrInitFailed         = errors.New("plugin init failed")
	ErrRouteConflict      = errors.New("route conflict")
	ErrNotInitialized     = errors.New("plugins not initialized")
	ErrRegisterFailed     = errors.New("plugin registration failed")
	ErrServiceNotFound    = errors.New("service not found")
)

// IsLoadError reports whether err means one artifact could not be loaded.
// Load errors skip the artifact; every other host error is fatal.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrArtifactUnreadable) ||
		errors.Is(err, ErrEntrySymbolMissing) ||
		errors.Is(err, ErrABIMismatch) ||
		errors.Is(err, ErrDuplicatePlugin)
}
