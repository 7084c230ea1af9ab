// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package serviceplugin

import (
	"slices"
	"sync"
)

var builtins = struct {
	sync.RWMutex
	entries map[string]Entry
}{entries: make(map[string]Entry)}

// Register makes a compiled-in plugin available under name. It panics if
// name is registered twice or entry is nil.
func Register(name string, entry Entry) {
	builtins.Lock()
	defer builtins.Unlock()

	if entry == nil {
		panic("serviceplugin: Register entry is nil")
	}
	if _, dup := builtins.entries[name]; dup {
		panic("serviceplugin: Register called twice for " + name)
	}
	builtins.entries[name] = entry
}

// Lookup returns the compiled-in entry registered under name.
func Lookup(name string) (Entry, bool) {
	builtins.RLock()
	defer builtins.RUnlock()

	entry, ok := builtins.entries[name]
	return entry, ok
}

// Builtins returns the sorted names of compiled-in plugins.
func Builtins() []string {
	builtins.RLock()
	defer builtins.RUnlock()

	names := make([]string, 0, len(builtins.entries))
	for name := range builtins.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
