// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package lua runs behavior plugins written in Lua on gopher-lua.
package lua

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// Only base, table, string and math are opened. os, io, debug and package
// are never loaded.
var safeLibraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base functions that reach the filesystem or compile arbitrary chunks.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load", "require"}

// ModuleName is the global table exposing host functions to scripts.
const ModuleName = "finalverse"

// StateFactory creates sandboxed states.
type StateFactory struct {
	callStackSize int
	registrySize  int
}

// NewStateFactory creates a factory with gopher-lua's default limits.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		callStackSize: lua.CallStackSize,
		registrySize:  lua.RegistrySize,
	}
}

// NewState returns a state with only the safe libraries open. ctx bounds
// every call made on the state.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
		RegistrySize:  f.registrySize,
	})
	for _, lib := range safeLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "open library")
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}

// registerFunctions installs the finalverse table: log(level, msg) and
// new_id().
func registerFunctions(L *lua.LState, logger *slog.Logger, plugin string) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		log := logger.Info
		switch level {
		case "debug":
			log = logger.Debug
		case "warn":
			log = logger.Warn
		case "error":
			log = logger.Error
		}
		log(msg, "plugin", plugin, "source", "lua")
		return 0
	}))
	L.SetField(mod, "new_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}))
	L.SetGlobal(ModuleName, mod)
}
