// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package lua

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/finalverse/finalverse/internal/behavior"
	"github.com/finalverse/finalverse/pkg/behaviorsdk"
)

var _ behavior.Host = (*Host)(nil)

// HandlerName is the global function a script defines to receive events.
const HandlerName = "on_event"

type script struct {
	proto *lua.FunctionProto
}

// Host runs Lua behaviors. Scripts are compiled once at load; every event
// runs in a fresh state so no globals survive between deliveries.
type Host struct {
	factory *StateFactory
	logger  *slog.Logger

	mu      sync.RWMutex
	scripts map[string]*script
	closed  bool
}

// NewHost creates a Lua host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		factory: NewStateFactory(),
		logger:  logger,
		scripts: make(map[string]*script),
	}
}

// Load compiles the entry script and checks that it defines on_event.
func (h *Host) Load(ctx context.Context, m *behavior.Manifest, dir string) error {
	if m.Lua == nil {
		return oops.In("lua").With("plugin", m.Name).Errorf("manifest has no lua section")
	}
	path := filepath.Join(dir, m.Lua.Entry)
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return oops.In("lua").With("plugin", m.Name).With("path", path).Hint("failed to read entry file").Wrap(err)
	}

	chunk, err := parse.Parse(bytes.NewReader(code), m.Lua.Entry)
	if err != nil {
		return oops.In("lua").With("plugin", m.Name).With("entry", m.Lua.Entry).Hint("syntax error").Wrap(err)
	}
	proto, err := lua.Compile(chunk, m.Lua.Entry)
	if err != nil {
		return oops.In("lua").With("plugin", m.Name).With("entry", m.Lua.Entry).Wrapf(err, "compile")
	}

	// Run the chunk once so top-level errors and a missing handler surface now.
	L, err := h.prepare(ctx, m.Name, proto)
	if err != nil {
		return err
	}
	L.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return oops.Code(behavior.CodeHostClosed).In("lua").With("plugin", m.Name).Wrap(behavior.ErrHostClosed)
	}
	if _, dup := h.scripts[m.Name]; dup {
		return oops.Code(behavior.CodeDuplicatePlugin).In("lua").With("plugin", m.Name).Wrap(behavior.ErrDuplicatePlugin)
	}
	h.scripts[m.Name] = &script{proto: proto}
	return nil
}

// prepare returns a state in which the plugin's chunk has run and on_event
// is defined.
func (h *Host) prepare(ctx context.Context, name string, proto *lua.FunctionProto) (*lua.LState, error) {
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	registerFunctions(L, h.logger, name)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, oops.In("lua").With("plugin", name).Hint("error running script body").Wrap(err)
	}
	if L.GetGlobal(HandlerName).Type() != lua.LTFunction {
		L.Close()
		return nil, oops.In("lua").With("plugin", name).Errorf("script does not define %s", HandlerName)
	}
	return L, nil
}

// Unload forgets a plugin.
func (h *Host) Unload(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.scripts[name]; !ok {
		return oops.Code(behavior.CodeNotLoaded).In("lua").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}
	delete(h.scripts, name)
	return nil
}

// Deliver calls on_event(event) in a fresh state. The script returns nil or
// a list of {topic = ..., payload = ...} tables. Malformed entries are
// logged and skipped; the valid ones are still returned.
func (h *Host) Deliver(ctx context.Context, name string, ev behaviorsdk.Event) ([]behaviorsdk.Emit, error) {
	h.mu.RLock()
	s, ok := h.scripts[name]
	h.mu.RUnlock()
	if !ok {
		return nil, oops.Code(behavior.CodeNotLoaded).In("lua").With("plugin", name).Wrap(behavior.ErrNotLoaded)
	}

	L, err := h.prepare(ctx, name, s.proto)
	if err != nil {
		return nil, h.callError(ctx, err)
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(HandlerName),
		NRet:    1,
		Protect: true,
	}, eventTable(L, ev)); err != nil {
		return nil, h.callError(ctx, oops.In("lua").With("plugin", name).With("topic", ev.Topic).Wrap(err))
	}
	ret := L.Get(-1)
	L.Pop(1)

	emits, problems := parseEmits(ret)
	if len(problems) > 0 {
		h.logger.Warn("lua behavior returned invalid emits",
			"plugin", name,
			"error_count", len(problems),
			"errors", problems)
	}
	return emits, nil
}

// callError reports a context expiry as such; gopher-lua only surfaces it
// as a runtime error string.
func (h *Host) callError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return oops.In("lua").Wrapf(ctxErr, "%v", err)
	}
	return err
}

func eventTable(L *lua.LState, ev behaviorsdk.Event) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(ev.ID))
	L.SetField(t, "topic", lua.LString(ev.Topic))
	// Entity ids above 2^53 lose precision as Lua numbers.
	L.SetField(t, "entity_id", lua.LNumber(ev.EntityID))
	L.SetField(t, "type", lua.LNumber(ev.Type))
	L.SetField(t, "payload", lua.LString(ev.Payload))
	return t
}

func parseEmits(ret lua.LValue) (emits []behaviorsdk.Emit, problems []string) {
	if ret.Type() == lua.LTNil {
		return nil, nil
	}
	list, ok := ret.(*lua.LTable)
	if !ok {
		return nil, []string{"returned " + ret.Type().String() + ", want table"}
	}

	n := list.Len()
	for i := 1; i <= n; i++ {
		entry, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			problems = append(problems, fmt.Sprintf("entry[%d]: want table, got %s", i, list.RawGetInt(i).Type()))
			continue
		}
		topic, ok := entry.RawGetString("topic").(lua.LString)
		if !ok || topic == "" {
			problems = append(problems, fmt.Sprintf("entry[%d]: missing topic", i))
			continue
		}
		var payload []byte
		if p, ok := entry.RawGetString("payload").(lua.LString); ok {
			payload = []byte(p)
		}
		emits = append(emits, behaviorsdk.Emit{Topic: string(topic), Payload: payload})
	}
	return emits, problems
}

// Plugins returns the loaded plugin names, sorted.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.scripts))
	for name := range h.scripts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close forgets every plugin. Later loads fail.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	clear(h.scripts)
	return nil
}
