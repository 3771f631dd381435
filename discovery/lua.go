package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"plugenv/registry"
)

var ErrStateClosed = errors.New("lua state is closed")

// luaPlugin is a Lua script that defines register(registry).
type luaPlugin struct {
	name   string
	path   string
	logger *slog.Logger
}

func (p *luaPlugin) Name() string   { return p.name }
func (p *luaPlugin) Source() string { return p.path }

func (p *luaPlugin) Register(ctx context.Context, h *registry.PluginHandle) error {
	state := &luaState{L: newSandbox(p.name, p.logger)}

	state.mu.Lock()
	components, err := p.run(ctx, state, h)
	state.mu.Unlock()

	// UI component handles keep the state alive; otherwise release it now.
	if err != nil || components == 0 {
		_ = state.Close()
	}
	return err
}

func (p *luaPlugin) run(ctx context.Context, state *luaState, h *registry.PluginHandle) (int, error) {
	L := state.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.DoFile(p.path); err != nil {
		return 0, fmt.Errorf("loading script: %w", err)
	}

	fn, ok := L.GetGlobal("register").(*lua.LFunction)
	if !ok {
		return 0, errors.New("script does not define register(registry)")
	}

	components := 0
	reg := L.NewTable()
	reg.RawSetString("add_dependency", L.NewFunction(func(L *lua.LState) int {
		h.AddDependency(L.CheckString(firstArg(L, reg)))
		return 0
	}))
	reg.RawSetString("register_ui_component", L.NewFunction(func(L *lua.LState) int {
		i := firstArg(L, reg)
		key := L.CheckString(i)
		cb := L.CheckFunction(i + 1)
		h.RegisterUIComponent(key, &luaHandle{state: state, fn: cb, plugin: p.name, key: key})
		components++
		return 0
	}))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, reg); err != nil {
		return 0, fmt.Errorf("register failed: %w", err)
	}
	return components, nil
}

// firstArg skips the implicit self argument of registry:method(...) calls so
// both registry.method(...) and registry:method(...) work.
func firstArg(L *lua.LState, self *lua.LTable) int {
	if L.GetTop() > 0 && L.Get(1) == self {
		return 2
	}
	return 1
}

// newSandbox opens only the base, table, string and math libraries. io, os,
// debug and package are never loaded.
func newSandbox(plugin string, logger *slog.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		logger.Debug("lua plugin output", "plugin", plugin, "message", strings.Join(parts, "\t"))
		return 0
	}))

	return L
}

// luaState is shared by every UI component one script registers.
type luaState struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

func (s *luaState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
	return nil
}

// luaHandle invokes a Lua function registered as a UI component.
type luaHandle struct {
	state  *luaState
	fn     *lua.LFunction
	plugin string
	key    string
}

func (h *luaHandle) Invoke(ctx context.Context, args ...any) (any, error) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if h.state.closed {
		return nil, ErrStateClosed
	}

	L := h.state.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(a)
	}

	if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", h.plugin, h.key, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret), nil
}

func (h *luaHandle) Close() error {
	return h.state.Close()
}

func toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case lua.LBool:
		return bool(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(x.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]any)
		x.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val)
		})
		return m
	default:
		return nil
	}
}
