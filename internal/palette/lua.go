package palette

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/lampd/internal/kasa"
)

// ShuffleFunc is the global the script must define.
const ShuffleFunc = "shuffle"

// Lua asks a user script for the next color. The script defines
//
//	function shuffle(prev) return { hue = 120, saturation = 80 } end
//
// where prev is the current state table or nil. Fields the script leaves out
// come from the fallback palette; an invalid result or a script error falls
// back entirely. Calls are serialized on a single LState.
type Lua struct {
	mu       sync.Mutex
	L        *lua.LState
	fn       *lua.LFunction
	fallback *Random
}

// LoadLua executes the script at path.
func LoadLua(path string, fallback *Random) (*Lua, error) {
	p := newLua(fallback)
	log.Info().Str("path", path).Msg("Loading Lua palette script")
	if err := p.L.DoFile(path); err != nil {
		p.L.Close()
		return nil, fmt.Errorf("failed to execute Lua script: %w", err)
	}
	if err := p.bind(); err != nil {
		p.L.Close()
		return nil, err
	}
	return p, nil
}

// LoadLuaString executes src as the palette script.
func LoadLuaString(src string, fallback *Random) (*Lua, error) {
	p := newLua(fallback)
	if err := p.L.DoString(src); err != nil {
		p.L.Close()
		return nil, fmt.Errorf("failed to execute Lua script: %w", err)
	}
	if err := p.bind(); err != nil {
		p.L.Close()
		return nil, err
	}
	return p, nil
}

func newLua(fallback *Random) *Lua {
	L := lua.NewState()
	L.PreloadModule("log", logLoader)
	return &Lua{L: L, fallback: fallback}
}

func (p *Lua) bind() error {
	fn, ok := p.L.GetGlobal(ShuffleFunc).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("palette script does not define function %q", ShuffleFunc)
	}
	p.fn = fn
	return nil
}

// Close releases the Lua state.
func (p *Lua) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

// Next implements lamp.Palette.
func (p *Lua) Next(prev *kasa.LightState) kasa.TransitionState {
	base := p.fallback.Next(prev)

	p.mu.Lock()
	defer p.mu.Unlock()

	var arg lua.LValue = lua.LNil
	if prev != nil {
		arg = stateTable(p.L, *prev)
	}

	if err := p.L.CallByParam(lua.P{Fn: p.fn, NRet: 1, Protect: true}, arg); err != nil {
		log.Error().Err(err).Msg("Lua shuffle failed, using random color")
		return base
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		log.Warn().Str("type", ret.Type().String()).Msg("Lua shuffle did not return a table, using random color")
		return base
	}

	next := base
	setInt(tbl, "hue", &next.Hue)
	setInt(tbl, "saturation", &next.Saturation)
	setInt(tbl, "brightness", &next.Brightness)
	setInt(tbl, "color_temp", &next.ColorTemp)
	setInt(tbl, "on_off", &next.OnOff)
	setInt(tbl, "transition_period", &next.Transition)

	if err := next.Validate(); err != nil {
		log.Warn().Err(err).Msg("Lua shuffle returned an invalid color, using random color")
		return base
	}
	return next
}

func setInt(tbl *lua.LTable, key string, dst **int) {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		*dst = kasa.Int(int(n))
	}
}

func stateTable(L *lua.LState, st kasa.LightState) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("on_off", lua.LNumber(st.OnOff))
	tbl.RawSetString("mode", lua.LString(st.Mode))
	tbl.RawSetString("hue", lua.LNumber(st.Hue))
	tbl.RawSetString("saturation", lua.LNumber(st.Saturation))
	tbl.RawSetString("brightness", lua.LNumber(st.Brightness))
	tbl.RawSetString("color_temp", lua.LNumber(st.ColorTemp))
	return tbl
}

// logLoader exposes log.debug/info/warn/error(msg) to scripts.
func logLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "debug", L.NewFunction(func(L *lua.LState) int {
		log.Debug().Str("source", "lua").Msg(L.CheckString(1))
		return 0
	}))
	L.SetField(mod, "info", L.NewFunction(func(L *lua.LState) int {
		log.Info().Str("source", "lua").Msg(L.CheckString(1))
		return 0
	}))
	L.SetField(mod, "warn", L.NewFunction(func(L *lua.LState) int {
		log.Warn().Str("source", "lua").Msg(L.CheckString(1))
		return 0
	}))
	L.SetField(mod, "error", L.NewFunction(func(L *lua.LState) int {
		log.Error().Str("source", "lua").Msg(L.CheckString(1))
		return 0
	}))
	L.Push(mod)
	return 1
}
