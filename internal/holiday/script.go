package holiday

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// PredicateName is the global function a holiday script must define
const PredicateName = "is_holiday"

// ErrNoPredicate is returned when a script does not define is_holiday
var ErrNoPredicate = errors.New("holiday script does not define is_holiday")

// Script evaluates is_holiday(year, month, day) in a dedicated Lua state.
// It may return a boolean and an optional holiday name.
type Script struct {
	mu sync.Mutex
	L  *lua.LState
	fn *lua.LFunction
}

// LoadScript runs the Lua file at path and binds its is_holiday function
func LoadScript(path string) (*Script, error) {
	L := lua.NewState()
	L.PreloadModule("log", logLoader)

	log.Info().Str("path", path).Msg("Loading holiday script")
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to execute holiday script: %w", err)
	}
	return bind(L)
}

// LoadString is LoadScript for inline source
func LoadString(src string) (*Script, error) {
	L := lua.NewState()
	L.PreloadModule("log", logLoader)

	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to execute holiday script: %w", err)
	}
	return bind(L)
}

func bind(L *lua.LState) (*Script, error) {
	fn, ok := L.GetGlobal(PredicateName).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoPredicate
	}
	return &Script{L: L, fn: fn}, nil
}

// IsHoliday calls is_holiday with the calendar day of date
func (s *Script) IsHoliday(ctx context.Context, date time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.L.SetContext(ctx)
	err := s.L.CallByParam(lua.P{Fn: s.fn, NRet: 2, Protect: true},
		lua.LNumber(date.Year()), lua.LNumber(int(date.Month())), lua.LNumber(date.Day()))
	if err != nil {
		return Result{}, fmt.Errorf("is_holiday(%s): %w", date.Format(DateLayout), err)
	}

	name := s.L.Get(-1)
	verdict := s.L.Get(-2)
	s.L.Pop(2)

	res := Result{IsHoliday: lua.LVAsBool(verdict)}
	if res.IsHoliday && name != lua.LNil {
		res.Name = lua.LVAsString(name)
	}
	return res, nil
}

// Close releases the Lua state
func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.L.Close()
}

// logLoader exposes log.debug/info/warn(msg) to holiday scripts
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
	L.Push(mod)
	return 1
}
