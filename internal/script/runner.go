package script

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"sdkrouter/internal/actions"
	"sdkrouter/internal/model"
	"sdkrouter/internal/watchdog"
)

// Session is what a script needs from a protocol session: the action
// surface plus owner-scoped waiter cancellation for the watchdog.
type Session interface {
	actions.Session
	CancelOwner(owner string, cause error) int
}

type Options struct {
	// Name labels the chunk in Lua error messages.
	Name     string
	Source   string
	Actions  actions.Options
	Watchdog watchdog.Options
	Logger   *log.Logger
}

// LoadFile reads a script from disk into options.
func LoadFile(path string, options Options) (Options, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return options, fmt.Errorf("read script %s: %w", path, err)
	}
	options.Source = string(payload)
	if strings.TrimSpace(options.Name) == "" {
		options.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return options, nil
}

// Run executes the script against session under the watchdog.
func Run(ctx context.Context, session Session, options Options) (model.RunReport, error) {
	if strings.TrimSpace(options.Source) == "" {
		return model.RunReport{Status: model.RunStatusFailed}, fmt.Errorf("script source is empty")
	}
	wd := options.Watchdog
	wd.Session = session
	if wd.Logger == nil {
		wd.Logger = options.Logger
	}
	return watchdog.Run(ctx, wd, Loop(session, options))
}

// Loop adapts a script into a watchdog loop. Every verified action the script
// completes counts as progress, as does an explicit bot.progress(note).
func Loop(session actions.Session, options Options) watchdog.Loop {
	name := strings.TrimSpace(options.Name)
	if name == "" {
		name = "script"
	}
	return func(ctx context.Context, heartbeat *watchdog.Heartbeat) error {
		actionOptions := options.Actions
		if actionOptions.Logger == nil {
			actionOptions.Logger = options.Logger
		}
		actionOptions.Progress = heartbeat
		b := &binding{
			ctx:       ctx,
			bot:       actions.New(session, actionOptions),
			session:   session,
			heartbeat: heartbeat,
			logger:    options.Logger,
			name:      name,
		}

		L := lua.NewState()
		defer L.Close()
		L.SetContext(ctx)
		b.register(L)

		if err := L.DoString(options.Source); err != nil {
			return b.classify(err)
		}
		return nil
	}
}

type binding struct {
	ctx       context.Context
	bot       *actions.Bot
	session   actions.Session
	heartbeat *watchdog.Heartbeat
	logger    *log.Logger
	name      string

	mu      sync.Mutex
	lastErr error
}

func (b *binding) register(L *lua.LState) {
	table := L.NewTable()
	L.SetFuncs(table, map[string]lua.LGFunction{
		"chop":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.ChopTree(b.ctx, L.CheckString(1), L.OptString(2, "Logs")) }),
		"mine":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Mine(b.ctx, L.CheckString(1), L.CheckString(2)) }),
		"gather":       b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Gather(b.ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3)) }),
		"fish":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Fish(b.ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3)) }),
		"consume":      b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.ConsumeForExperience(b.ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3)) }),
		"cast_on_item": b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.CastOnItem(b.ctx, L.CheckString(1), L.CheckInt(2), L.CheckString(3)) }),
		"pickup":       b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.PickUp(b.ctx, L.CheckString(1)) }),
		"combine":      b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Combine(b.ctx, L.CheckString(1), L.CheckString(2), L.CheckString(3)) }),
		"equip":        b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Equip(b.ctx, L.CheckString(1)) }),
		"drop":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Drop(b.ctx, L.CheckString(1)) }),
		"walk":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.WalkTo(b.ctx, L.CheckInt(1), L.CheckInt(2)) }),
		"open":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Open(b.ctx, L.CheckString(1), L.OptString(2, "")) }),
		"talk":         b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.TalkTo(b.ctx, L.CheckString(1)) }),
		"attack":       b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.Attack(b.ctx, L.CheckString(1)) }),
		"combat_style": b.verified(func(L *lua.LState) (model.WorldState, error) { return b.bot.SetCombatStyle(b.ctx, L.CheckInt(1)) }),
		"state":        b.state,
		"count":        b.count,
		"xp":           b.experience,
		"progress":     b.progress,
		"sleep":        b.sleep,
		"log":          b.log,
	})
	L.SetGlobal("bot", table)
}

// verified wraps an action call. Success pushes the confirming snapshot;
// failure raises a Lua error carrying the typed error's text, so scripts can
// pcall around actions they expect to fail.
func (b *binding) verified(call func(L *lua.LState) (model.WorldState, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		state, err := call(L)
		if err != nil {
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(stateTable(L, state))
		return 1
	}
}

func (b *binding) state(L *lua.LState) int {
	state, ok := b.session.State()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(stateTable(L, state))
	return 1
}

func (b *binding) count(L *lua.LState) int {
	state, _ := b.session.State()
	L.Push(lua.LNumber(state.InventoryCount(L.CheckString(1))))
	return 1
}

func (b *binding) experience(L *lua.LState) int {
	state, _ := b.session.State()
	L.Push(lua.LNumber(state.Experience(L.CheckString(1))))
	return 1
}

func (b *binding) progress(L *lua.LState) int {
	b.heartbeat.Progress(L.OptString(1, "script progress"))
	return 0
}

func (b *binding) sleep(L *lua.LState) int {
	timer := time.NewTimer(time.Duration(L.CheckInt(1)) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-b.ctx.Done():
		L.RaiseError("sleep interrupted: %v", context.Cause(b.ctx))
	}
	return 0
}

func (b *binding) log(L *lua.LState) int {
	if b.logger != nil {
		b.logger.Printf("script: name=%s run=%s message=%q", b.name, b.heartbeat.RunID(), L.CheckString(1))
	}
	return 0
}

// classify maps a Lua failure back onto the error taxonomy: the run's own
// cancellation first, then the action error that raised it, and anything
// else becomes a script fault.
func (b *binding) classify(err error) error {
	if cause := context.Cause(b.ctx); cause != nil {
		return cause
	}
	b.mu.Lock()
	lastErr := b.lastErr
	b.mu.Unlock()
	if lastErr != nil && strings.Contains(err.Error(), lastErr.Error()) {
		return lastErr
	}
	return model.WrapError(model.CodeScriptFault, err, "script "+b.name+" failed")
}

func stateTable(L *lua.LState, state model.WorldState) *lua.LTable {
	table := L.NewTable()
	table.RawSetString("tick", lua.LNumber(state.Tick))
	table.RawSetString("x", lua.LNumber(state.Player.X))
	table.RawSetString("z", lua.LNumber(state.Player.Z))
	table.RawSetString("plane", lua.LNumber(state.Player.Plane))
	table.RawSetString("running", lua.LBool(state.Player.Running))
	table.RawSetString("dialog_open", lua.LBool(state.Dialog.Open))

	inventory := L.NewTable()
	for _, item := range state.Inventory {
		entry := L.NewTable()
		entry.RawSetString("slot", lua.LNumber(item.Slot))
		entry.RawSetString("id", lua.LNumber(item.ID))
		entry.RawSetString("name", lua.LString(item.Name))
		entry.RawSetString("count", lua.LNumber(item.Count))
		inventory.Append(entry)
	}
	table.RawSetString("inventory", inventory)
	return table
}
