package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sdkrouter/internal/actions"
	"sdkrouter/internal/model"
	"sdkrouter/internal/protocol"
	"sdkrouter/internal/waiter"
	"sdkrouter/internal/watchdog"
)

// fakeSession answers every action and, for object interactions, observes a
// snapshot with one more log in the inventory.
type fakeSession struct {
	engine *waiter.Engine

	mu   sync.Mutex
	tick int64
	logs int
	sent []string
}

func newFakeSession() *fakeSession {
	session := &fakeSession{engine: waiter.NewEngine(nil), tick: 1}
	session.engine.Observe(session.snapshot())
	return session
}

func (f *fakeSession) snapshot() model.WorldState {
	state := model.WorldState{
		Tick:    f.tick,
		Player:  model.PlayerState{X: 3200, Z: 3200},
		Objects: []model.NearbyObject{{ID: 1276, Name: "Tree", X: 3201, Z: 3200, Distance: 1, Options: []string{"Chop down"}}},
	}
	if f.logs > 0 {
		state.Inventory = []model.Item{{Slot: 0, ID: 1511, Name: "Logs", Count: f.logs}}
	}
	return state
}

func (f *fakeSession) Send(_ context.Context, method string, _ map[string]any) (model.ActionResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, method)
	if method == protocol.MethodInteractObject {
		f.tick++
		f.logs++
	}
	next := f.snapshot()
	f.mu.Unlock()
	go f.engine.Observe(next)
	return model.ActionResult{Success: true}, nil
}

func (f *fakeSession) Await(ctx context.Context, predicate waiter.Predicate, timeout time.Duration) (model.WorldState, error) {
	return f.engine.Await(ctx, predicate, timeout)
}

func (f *fakeSession) State() (model.WorldState, bool) {
	return f.engine.Current()
}

func (f *fakeSession) CancelOwner(owner string, cause error) int {
	return f.engine.CancelOwner(owner, cause)
}

func testOptions(source string) Options {
	return Options{
		Name:    "test",
		Source:  source,
		Actions: actions.Options{Attempts: 1, RetryDelay: time.Millisecond, StepTimeout: 500 * time.Millisecond},
		Watchdog: watchdog.Options{
			Stall: 2 * time.Second,
			Grace: 200 * time.Millisecond,
		},
	}
}

func TestScriptActionsCountAsProgress(t *testing.T) {
	session := newFakeSession()
	report, err := Run(context.Background(), session, testOptions(`
for i = 1, 2 do
  local state = bot.chop("Tree", "Logs")
  if state.inventory[1].count ~= i then
    error("expected " .. i .. " logs")
  end
end
if bot.count("Logs") ~= 2 then error("count mismatch") end
`))
	if err != nil {
		t.Fatalf("run script: %v", err)
	}
	if report.Status != model.RunStatusCompleted || report.ProgressCount != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.LastState == nil || report.LastState.InventoryCount("Logs") != 2 {
		t.Fatalf("expected last state with two logs, got %+v", report.LastState)
	}
}

func TestFailedActionSurfacesTypedError(t *testing.T) {
	report, err := Run(context.Background(), newFakeSession(), testOptions(`bot.attack("Goblin")`))
	if !errors.Is(err, model.ErrActionRejected) {
		t.Fatalf("expected ACTION_REJECTED, got %v", err)
	}
	if report.Status != model.RunStatusFailed || report.Code != model.CodeActionRejected {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestScriptCanRecoverWithPcall(t *testing.T) {
	report, err := Run(context.Background(), newFakeSession(), testOptions(`
local ok = pcall(bot.attack, "Goblin")
if ok then error("attack should fail") end
bot.progress("recovered")
`))
	if err != nil {
		t.Fatalf("run script: %v", err)
	}
	if report.LastNote != "recovered" {
		t.Fatalf("expected progress note, got %+v", report)
	}
}

func TestSyntaxErrorIsScriptFault(t *testing.T) {
	_, err := Run(context.Background(), newFakeSession(), testOptions(`bot.chop(`))
	if !errors.Is(err, model.ErrScriptFault) {
		t.Fatalf("expected SCRIPT_FAULT, got %v", err)
	}
}

func TestIdleScriptIsStopped(t *testing.T) {
	options := testOptions(`bot.sleep(10000)`)
	options.Watchdog.Stall = 60 * time.Millisecond
	started := time.Now()
	report, err := Run(context.Background(), newFakeSession(), options)
	if !errors.Is(err, model.ErrStall) {
		t.Fatalf("expected STALL, got %v", err)
	}
	if report.Status != model.RunStatusStalled {
		t.Fatalf("unexpected report %+v", report)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("stall took too long: %s", elapsed)
	}
}

func TestLoadFileNamesScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "woodcut.lua")
	if err := os.WriteFile(path, []byte(`bot.progress("hi")`), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	options, err := LoadFile(path, Options{})
	if err != nil {
		t.Fatalf("load script: %v", err)
	}
	if options.Name != "woodcut" || options.Source == "" {
		t.Fatalf("unexpected options %+v", options)
	}
	if _, err := Run(context.Background(), newFakeSession(), Options{}); err == nil {
		t.Fatalf("expected empty source to fail")
	}
}
