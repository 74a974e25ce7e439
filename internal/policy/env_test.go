package policy

import (
	"path/filepath"
	"testing"
)

func TestLoadWithEnvAppliesOverrides(t *testing.T) {
	t.Setenv("SDKROUTER_ADDR", "127.0.0.1:4200")
	t.Setenv("SDKROUTER_CODEC", "msgpack")
	t.Setenv("SDKROUTER_STALL_SECONDS", "30")

	cfg, _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load with env: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:4200" || cfg.Session.Codec != "msgpack" || cfg.Watchdog.StallSeconds != 30 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Bus.Driver != BusDriverNone {
		t.Fatalf("unset override changed bus driver to %q", cfg.Bus.Driver)
	}
}

func TestLoadWithEnvRejectsInvalidResult(t *testing.T) {
	t.Setenv("SDKROUTER_CODEC", "xml")
	if _, _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected invalid codec override to fail validation")
	}
}

func TestParseEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("SDKROUTER_STALL_SECONDS", "soon")
	if _, err := ParseEnv(); err == nil {
		t.Fatalf("expected malformed stall seconds to fail")
	}
}
