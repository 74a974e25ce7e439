package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".sdkrouter/policy.json"

const (
	BusDriverNone   = "none"
	BusDriverMemory = "memory"
	BusDriverRedis  = "redis"
)

type Config struct {
	Version int `json:"version"`
	Server  struct {
		Addr              string `json:"addr"`
		ShutdownTimeoutMS int    `json:"shutdown_timeout_ms"`
	} `json:"server"`
	Router struct {
		PendingTTLMS       int   `json:"pending_ttl_ms"`
		SweepIntervalMS    int   `json:"sweep_interval_ms"`
		SendQueue          int   `json:"send_queue"`
		HandshakeTimeoutMS int   `json:"handshake_timeout_ms"`
		MaxFrameBytes      int64 `json:"max_frame_bytes"`
		Shards             int   `json:"shards"`
	} `json:"router"`
	Session struct {
		ActionTimeoutMS  int    `json:"action_timeout_ms"`
		ConnectTimeoutMS int    `json:"connect_timeout_ms"`
		Codec            string `json:"codec"`
	} `json:"session"`
	Actions struct {
		DialogCooldownTicks int `json:"dialog_cooldown_ticks"`
		Attempts            int `json:"attempts"`
		RetryDelayMS        int `json:"retry_delay_ms"`
		StepTimeoutMS       int `json:"step_timeout_ms"`
		ArriveTolerance     int `json:"arrive_tolerance"`
	} `json:"actions"`
	Watchdog struct {
		StallSeconds     int `json:"stall_seconds"`
		WallClockSeconds int `json:"wall_clock_seconds"`
		CheckIntervalMS  int `json:"check_interval_ms"`
		GraceMS          int `json:"grace_ms"`
	} `json:"watchdog"`
	Bus struct {
		Driver         string `json:"driver"`
		RedisURL       string `json:"redis_url"`
		SnapshotTopic  string `json:"snapshot_topic"`
		RunTopic       string `json:"run_topic"`
		QueueSize      int    `json:"queue_size"`
		SnapshotEveryN int    `json:"snapshot_every_n"`
	} `json:"bus"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Server.Addr = ":3100"
	cfg.Server.ShutdownTimeoutMS = 5000
	cfg.Router.PendingTTLMS = 30000
	cfg.Router.SweepIntervalMS = 1000
	cfg.Router.SendQueue = 256
	cfg.Router.HandshakeTimeoutMS = 10000
	cfg.Router.MaxFrameBytes = 1 << 20
	cfg.Router.Shards = 16
	cfg.Session.ActionTimeoutMS = 35000
	cfg.Session.ConnectTimeoutMS = 10000
	cfg.Session.Codec = "json"
	cfg.Actions.DialogCooldownTicks = 3
	cfg.Actions.Attempts = 3
	cfg.Actions.RetryDelayMS = 600
	cfg.Actions.StepTimeoutMS = 15000
	cfg.Actions.ArriveTolerance = 1
	cfg.Watchdog.StallSeconds = 120
	cfg.Watchdog.WallClockSeconds = 3600
	cfg.Watchdog.CheckIntervalMS = 0
	cfg.Watchdog.GraceMS = 5000
	cfg.Bus.Driver = BusDriverNone
	cfg.Bus.SnapshotTopic = "sdkrouter.snapshots"
	cfg.Bus.RunTopic = "sdkrouter.runs"
	cfg.Bus.QueueSize = 1024
	cfg.Bus.SnapshotEveryN = 1
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if cfg.Router.PendingTTLMS <= 0 || cfg.Router.SweepIntervalMS <= 0 || cfg.Router.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("router timeouts must be > 0")
	}
	if cfg.Router.SweepIntervalMS > cfg.Router.PendingTTLMS {
		return fmt.Errorf("router.sweep_interval_ms must be <= pending_ttl_ms")
	}
	if cfg.Router.SendQueue <= 0 || cfg.Router.MaxFrameBytes <= 0 || cfg.Router.Shards <= 0 {
		return fmt.Errorf("router.send_queue, max_frame_bytes and shards must be > 0")
	}
	if cfg.Session.ActionTimeoutMS <= cfg.Router.PendingTTLMS {
		return fmt.Errorf("session.action_timeout_ms must exceed router.pending_ttl_ms")
	}
	if cfg.Session.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("session.connect_timeout_ms must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Codec)) {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("session.codec must be json|msgpack")
	}
	if cfg.Actions.DialogCooldownTicks <= 0 || cfg.Actions.Attempts <= 0 || cfg.Actions.StepTimeoutMS <= 0 {
		return fmt.Errorf("actions cooldown, attempts and step timeout must be > 0")
	}
	if cfg.Actions.RetryDelayMS < 0 || cfg.Actions.ArriveTolerance < 0 {
		return fmt.Errorf("actions.retry_delay_ms and arrive_tolerance must be >= 0")
	}
	if cfg.Watchdog.StallSeconds <= 0 {
		return fmt.Errorf("watchdog.stall_seconds must be > 0")
	}
	if cfg.Watchdog.WallClockSeconds < 0 || cfg.Watchdog.CheckIntervalMS < 0 || cfg.Watchdog.GraceMS < 0 {
		return fmt.Errorf("watchdog values must be >= 0")
	}
	if cfg.Watchdog.WallClockSeconds > 0 && cfg.Watchdog.WallClockSeconds < cfg.Watchdog.StallSeconds {
		return fmt.Errorf("watchdog.wall_clock_seconds must be >= stall_seconds")
	}
	switch cfg.Bus.Driver {
	case BusDriverNone, BusDriverMemory:
	case BusDriverRedis:
		if strings.TrimSpace(cfg.Bus.RedisURL) == "" {
			return fmt.Errorf("bus.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("bus.driver must be none|memory|redis")
	}
	if cfg.Bus.Driver != BusDriverNone {
		if strings.TrimSpace(cfg.Bus.SnapshotTopic) == "" || strings.TrimSpace(cfg.Bus.RunTopic) == "" {
			return fmt.Errorf("bus topics cannot be empty")
		}
		if cfg.Bus.QueueSize <= 0 || cfg.Bus.SnapshotEveryN <= 0 {
			return fmt.Errorf("bus.queue_size and snapshot_every_n must be > 0")
		}
	}
	return nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
