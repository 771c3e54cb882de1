package replica

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
name: arena
mtu: 508
keep_alive: 750ms
timeout: 4s
retry_limit: 3
require_auth: true
auth_db: auth.sqlite
log_level: debug
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "arena" || cfg.MTU != 508 || cfg.RetryLimit != 3 {
		t.Errorf("loaded %+v", cfg)
	}
	if time.Duration(cfg.KeepAlive) != 750*time.Millisecond {
		t.Errorf("keep_alive = %v", time.Duration(cfg.KeepAlive))
	}
	if !cfg.RequireAuth || cfg.AuthDB != "auth.sqlite" {
		t.Errorf("auth settings %+v", cfg)
	}
	// unset fields take their defaults
	if time.Duration(cfg.HandshakeGrace) != 5*time.Second {
		t.Errorf("handshake_grace = %v", time.Duration(cfg.HandshakeGrace))
	}
	if time.Duration(cfg.BackoffBase) != 200*time.Millisecond {
		t.Errorf("backoff_base = %v", time.Duration(cfg.BackoffBase))
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("missing file did not fail")
	}
	if _, err := LoadConfig(writeConfigFile(t, "mtu: [")); err == nil {
		t.Error("malformed yaml did not fail")
	}
	if _, err := LoadConfig(writeConfigFile(t, "keep_alive: soon")); err == nil {
		t.Error("bad duration did not fail")
	}
	if _, err := LoadConfig(writeConfigFile(t, "mtu: 20")); err == nil {
		t.Error("undersized mtu did not fail")
	}
	if _, err := LoadConfig(writeConfigFile(t, "keep_alive: 30s")); err == nil {
		t.Error("keep_alive above timeout did not fail")
	}
	if _, err := LoadConfig(writeConfigFile(t, "require_auth: true")); err == nil {
		t.Error("require_auth without auth_db did not fail")
	}
}

func TestConfigDefaults(t *testing.T) {
	var nilCfg *Config
	got := nilCfg.withDefaults()
	want := DefaultConfig()
	if *got != *want {
		t.Errorf("nil config defaults = %+v, want %+v", got, want)
	}

	partial := &Config{Name: "lobby", Timeout: Duration(time.Minute)}
	got = partial.withDefaults()
	if got.Name != "lobby" || time.Duration(got.Timeout) != time.Minute {
		t.Errorf("explicit fields overwritten: %+v", got)
	}
	if got.MTU != want.MTU || got.RetryLimit != want.RetryLimit || got.LogLevel != want.LogLevel {
		t.Errorf("unset fields not defaulted: %+v", got)
	}
	// the original is left untouched
	if partial.MTU != 0 {
		t.Error("withDefaults mutated its receiver")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.RetryLimit = -1
	if err := bad.validate(); err == nil {
		t.Error("negative retry_limit accepted")
	}
}
