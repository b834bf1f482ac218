package xcookie

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
origin: https://site1.com
shared_origin: https://iframe.com
mode: shared-only
expiry: 30d
timeouts:
  handshake: 500ms
  request: 400ms
policy:
  - engine: cel
    expression: kind == "get-request"
activity:
  channel: audit
`)
	override := writeFile(t, dir, "override.toml", `
origin = "https://site2.com"
await_ack = false

[timeouts]
request = "1s"
`)

	cfg, err := LoadConfig(context.Background(), base, override)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Origin != "https://site2.com" || cfg.SharedOrigin != "https://iframe.com" {
		t.Fatalf("unexpected origins %+v", cfg)
	}
	if cfg.Mode != ModeSharedOnly || cfg.AwaitAck {
		t.Fatalf("unexpected mode/ack %+v", cfg)
	}
	if cfg.Expiry != 30*24*time.Hour {
		t.Fatalf("expected 30 day expiry, got %s", cfg.Expiry)
	}
	if cfg.Timeouts.Handshake != 500*time.Millisecond || cfg.Timeouts.Request != time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg.Timeouts)
	}
	if cfg.Timeouts.Ack != DefaultConfig().Timeouts.Ack {
		t.Fatalf("expected ack timeout default, got %s", cfg.Timeouts.Ack)
	}
	if len(cfg.Policy) != 1 || cfg.Policy[0].Engine != "cel" {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.Activity.Channel != "audit" {
		t.Fatalf("unexpected activity config %+v", cfg.Activity)
	}
	if cfg.Domain != "site2.com" || cfg.Path != "/" || cfg.Resource != "/xdomain_cookie.html" {
		t.Fatalf("expected derived defaults, got domain=%q path=%q resource=%q", cfg.Domain, cfg.Path, cfg.Resource)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "page.json", `{"origin":"https://site1.com","domain":".example.com","path":"/app"}`)
	cfg, err := LoadConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Domain != ".example.com" || cfg.Path != "/app" || cfg.Mode != ModeStandard {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigLaterFileWins(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.json", `{"origin":"https://a.com","mode":"shared-only","path":"/a"}`)
	second := writeFile(t, dir, "b.toml", "origin = \"https://b.com\"\npath = \"/b\"\n")
	third := writeFile(t, dir, "c.yml", "origin: https://c.com\n")

	cfg, err := LoadConfig(context.Background(), first, second, third)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Origin != "https://c.com" || cfg.Path != "/b" || cfg.Mode != ModeSharedOnly {
		t.Fatalf("unexpected merge %+v", cfg)
	}

	cfg, err = LoadConfig(context.Background(), third, second, first)
	if err != nil {
		t.Fatalf("load reversed: %v", err)
	}
	if cfg.Origin != "https://a.com" || cfg.Path != "/a" {
		t.Fatalf("unexpected reversed merge %+v", cfg)
	}
}

func TestBuildConfigDaySuffix(t *testing.T) {
	raw := map[string]any{
		"origin": "https://site1.com",
		"expiry": "2d",
		"timeouts": map[string]any{
			"handshake": "1d",
			"request":   "750ms",
		},
	}
	cfg, err := BuildConfig(raw)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Expiry != 48*time.Hour || cfg.Timeouts.Handshake != 24*time.Hour || cfg.Timeouts.Request != 750*time.Millisecond {
		t.Fatalf("unexpected durations expiry=%s timeouts=%+v", cfg.Expiry, cfg.Timeouts)
	}
	if raw["expiry"] != "2d" || raw["timeouts"].(map[string]any)["handshake"] != "1d" {
		t.Fatalf("expected input left untouched, got %+v", raw)
	}

	for _, bad := range []string{"xd", "-1d"} {
		if _, err := BuildConfig(map[string]any{"origin": "https://site1.com", "expiry": bad}); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unsupported": writeFile(t, dir, "page.ini", "origin=x"),
		"bad yaml":    writeFile(t, dir, "bad.yaml", "origin: [unterminated"),
		"no origin":   writeFile(t, dir, "empty.yaml", "mode: standard"),
		"bad mode":    writeFile(t, dir, "mode.yaml", "origin: https://a.com\nmode: sideways"),
		"bad expiry":  writeFile(t, dir, "expiry.yaml", "origin: https://a.com\nexpiry: soon"),
		"missing":     filepath.Join(dir, "absent.yaml"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(context.Background(), path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing origin to fail")
	}
	cfg.Origin = "https://site1.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Timeouts.Request = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative timeout to fail")
	}
}

func TestWithDefaultsDerivesDomain(t *testing.T) {
	cfg := Config{Origin: "https://site1.com:8443"}.withDefaults()
	if cfg.Domain != "site1.com" {
		t.Fatalf("expected host as domain, got %q", cfg.Domain)
	}
	if cfg.Expiry != DefaultExpiry || !cfg.Activity.Enabled {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
