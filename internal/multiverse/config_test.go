package multiverse

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realms.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlTickIntervalTicks <= 0 || len(cfg.Realms) == 0 {
		t.Fatalf("bad defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_ParsesRealms(t *testing.T) {
	path := writeConfig(t, `
control_tick_interval_ticks: 3
local_tick_millis: 50
control_tick_millis: 500
realms:
  - id: " ALPHA "
    adjacency: core
    resonance: a
    subscribe: ["ping", " ", "pong"]
  - id: BETA
    adjacency: rim
    density: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlTickIntervalTicks != 3 {
		t.Fatalf("interval = %d", cfg.ControlTickIntervalTicks)
	}
	if len(cfg.Realms) != 2 {
		t.Fatalf("realms = %d", len(cfg.Realms))
	}
	if cfg.Realms[0].ID != "ALPHA" {
		t.Fatalf("id not trimmed: %q", cfg.Realms[0].ID)
	}
	if got := cfg.Realms[0].Subscribe; len(got) != 2 || got[0] != "ping" || got[1] != "pong" {
		t.Fatalf("subscriptions not normalized: %v", got)
	}
	if cfg.Realms[0].Density != 1 {
		t.Fatalf("density default not applied: %d", cfg.Realms[0].Density)
	}
	coord := cfg.Realms[1].Coordinate()
	if coord.RealmID != "BETA" || coord.Adjacency != "rim" || coord.Density != 2 {
		t.Fatalf("coordinate = %+v", coord)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"negative_interval": `
control_tick_interval_ticks: -1
realms:
  - id: A
`,
		"duplicate_realm": `
realms:
  - id: A
  - id: A
`,
		"empty_realm_id": `
realms:
  - id: "  "
`,
		"duplicate_subscription": `
realms:
  - id: A
    subscribe: ["ping", "ping"]
`,
		"no_realms": `
control_tick_interval_ticks: 3
realms: []
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("config accepted")
			}
		})
	}
}
