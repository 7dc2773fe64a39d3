package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/partyctl/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigTemplateMatchesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partyd.toml")
	if err := config.WriteTemplate(path, "partyd", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultServiceConfig()
	lc := cfg.Lobby
	if lc.NodeID != def.Lobby.NodeID || lc.SocketAddr != ":7101" || lc.StubAddr != ":7100" || lc.AdminAddr != ":7180" {
		t.Fatalf("unexpected addresses: %+v", lc)
	}
	if lc.MaxSessions != 64 || lc.MaxPlayers != 250 || lc.Spawner.Workers != 64 {
		t.Fatalf("unexpected capacities: sessions=%d players=%d workers=%d", lc.MaxSessions, lc.MaxPlayers, lc.Spawner.Workers)
	}
	if lc.Match.TurnTimeout != 10*time.Second || lc.Match.MaxRounds != 10 {
		t.Fatalf("unexpected match config: %+v", lc.Match)
	}
	for size, want := range def.Lobby.Matchmaking.Policies {
		if got := lc.Matchmaking.Policies[size]; got != want {
			t.Fatalf("size %d: got %+v want %+v", size, got, want)
		}
	}
	if lc.Transport.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
}

func TestLoadServiceConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
node_id = "partyd.test"
stub_addr = ""
max_sessions = 12
turn_timeout = "3s"
party_sizes = [2, 4]

[[queues]]
party_size = 4
window = "20s"
min_fill = 3
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	lc := cfg.Lobby
	if lc.NodeID != "partyd.test" || lc.StubAddr != "" || lc.SocketAddr != ":7101" {
		t.Fatalf("unexpected identity/addresses: %+v", lc)
	}
	if lc.MaxSessions != 12 || lc.Spawner.Workers != 12 {
		t.Fatalf("workers should follow max_sessions: %d/%d", lc.MaxSessions, lc.Spawner.Workers)
	}
	if lc.Match.TurnTimeout != 3*time.Second {
		t.Fatalf("unexpected turn timeout: %v", lc.Match.TurnTimeout)
	}
	if len(lc.Matchmaking.Policies) != 2 {
		t.Fatalf("expected only sizes 2 and 4: %+v", lc.Matchmaking.Policies)
	}
	if p := lc.Matchmaking.Policies[4]; p.Window != 20*time.Second || p.MinFill != 3 {
		t.Fatalf("unexpected size-4 policy: %+v", p)
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `
turn_timeout = "abc"
`)
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadServiceConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, `
max_sesions = 3
`)
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
