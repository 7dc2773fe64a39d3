package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/partyctl/internal/config"
	"github.com/danmuck/partyctl/internal/lobby"
	"github.com/danmuck/partyctl/internal/matchmaking"
)

type serviceConfig struct {
	Lobby              lobby.Config
	MaxPointsPerAction int
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{Lobby: lobby.DefaultConfig(), MaxPointsPerAction: 3}
}

// loadServiceConfig overlays the keys present in path onto the defaults.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw config.PartydFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load partyd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("load partyd config: unknown keys %v", undecoded)
	}
	lc := &cfg.Lobby

	if meta.IsDefined("node_id") {
		if id := strings.TrimSpace(raw.NodeID); id != "" {
			lc.NodeID = id
		}
	}
	if meta.IsDefined("socket_addr") {
		lc.SocketAddr = strings.TrimSpace(raw.SocketAddr)
	}
	if meta.IsDefined("stub_addr") {
		lc.StubAddr = strings.TrimSpace(raw.StubAddr)
	}
	if meta.IsDefined("admin_addr") {
		lc.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		lc.CORSOrigins = normalizeList(raw.CorsOrigins)
	}

	if meta.IsDefined("max_sessions") {
		lc.MaxSessions = raw.MaxSessions
		if !meta.IsDefined("spawner_workers") {
			lc.Spawner.Workers = raw.MaxSessions
		}
	}
	if meta.IsDefined("max_players") {
		lc.MaxPlayers = raw.MaxPlayers
	}
	if meta.IsDefined("spawner_workers") {
		lc.Spawner.Workers = raw.SpawnerWorkers
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"submit_timeout", raw.SubmitTimeout, &lc.Spawner.SubmitTimeout},
		{"turn_timeout", raw.TurnTimeout, &lc.Match.TurnTimeout},
		{"callback_timeout", raw.CallbackTimeout, &lc.Match.CallbackTimeout},
		{"call_timeout", raw.CallTimeout, &lc.Transport.CallTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &lc.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := config.ParseDuration(d.raw)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_rounds") {
		lc.Match.MaxRounds = raw.MaxRounds
	}
	if meta.IsDefined("max_callback_failures") {
		lc.Match.MaxCallbackFailures = raw.MaxCallbackFailures
	}
	if meta.IsDefined("max_points_per_action") {
		cfg.MaxPointsPerAction = raw.MaxPointsPerAction
	}

	policies, err := buildPolicies(meta, raw)
	if err != nil {
		return serviceConfig{}, err
	}
	lc.Matchmaking.Policies = policies

	if meta.IsDefined("tls") {
		lc.Transport.TLS.Enabled = raw.TLS.Enabled
		lc.Transport.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
		lc.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
		lc.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
		lc.Transport.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}

	raw.SocketAddr, raw.StubAddr = lc.SocketAddr, lc.StubAddr
	if err := config.ValidatePartydConfig(raw); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

// buildPolicies starts from the default policies, keeps only party_sizes
// when set, and applies [[queues]] overrides.
func buildPolicies(meta toml.MetaData, raw config.PartydFile) (map[int]matchmaking.Policy, error) {
	defaults := matchmaking.DefaultConfig().Policies
	out := make(map[int]matchmaking.Policy, len(defaults))
	for size, p := range defaults {
		out[size] = p
	}
	if meta.IsDefined("party_sizes") {
		out = make(map[int]matchmaking.Policy, len(raw.PartySizes))
		for _, size := range raw.PartySizes {
			p, ok := defaults[size]
			if !ok {
				p = matchmaking.Policy{MinFill: size}
			}
			out[size] = p
		}
	}
	for i, q := range raw.Queues {
		window, err := config.ParseDuration(q.Window)
		if err != nil {
			return nil, fmt.Errorf("parse queues[%d].window: %w", i, err)
		}
		p := out[q.PartySize]
		if q.Window != "" {
			p.Window = window
		}
		if q.MinFill != 0 {
			p.MinFill = q.MinFill
		}
		out[q.PartySize] = p
	}
	return out, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
