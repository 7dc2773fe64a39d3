package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PartydFile is the on-disk shape of a partyd config. Durations are strings
// parsed with time.ParseDuration.
type PartydFile struct {
	NodeID      string   `toml:"node_id"`
	SocketAddr  string   `toml:"socket_addr"`
	StubAddr    string   `toml:"stub_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`

	MaxSessions    int    `toml:"max_sessions"`
	MaxPlayers     int    `toml:"max_players"`
	SpawnerWorkers int    `toml:"spawner_workers"`
	SubmitTimeout  string `toml:"submit_timeout"`

	PartySizes []int         `toml:"party_sizes"`
	Queues     []QueueConfig `toml:"queues"`

	TurnTimeout         string `toml:"turn_timeout"`
	MaxRounds           int    `toml:"max_rounds"`
	CallbackTimeout     string `toml:"callback_timeout"`
	MaxCallbackFailures int    `toml:"max_callback_failures"`
	MaxPointsPerAction  int    `toml:"max_points_per_action"`

	CallTimeout       string `toml:"call_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`

	TLS TLSConfig `toml:"tls"`
}

// QueueConfig sets the formation policy for one party size.
type QueueConfig struct {
	PartySize int    `toml:"party_size"`
	Window    string `toml:"window"`
	MinFill   int    `toml:"min_fill"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

// BotFile is the on-disk shape of a partybot config.
type BotFile struct {
	Addr           string `toml:"addr"`
	Transport      string `toml:"transport"`
	PartySize      int    `toml:"party_size"`
	Handle         string `toml:"handle"`
	Strategy       string `toml:"strategy"`
	Points         int    `toml:"points"`
	ConcedeAt      int    `toml:"concede_at"`
	Games          int    `toml:"games"`
	CallbackListen string `toml:"callback_listen"`
	CallbackAddr   string `toml:"callback_advertise"`
}

var (
	ErrUnknownField = errors.New("config: unknown field")
	ErrInvalid      = errors.New("config: invalid")
)

var supportedSizes = map[int]bool{2: true, 3: true, 4: true}

var botStrategies = map[string]bool{"score": true, "pass": true, "idle": true, "concede": true}

func LoadPartydConfig(path string) (PartydFile, error) {
	var cfg PartydFile
	if err := loadToml(path, &cfg); err != nil {
		return PartydFile{}, err
	}
	if err := ValidatePartydConfig(cfg); err != nil {
		return PartydFile{}, err
	}
	return cfg, nil
}

func LoadBotConfig(path string) (BotFile, error) {
	var cfg BotFile
	if err := loadToml(path, &cfg); err != nil {
		return BotFile{}, err
	}
	if cfg.Transport == "" {
		cfg.Transport = "socket"
	}
	if err := ValidateBotConfig(cfg); err != nil {
		return BotFile{}, err
	}
	return cfg, nil
}

// loadToml decodes strictly so a misspelled key fails validation instead of
// silently keeping its default.
func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w (%s): %s", ErrUnknownField, path, strings.TrimSpace(strict.String()))
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidatePartydConfig(cfg PartydFile) error {
	if strings.TrimSpace(cfg.SocketAddr) == "" && strings.TrimSpace(cfg.StubAddr) == "" {
		return fmt.Errorf("%w: partyd config needs socket_addr or stub_addr", ErrInvalid)
	}
	if cfg.MaxSessions < 0 || cfg.MaxPlayers < 0 || cfg.SpawnerWorkers < 0 {
		return fmt.Errorf("%w: capacities must not be negative", ErrInvalid)
	}
	if cfg.MaxPlayers == 1 {
		return fmt.Errorf("%w: max_players must allow a party", ErrInvalid)
	}
	if cfg.SpawnerWorkers > 0 && cfg.MaxSessions > cfg.SpawnerWorkers {
		return fmt.Errorf("%w: spawner_workers (%d) below max_sessions (%d)", ErrInvalid, cfg.SpawnerWorkers, cfg.MaxSessions)
	}
	for _, size := range cfg.PartySizes {
		if !supportedSizes[size] {
			return fmt.Errorf("%w: party size %d", ErrInvalid, size)
		}
	}
	seen := make(map[int]bool)
	for i, q := range cfg.Queues {
		if err := ValidateQueueEntry(q); err != nil {
			return fmt.Errorf("queues[%d] invalid: %w", i, err)
		}
		if seen[q.PartySize] {
			return fmt.Errorf("queues[%d] invalid: %w: duplicate party size %d", i, ErrInvalid, q.PartySize)
		}
		seen[q.PartySize] = true
	}
	for name, raw := range map[string]string{
		"submit_timeout":     cfg.SubmitTimeout,
		"turn_timeout":       cfg.TurnTimeout,
		"callback_timeout":   cfg.CallbackTimeout,
		"call_timeout":       cfg.CallTimeout,
		"heartbeat_interval": cfg.HeartbeatInterval,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.TLS.Enabled && (strings.TrimSpace(cfg.TLS.CertFile) == "" || strings.TrimSpace(cfg.TLS.KeyFile) == "") {
		return fmt.Errorf("%w: tls requires cert_file and key_file", ErrInvalid)
	}
	return nil
}

func ValidateQueueEntry(q QueueConfig) error {
	if !supportedSizes[q.PartySize] {
		return fmt.Errorf("%w: party size %d", ErrInvalid, q.PartySize)
	}
	window, err := ParseDuration(q.Window)
	if err != nil {
		return err
	}
	if q.MinFill != 0 && q.MinFill < 2 {
		return fmt.Errorf("%w: min_fill %d below 2", ErrInvalid, q.MinFill)
	}
	if q.MinFill > 0 && q.MinFill < q.PartySize && window <= 0 {
		return fmt.Errorf("%w: partial fill for %d needs a window", ErrInvalid, q.PartySize)
	}
	return nil
}

func ValidateBotConfig(cfg BotFile) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: bot config missing addr", ErrInvalid)
	}
	switch cfg.Transport {
	case "socket", "stub":
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, cfg.Transport)
	}
	if cfg.PartySize != 0 && !supportedSizes[cfg.PartySize] {
		return fmt.Errorf("%w: party size %d", ErrInvalid, cfg.PartySize)
	}
	if cfg.Strategy != "" && !botStrategies[cfg.Strategy] {
		return fmt.Errorf("%w: strategy %q", ErrInvalid, cfg.Strategy)
	}
	if cfg.Games < 0 {
		return fmt.Errorf("%w: games must not be negative", ErrInvalid)
	}
	return nil
}

// ParseDuration accepts an empty string as zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrInvalid, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: duration %q is negative", ErrInvalid, raw)
	}
	return d, nil
}
