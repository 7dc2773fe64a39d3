package lobby

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/partyctl/internal/match"
	"github.com/danmuck/partyctl/internal/matchmaking"
	"github.com/danmuck/partyctl/internal/spawner"
	"github.com/danmuck/partyctl/internal/transport"
)

var (
	ErrNoListeners     = errors.New("lobby: no listener configured")
	ErrInvalidCapacity = errors.New("lobby: invalid capacity")
)

// Config configures one lobby process. An empty address disables that
// listener.
type Config struct {
	NodeID      string
	SocketAddr  string
	StubAddr    string
	AdminAddr   string
	CORSOrigins []string

	// MaxSessions caps matches in flight; MaxPlayers caps registered clients.
	MaxSessions   int
	MaxPlayers    int
	LeaveGrace    time.Duration
	RecentMatches int

	HeartbeatInterval time.Duration

	Matchmaking matchmaking.Config
	Spawner     spawner.Config
	Match       match.Config
	Transport   transport.Config

	// CallbackTLS secures the connection the lobby dials back to stub
	// clients. Zero means plaintext.
	CallbackTLS transport.TLSConfig
}

func DefaultConfig() Config {
	return Config{
		NodeID:            "partyd.local",
		SocketAddr:        ":7101",
		StubAddr:          ":7100",
		AdminAddr:         ":7180",
		MaxSessions:       64,
		MaxPlayers:        250,
		LeaveGrace:        250 * time.Millisecond,
		RecentMatches:     32,
		HeartbeatInterval: 30 * time.Second,
		Matchmaking:       matchmaking.DefaultConfig(),
		Spawner:           spawner.Config{Workers: 64, SubmitTimeout: 2 * time.Second},
		Match:             match.DefaultConfig(),
		Transport:         transport.DefaultConfig(),
	}
}

// WithDefaults fills zero-valued limits. Addresses are left alone so callers
// can disable listeners.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = def.NodeID
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.LeaveGrace <= 0 {
		c.LeaveGrace = def.LeaveGrace
	}
	if c.RecentMatches <= 0 {
		c.RecentMatches = def.RecentMatches
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if len(c.Matchmaking.Policies) == 0 {
		c.Matchmaking.Policies = def.Matchmaking.Policies
	}
	if c.Spawner.Workers <= 0 {
		c.Spawner.Workers = c.MaxSessions
	}
	c.Match = c.Match.WithDefaults()
	c.Transport = c.Transport.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.SocketAddr == "" && c.StubAddr == "" {
		return fmt.Errorf("%w: need a socket or stub address", ErrNoListeners)
	}
	if c.MaxSessions <= 0 || c.MaxPlayers < 2 {
		return fmt.Errorf("%w: max_sessions=%d max_players=%d", ErrInvalidCapacity, c.MaxSessions, c.MaxPlayers)
	}
	if c.Spawner.Workers < c.MaxSessions {
		return fmt.Errorf("%w: %d workers cannot run %d sessions", ErrInvalidCapacity, c.Spawner.Workers, c.MaxSessions)
	}
	if c.Transport.TLS.Enabled {
		if err := c.Transport.ValidateServerTransport(); err != nil {
			return err
		}
	}
	return nil
}
