package lobby

import (
	"encoding/json"
	"time"

	"github.com/danmuck/partyctl/internal/match"
	"github.com/danmuck/partyctl/internal/registry"
)

const (
	// ObjectName is the key the lobby exports its call surface under.
	ObjectName = "Lobby"
	// DefaultCallbackKey is used when a client leaves StartArgs.CallbackKey empty.
	DefaultCallbackKey = "Player"
)

type StartStatus string

const (
	StatusAccepted   StartStatus = "accepted"
	StatusServerBusy StartStatus = "server_busy"
)

type SessionState string

const (
	StateWaiting  SessionState = "waiting"
	StateStarting SessionState = "starting" // grouped, match not seated yet
	StatePlaying  SessionState = "playing"
	StateIdle     SessionState = "idle"
	StateUnknown  SessionState = "unknown"
)

// StartArgs asks for a seat in a party of PartySize. Stub clients set
// CallbackAddr to the listener the lobby dials back to. A known Token
// re-queues an idle client without registering again.
type StartArgs struct {
	PartySize     int            `json:"party_size"`
	DisplayHandle string         `json:"display_handle"`
	CallbackKey   string         `json:"callback_key,omitempty"`
	CallbackAddr  string         `json:"callback_addr,omitempty"`
	Token         registry.Token `json:"token,omitempty"`
}

type StartReply struct {
	Token  registry.Token `json:"token,omitempty"`
	Status StartStatus    `json:"status"`
}

type ActionArgs struct {
	Token   registry.Token  `json:"token"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ActionReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type TokenArgs struct {
	Token registry.Token `json:"token"`
}

type LeaveReply struct {
	Left bool `json:"left"`
}

type PingReply struct {
	Token      registry.Token `json:"token"`
	Known      bool           `json:"known"`
	ServerTime time.Time      `json:"server_time"`
}

type StatusReply struct {
	State     SessionState    `json:"state"`
	PartySize int             `json:"party_size,omitempty"`
	MatchID   string          `json:"match_id,omitempty"`
	Snapshot  *match.Snapshot `json:"snapshot,omitempty"`
}
