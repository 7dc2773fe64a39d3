// Package match runs one turn-based session: the per-match state record and
// the coordinator that owns it.
package match

import (
	"encoding/json"
	"time"

	"github.com/danmuck/partyctl/internal/registry"
)

type Phase string

const (
	PhaseForming Phase = "forming"
	PhaseActive  Phase = "active"
	PhaseScoring Phase = "scoring"
	PhaseClosed  Phase = "closed"
)

type Direction string

const (
	Ascending  Direction = "ascending"
	Descending Direction = "descending"
)

// Signal is what ends the coordinator's wait on a turn.
type Signal uint8

const (
	SignalActionTaken Signal = iota + 1
	SignalPassed
	SignalPlayerLeft
	SignalTimedOut
)

func (s Signal) String() string {
	switch s {
	case SignalActionTaken:
		return "action"
	case SignalPassed:
		return "pass"
	case SignalPlayerLeft:
		return "left"
	case SignalTimedOut:
		return "timeout"
	default:
		return "none"
	}
}

// PlayerRef points into the registry by token. It owns nothing; a missing
// registry entry means the player is unresponsive. The token never leaves the
// server: it is the only proof of identity a client holds.
type PlayerRef struct {
	Token         registry.Token `json:"-"`
	DisplayHandle string         `json:"display_handle"`
}

// SeatRef is how players see each other: seat index and display handle.
type SeatRef struct {
	Seat          int    `json:"seat"`
	DisplayHandle string `json:"display_handle"`
}

// State is the mutable match record. Only the coordinator touches it.
type State struct {
	MatchID   string
	Players   []PlayerRef
	Round     int
	TurnIndex int
	Direction Direction
	Loser     *PlayerRef
	Winner    *PlayerRef
	Phase     Phase
	Game      any
}

// SeatView is one player as seen in a snapshot.
type SeatView struct {
	SeatRef
	Responsive bool `json:"responsive"`
}

// Snapshot is an immutable copy of the match pushed to clients.
type Snapshot struct {
	MatchID      string          `json:"match_id"`
	Phase        Phase           `json:"phase"`
	Players      []SeatView      `json:"players"`
	Round        int             `json:"round"`
	MaxRounds    int             `json:"max_rounds"`
	TurnIndex    int             `json:"turn_index"`
	Direction    Direction       `json:"direction"`
	Active       int             `json:"active"` // seat holding the open turn, -1 when none
	TurnDeadline time.Time       `json:"turn_deadline,omitempty"`
	Turns        int             `json:"turns"`
	Loser        *SeatRef        `json:"loser,omitempty"`
	Winner       *SeatRef        `json:"winner,omitempty"`
	Game         json.RawMessage `json:"game,omitempty"`
}

// TurnNotice is the argument to EnableTurn and DisableTurn callbacks.
type TurnNotice struct {
	MatchID   string    `json:"match_id"`
	Round     int       `json:"round"`
	TurnIndex int       `json:"turn_index"`
	Direction Direction `json:"direction"`
	Deadline  time.Time `json:"deadline"`
}

// ScoreReport is the argument to ReportScore.
type ScoreReport struct {
	MatchID string  `json:"match_id"`
	Player  SeatRef `json:"player"`
	Score   int     `json:"score"`
}

// Ack is the empty reply to every callback.
type Ack struct{}

// Client callback methods, invoked on the key each client exported.
// AnnounceWinner takes a SeatRef.
const (
	MethodEnableTurn     = "EnableTurn"
	MethodDisableTurn    = "DisableTurn"
	MethodPushState      = "PushState"
	MethodAnnounceWinner = "AnnounceWinner"
	MethodReportScore    = "ReportScore"
)

// Outcomes recorded when a match closes.
const (
	OutcomeCompleted = "completed"
	OutcomeLoser     = "loser"
	OutcomeWalkover  = "walkover"
	OutcomeAbandoned = "abandoned"
	OutcomeCancelled = "cancelled"
	OutcomeFault     = "fault"
)

// Result summarizes a closed match.
type Result struct {
	MatchID  string        `json:"match_id"`
	Outcome  string        `json:"outcome"`
	Players  []PlayerRef   `json:"players"`
	Winner   *PlayerRef    `json:"winner,omitempty"`
	Loser    *PlayerRef    `json:"loser,omitempty"`
	Scores   []ScoreReport `json:"scores,omitempty"`
	Turns    int           `json:"turns"`
	Duration time.Duration `json:"duration"`
}
