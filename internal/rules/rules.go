// Package rules defines the game-engine contract the match coordinator drives.
// Engines own game state; the coordinator only stores it between turns and
// never looks inside.
package rules

import (
	"encoding/json"
	"errors"
)

var ErrIllegal = errors.New("rules: illegal action")

// Action is one move submitted by the active player.
type Action struct {
	Player  string          `json:"player"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Engine is implemented by a concrete game. State values must be safe to
// marshal as JSON; ApplyAction returns the next state instead of mutating.
type Engine interface {
	NewGame(players []string) any
	IsLegal(state any, action Action) bool
	ApplyAction(state any, action Action) (any, error)
	IsMatchOver(state any) (loser string, over bool)
	Score(state any, player string) int
}
