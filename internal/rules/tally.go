package rules

import (
	"encoding/json"
	"fmt"
)

const (
	KindPoint   = "point"
	KindConcede = "concede"
)

// TallyState is the state of a Tally game.
type TallyState struct {
	Players  []string       `json:"players"`
	Points   map[string]int `json:"points"`
	Conceded string         `json:"conceded,omitempty"`
}

type pointPayload struct {
	N int `json:"n"`
}

// Tally is a minimal engine: "point" scores for the acting player and
// "concede" ends the match with the acting player as loser.
type Tally struct {
	// MaxPointsPerAction caps the n carried by a point payload. Zero means 1.
	MaxPointsPerAction int
}

var _ Engine = Tally{}

func (t Tally) NewGame(players []string) any {
	st := &TallyState{
		Players: append([]string(nil), players...),
		Points:  make(map[string]int, len(players)),
	}
	for _, p := range players {
		st.Points[p] = 0
	}
	return st
}

func (t Tally) IsLegal(state any, action Action) bool {
	st, ok := state.(*TallyState)
	if !ok || st.Conceded != "" {
		return false
	}
	if _, seated := st.Points[action.Player]; !seated {
		return false
	}
	switch action.Kind {
	case KindConcede:
		return true
	case KindPoint:
		n, err := t.points(action)
		return err == nil && n > 0
	default:
		return false
	}
}

func (t Tally) ApplyAction(state any, action Action) (any, error) {
	if !t.IsLegal(state, action) {
		return state, fmt.Errorf("%w: %s by %s", ErrIllegal, action.Kind, action.Player)
	}
	st := state.(*TallyState)
	next := &TallyState{
		Players:  st.Players,
		Points:   make(map[string]int, len(st.Points)),
		Conceded: st.Conceded,
	}
	for p, n := range st.Points {
		next.Points[p] = n
	}
	switch action.Kind {
	case KindPoint:
		n, _ := t.points(action)
		next.Points[action.Player] += n
	case KindConcede:
		next.Conceded = action.Player
	}
	return next, nil
}

func (t Tally) IsMatchOver(state any) (string, bool) {
	st, ok := state.(*TallyState)
	if !ok || st.Conceded == "" {
		return "", false
	}
	return st.Conceded, true
}

func (t Tally) Score(state any, player string) int {
	st, ok := state.(*TallyState)
	if !ok {
		return 0
	}
	return st.Points[player]
}

func (t Tally) points(action Action) (int, error) {
	if len(action.Payload) == 0 {
		return 1, nil
	}
	var p pointPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return 0, err
	}
	limit := t.MaxPointsPerAction
	if limit <= 0 {
		limit = 1
	}
	if p.N > limit {
		return 0, fmt.Errorf("%w: %d points exceeds %d", ErrIllegal, p.N, limit)
	}
	return p.N, nil
}
