package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/lobby"
	"github.com/danmuck/partyctl/internal/match"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/rs/zerolog/log"
)

// Move is what a strategy does with an open turn.
type Move struct {
	Kind    string
	Payload json.RawMessage
	Pass    bool
	// Skip leaves the turn open until the lobby times it out.
	Skip bool
}

type Strategy interface {
	Play(notice match.TurnNotice, state *match.Snapshot) Move
}

type StrategyFunc func(notice match.TurnNotice, state *match.Snapshot) Move

func (f StrategyFunc) Play(notice match.TurnNotice, state *match.Snapshot) Move {
	return f(notice, state)
}

// Idle never acts.
type Idle struct{}

func (Idle) Play(match.TurnNotice, *match.Snapshot) Move {
	return Move{Skip: true}
}

// Passer passes every turn.
type Passer struct{}

func (Passer) Play(match.TurnNotice, *match.Snapshot) Move {
	return Move{Pass: true}
}

// Scorer claims N points per turn (one when N is zero).
type Scorer struct {
	N int
}

func (s Scorer) Play(match.TurnNotice, *match.Snapshot) Move {
	if s.N <= 1 {
		return Move{Kind: rules.KindPoint}
	}
	payload, _ := json.Marshal(map[string]int{"n": s.N})
	return Move{Kind: rules.KindPoint, Payload: payload}
}

// Quitter scores until its Turn-th turn of the session and concedes there.
type Quitter struct {
	Turn  int
	seen  int
	Inner Strategy
}

func (q *Quitter) Play(notice match.TurnNotice, state *match.Snapshot) Move {
	q.seen++
	if q.seen >= q.Turn {
		return Move{Kind: rules.KindConcede}
	}
	if q.Inner != nil {
		return q.Inner.Play(notice, state)
	}
	return Move{Kind: rules.KindPoint}
}

// NewStrategy builds a named strategy: score, pass, idle or concede.
func NewStrategy(name string, points, concedeAt int) (Strategy, error) {
	switch name {
	case "", "score":
		return Scorer{N: points}, nil
	case "pass":
		return Passer{}, nil
	case "idle":
		return Idle{}, nil
	case "concede":
		if concedeAt <= 0 {
			concedeAt = 1
		}
		return &Quitter{Turn: concedeAt, Inner: Scorer{N: points}}, nil
	default:
		return nil, fmt.Errorf("client: unknown strategy %q", name)
	}
}

// Event is one callback the lobby made on this player.
type Event struct {
	Method   string
	At       time.Time
	Notice   *match.TurnNotice
	Snapshot *match.Snapshot
	Winner   *match.SeatRef
	Score    *match.ScoreReport
}

// Player is the callback object a client exports. Turn callbacks run the
// strategy and submit its move before returning.
type Player struct {
	strategy Strategy
	session  *Session

	mu       sync.Mutex
	events   []Event
	last     *match.Snapshot
	winner   *match.SeatRef
	scores   map[int]int
	seat     int
	turns    int
	rejected int
	finished chan struct{}
	over     bool
	notify   chan Event
}

func NewPlayer(strategy Strategy) *Player {
	if strategy == nil {
		strategy = Idle{}
	}
	return &Player{
		strategy: strategy,
		scores:   make(map[int]int),
		seat:     -1,
		finished: make(chan struct{}),
		notify:   make(chan Event, 256),
	}
}

func (p *Player) EnableTurn(notice *match.TurnNotice, ack *match.Ack) error {
	n := *notice
	p.mu.Lock()
	p.turns++
	p.seat = n.TurnIndex
	state := p.last
	p.mu.Unlock()
	p.record(Event{Method: match.MethodEnableTurn, Notice: &n})

	p.mu.Lock()
	move := p.strategy.Play(n, state)
	p.mu.Unlock()
	if move.Skip || p.session == nil {
		return nil
	}

	deadline := n.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(p.session.opts.Config.CallTimeout)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var (
		reply lobby.ActionReply
		err   error
	)
	if move.Pass {
		reply, err = p.session.Pass(ctx)
	} else {
		reply, err = p.session.Submit(ctx, move.Kind, move.Payload)
	}
	if err != nil || !reply.Accepted {
		p.mu.Lock()
		p.rejected++
		p.mu.Unlock()
		log.Debug().
			Str("match", n.MatchID).
			Int("round", n.Round).
			Str("reason", reply.Reason).
			Err(err).
			Msg("client.Player move not accepted")
	}
	return nil
}

func (p *Player) DisableTurn(notice *match.TurnNotice, ack *match.Ack) error {
	n := *notice
	p.record(Event{Method: match.MethodDisableTurn, Notice: &n})
	return nil
}

func (p *Player) PushState(snap *match.Snapshot, ack *match.Ack) error {
	s := *snap
	p.mu.Lock()
	p.last = &s
	p.mu.Unlock()
	p.record(Event{Method: match.MethodPushState, Snapshot: &s})
	return nil
}

func (p *Player) ReportScore(report *match.ScoreReport, ack *match.Ack) error {
	r := *report
	p.mu.Lock()
	p.scores[r.Player.Seat] = r.Score
	p.mu.Unlock()
	p.record(Event{Method: match.MethodReportScore, Score: &r})
	return nil
}

func (p *Player) AnnounceWinner(winner *match.SeatRef, ack *match.Ack) error {
	w := *winner
	p.mu.Lock()
	p.winner = &w
	p.mu.Unlock()
	p.record(Event{Method: match.MethodAnnounceWinner, Winner: &w})

	p.mu.Lock()
	if !p.over {
		p.over = true
		close(p.finished)
	}
	p.mu.Unlock()
	return nil
}

// Finished closes once a winner is announced for the current match.
func (p *Player) Finished() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Reset clears per-match state before the session queues again.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.last = nil
	p.winner = nil
	p.scores = make(map[int]int)
	p.seat = -1
	p.turns = 0
	p.rejected = 0
	p.finished = make(chan struct{})
	p.over = false
}

// Updates delivers callbacks as they arrive. Events are dropped when the
// buffer is full; History keeps all of them.
func (p *Player) Updates() <-chan Event {
	return p.notify
}

func (p *Player) History() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *Player) Turns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turns
}

func (p *Player) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

func (p *Player) Winner() *match.SeatRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.winner
}

func (p *Player) LastState() *match.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Seat is this player's seat in the current match, learned from its first
// EnableTurn, or -1 before then.
func (p *Player) Seat() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seat
}

// Scores maps seat index to final score for the last match.
func (p *Player) Scores() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.scores))
	for k, v := range p.scores {
		out[k] = v
	}
	return out
}

// Summary is a one-line description of the last match for logs.
func (p *Player) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	winner := "none"
	if p.winner != nil {
		winner = fmt.Sprintf("seat%d", p.winner.Seat)
		if p.winner.DisplayHandle != "" {
			winner = p.winner.DisplayHandle
		}
	}
	return fmt.Sprintf("turns=%d rejected=%d winner=%s", p.turns, p.rejected, winner)
}

func (p *Player) record(ev Event) {
	ev.At = time.Now()
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	select {
	case p.notify <- ev:
	default:
	}
}
