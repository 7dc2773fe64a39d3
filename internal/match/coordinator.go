package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInMatch         = errors.New("match: player not in match")
	ErrNotYourTurn        = errors.New("match: not your turn")
	ErrWindowClosed       = errors.New("match: turn window closed")
	ErrIllegalAction      = errors.New("match: illegal action")
	ErrMatchClosed        = errors.New("match: closed")
	ErrPlayerUnresponsive = errors.New("match: player unresponsive")
)

type Config struct {
	TurnTimeout         time.Duration
	MaxRounds           int
	MaxCallbackFailures int
	CallbackTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		TurnTimeout:         10 * time.Second,
		MaxRounds:           10,
		MaxCallbackFailures: 2,
		CallbackTimeout:     5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = def.TurnTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxCallbackFailures <= 0 {
		c.MaxCallbackFailures = def.MaxCallbackFailures
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = def.CallbackTimeout
	}
	return c
}

// Leaser hands out counted references to player channels.
type Leaser interface {
	Acquire(token registry.Token) (*registry.Lease, error)
}

type Options struct {
	MatchID   string
	Config    Config
	Engine    rules.Engine
	Directory Leaser
	OnClosed  func(Result)
}

// Coordinator drives one match. Exactly one goroutine runs it; action
// submissions from other goroutines only mutate state while the active
// player's turn window is open.
type Coordinator struct {
	cfg      Config
	engine   rules.Engine
	dir      Leaser
	onClosed func(Result)

	mu         sync.Mutex
	state      State
	responsive []bool
	failures   []int
	windowOpen bool
	deadline   time.Time
	turns      int
	walkover   *PlayerRef
	fault      error
	result     Result

	signal    chan Signal
	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

func NewCoordinator(players []PlayerRef, opts Options) (*Coordinator, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("match: need at least 2 players, got %d", len(players))
	}
	if opts.Engine == nil || opts.Directory == nil {
		return nil, fmt.Errorf("match: engine and directory are required")
	}
	id := opts.MatchID
	if id == "" {
		id = uuid.NewString()
	}
	seats := make([]string, len(players))
	for i := range players {
		seats[i] = seatID(i)
	}
	responsive := make([]bool, len(players))
	for i := range responsive {
		responsive[i] = true
	}
	return &Coordinator{
		cfg:      opts.Config.WithDefaults(),
		engine:   opts.Engine,
		dir:      opts.Directory,
		onClosed: opts.OnClosed,
		state: State{
			MatchID:   id,
			Players:   append([]PlayerRef(nil), players...),
			Round:     1,
			Direction: Ascending,
			Phase:     PhaseForming,
			Game:      opts.Engine.NewGame(seats),
		},
		responsive: responsive,
		failures:   make([]int, len(players)),
		signal:     make(chan Signal, 1),
		done:       make(chan struct{}),
	}, nil
}

func (c *Coordinator) ID() string {
	return c.state.MatchID
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// Seat returns the seat index of token, or -1.
func (c *Coordinator) Seat(token registry.Token) int {
	for i, p := range c.state.Players {
		if p.Token == token {
			return i
		}
	}
	return -1
}

// Result is valid once Done is closed.
func (c *Coordinator) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Run plays the match to closed. A panic closes only this match.
func (c *Coordinator) Run(ctx context.Context) {
	c.startedAt = time.Now()
	outcome := OutcomeCompleted
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("match", c.ID()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("match.Coordinator.Run recovered panic")
			outcome = OutcomeFault
		}
		c.release(outcome)
	}()

	c.setPhase(PhaseActive)
	log.Info().Str("match", c.ID()).Int("players", len(c.state.Players)).Int("rounds", c.cfg.MaxRounds).
		Msg("match.Coordinator.Run started")

	outcome = c.play(ctx)
	if outcome == OutcomeAbandoned || outcome == OutcomeCancelled || outcome == OutcomeFault {
		return
	}
	c.setPhase(PhaseScoring)
	c.score(ctx)
}

func (c *Coordinator) play(ctx context.Context) string {
	for _, slot := range SnakeOrder(len(c.state.Players), c.cfg.MaxRounds) {
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		if outcome, stop := c.checkRoster(); stop {
			return outcome
		}
		if !c.isResponsive(slot.TurnIndex) {
			continue
		}
		c.turn(ctx, slot)

		c.mu.Lock()
		fault := c.fault
		game := c.state.Game
		c.mu.Unlock()
		loser, over := c.engine.IsMatchOver(game)
		if over {
			c.mu.Lock()
			c.state.Loser = c.refForSeat(loser)
			c.mu.Unlock()
		}
		if fault != nil {
			log.Error().Str("match", c.ID()).Err(fault).Msg("match.Coordinator.play engine fault")
			return OutcomeFault
		}
		if over {
			log.Info().Str("match", c.ID()).Str("loser_seat", loser).Msg("match.Coordinator.play loser decided")
			return OutcomeLoser
		}
	}
	if ctx.Err() != nil {
		return OutcomeCancelled
	}
	if outcome, stop := c.checkRoster(); stop {
		return outcome
	}
	return OutcomeCompleted
}

// checkRoster ends play when nobody or only one player is left answering.
func (c *Coordinator) checkRoster() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := -1
	count := 0
	for i, ok := range c.responsive {
		if ok {
			alive = i
			count++
		}
	}
	switch {
	case count == 0:
		return OutcomeAbandoned, true
	case count == 1:
		ref := c.state.Players[alive]
		c.walkover = &ref
		return OutcomeWalkover, true
	default:
		return "", false
	}
}

// turn runs one snake slot. Every other responsive seat is shut before the
// active one is enabled, and the active seat is shut again on every exit so
// at most one client ever holds an enabled turn.
func (c *Coordinator) turn(ctx context.Context, slot Slot) {
	c.mu.Lock()
	c.state.Round = slot.Round
	c.state.TurnIndex = slot.TurnIndex
	c.state.Direction = slot.Direction
	c.drainSignalLocked()
	deadline := time.Now().Add(c.cfg.TurnTimeout)
	c.deadline = deadline
	notice := TurnNotice{
		MatchID:   c.state.MatchID,
		Round:     slot.Round,
		TurnIndex: slot.TurnIndex,
		Direction: slot.Direction,
		Deadline:  deadline,
	}
	active := c.state.Players[slot.TurnIndex]
	c.mu.Unlock()

	c.broadcastExcept(ctx, slot.TurnIndex, MethodDisableTurn, notice)

	// Clients may act from inside EnableTurn, so the window opens first.
	c.mu.Lock()
	c.windowOpen = c.responsive[slot.TurnIndex]
	c.mu.Unlock()
	enabled := c.callback(ctx, slot.TurnIndex, MethodEnableTurn, notice)

	var sig Signal
	if enabled {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case sig = <-c.signal:
		case <-timer.C:
			sig = SignalTimedOut
		case <-ctx.Done():
		}
		timer.Stop()
	}

	c.mu.Lock()
	c.windowOpen = false
	if sig == 0 {
		// An action or pass made inside a failed EnableTurn still ends the turn.
		select {
		case sig = <-c.signal:
		default:
		}
	}
	if sig != 0 {
		c.turns++
	}
	c.mu.Unlock()

	if sig == 0 {
		observability.RecordTurn("skipped")
	} else {
		observability.RecordTurn(sig.String())
	}
	log.Debug().
		Str("match", c.ID()).
		Str("player", string(active.Token)).
		Int("round", slot.Round).
		Int("turn_index", slot.TurnIndex).
		Str("direction", string(slot.Direction)).
		Bool("enabled", enabled).
		Str("ended_by", sig.String()).
		Msg("match.Coordinator.turn")

	if c.isResponsive(slot.TurnIndex) {
		c.callback(ctx, slot.TurnIndex, MethodDisableTurn, notice)
	}
	c.pushState(ctx)
}

func (c *Coordinator) score(ctx context.Context) {
	c.mu.Lock()
	game := c.state.Game
	players := append([]PlayerRef(nil), c.state.Players...)
	loser := c.state.Loser
	walkover := c.walkover
	c.mu.Unlock()

	scores := make([]ScoreReport, len(players))
	for i, p := range players {
		scores[i] = ScoreReport{
			MatchID: c.ID(),
			Player:  SeatRef{Seat: i, DisplayHandle: p.DisplayHandle},
			Score:   c.engine.Score(game, seatID(i)),
		}
	}

	winner := walkover
	if winner == nil {
		best := -1
		for i, s := range scores {
			if loser != nil && players[i].Token == loser.Token {
				continue
			}
			if best < 0 || s.Score > scores[best].Score {
				best = i
			}
		}
		if best >= 0 {
			ref := players[best]
			winner = &ref
		}
	}

	c.mu.Lock()
	c.state.Winner = winner
	c.result.Scores = scores
	c.mu.Unlock()

	c.pushState(ctx)
	for _, s := range scores {
		c.broadcast(ctx, MethodReportScore, s)
	}
	if winner != nil {
		c.broadcast(ctx, MethodAnnounceWinner, SeatRef{Seat: c.Seat(winner.Token), DisplayHandle: winner.DisplayHandle})
	}
}

// release closes the match exactly once.
func (c *Coordinator) release(outcome string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Phase = PhaseClosed
		c.windowOpen = false
		c.result.MatchID = c.state.MatchID
		c.result.Outcome = outcome
		c.result.Players = append([]PlayerRef(nil), c.state.Players...)
		c.result.Winner = c.state.Winner
		c.result.Loser = c.state.Loser
		c.result.Turns = c.turns
		c.result.Duration = time.Since(c.startedAt)
		result := c.result
		c.mu.Unlock()

		close(c.done)
		observability.RecordMatchClosed(outcome, result.Duration)
		log.Info().
			Str("match", result.MatchID).
			Str("outcome", outcome).
			Int("turns", result.Turns).
			Dur("duration", result.Duration).
			Msg("match.Coordinator closed")
		if c.onClosed != nil {
			c.onClosed(result)
		}
	})
}

// SubmitAction applies action for token if it is that player's open turn.
func (c *Coordinator) SubmitAction(token registry.Token, action rules.Action) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.checkTurnLocked(token)
	if err != nil {
		return err
	}
	action.Player = seatID(idx)

	defer func() {
		if r := recover(); r != nil {
			c.fault = fmt.Errorf("engine panic on %s: %v", action.Kind, r)
			c.windowOpen = false
			c.sendSignal(SignalActionTaken)
			err = fmt.Errorf("%w: engine failure", ErrIllegalAction)
		}
	}()
	if !c.engine.IsLegal(c.state.Game, action) {
		return fmt.Errorf("%w: %s", ErrIllegalAction, action.Kind)
	}
	next, err := c.engine.ApplyAction(c.state.Game, action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalAction, err)
	}
	c.state.Game = next
	c.failures[idx] = 0
	c.windowOpen = false
	c.sendSignal(SignalActionTaken)
	return nil
}

// PassTurn ends token's open turn without an action.
func (c *Coordinator) PassTurn(token registry.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.checkTurnLocked(token); err != nil {
		return err
	}
	c.windowOpen = false
	c.sendSignal(SignalPassed)
	return nil
}

// MarkUnresponsive records that token left. Its remaining turns are skipped;
// if it holds the open turn the coordinator stops waiting for it.
func (c *Coordinator) MarkUnresponsive(token registry.Token, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.Seat(token)
	if idx < 0 || !c.responsive[idx] {
		return false
	}
	c.markUnresponsiveLocked(idx, reason)
	return true
}

func (c *Coordinator) markUnresponsiveLocked(idx int, reason string) {
	c.responsive[idx] = false
	log.Warn().
		Str("match", c.state.MatchID).
		Str("player", string(c.state.Players[idx].Token)).
		Str("reason", reason).
		Err(ErrPlayerUnresponsive).
		Msg("match.Coordinator player unresponsive")
	if c.windowOpen && c.state.TurnIndex == idx {
		c.windowOpen = false
		c.sendSignal(SignalPlayerLeft)
	}
}

func (c *Coordinator) checkTurnLocked(token registry.Token) (int, error) {
	if c.state.Phase == PhaseClosed || c.state.Phase == PhaseScoring {
		return -1, ErrMatchClosed
	}
	idx := c.Seat(token)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrNotInMatch, token)
	}
	if c.state.Phase != PhaseActive || !c.windowOpen {
		return idx, ErrWindowClosed
	}
	if c.state.TurnIndex != idx {
		return idx, ErrNotYourTurn
	}
	return idx, nil
}

func (c *Coordinator) drainSignalLocked() {
	select {
	case <-c.signal:
	default:
	}
}

func (c *Coordinator) sendSignal(sig Signal) {
	select {
	case c.signal <- sig:
	default:
	}
}

// Snapshot copies the current state for clients and admin views.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	seats := make([]SeatView, len(c.state.Players))
	for i, p := range c.state.Players {
		seats[i] = SeatView{SeatRef: SeatRef{Seat: i, DisplayHandle: p.DisplayHandle}, Responsive: c.responsive[i]}
	}
	snap := Snapshot{
		MatchID:   c.state.MatchID,
		Phase:     c.state.Phase,
		Players:   seats,
		Round:     c.state.Round,
		MaxRounds: c.cfg.MaxRounds,
		TurnIndex: c.state.TurnIndex,
		Direction: c.state.Direction,
		Active:    -1,
		Turns:     c.turns,
		Loser:     c.seatRef(c.state.Loser),
		Winner:    c.seatRef(c.state.Winner),
	}
	if c.windowOpen {
		snap.Active = c.state.TurnIndex
		snap.TurnDeadline = c.deadline
	}
	if raw, err := json.Marshal(c.state.Game); err == nil {
		snap.Game = raw
	} else {
		log.Warn().Str("match", c.state.MatchID).Err(err).Msg("match.Coordinator snapshot game encode failed")
	}
	return snap
}

func (c *Coordinator) pushState(ctx context.Context) {
	c.broadcast(ctx, MethodPushState, c.Snapshot())
}

// broadcast calls method on every responsive player concurrently.
func (c *Coordinator) broadcast(ctx context.Context, method string, args any) {
	c.broadcastExcept(ctx, -1, method, args)
}

func (c *Coordinator) broadcastExcept(ctx context.Context, skip int, method string, args any) {
	var wg sync.WaitGroup
	for i := range c.state.Players {
		if i == skip || !c.isResponsive(i) {
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c.callback(ctx, idx, method, args)
		}(i)
	}
	wg.Wait()
}

// callback invokes method on one player's exported handle. It reports false
// when the player could not be reached. A gone channel marks the player
// unresponsive at once; transport failures do after MaxCallbackFailures in a
// row. Application errors from the client count as delivered.
func (c *Coordinator) callback(ctx context.Context, idx int, method string, args any) bool {
	player := c.state.Players[idx]
	start := time.Now()
	lease, err := c.dir.Acquire(player.Token)
	if err != nil {
		observability.RecordCallback(method, "gone", time.Since(start))
		c.mu.Lock()
		if c.responsive[idx] {
			c.markUnresponsiveLocked(idx, err.Error())
		}
		c.mu.Unlock()
		return false
	}
	defer lease.Release()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallbackTimeout)
	defer cancel()
	err = lease.Invoke(callCtx, method, args, &Ack{})

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.failures[idx] = 0
		observability.RecordCallback(method, "ok", time.Since(start))
		return true
	case transport.IsFailure(err):
		c.failures[idx]++
		observability.RecordCallback(method, "transport", time.Since(start))
		log.Debug().
			Str("match", c.state.MatchID).
			Str("player", string(player.Token)).
			Str("method", method).
			Int("failures", c.failures[idx]).
			Err(err).
			Msg("match.Coordinator.callback failed")
		if c.failures[idx] >= c.cfg.MaxCallbackFailures && c.responsive[idx] {
			c.markUnresponsiveLocked(idx, "callback failures")
		}
		return false
	default:
		observability.RecordCallback(method, "remote_error", time.Since(start))
		log.Warn().
			Str("match", c.state.MatchID).
			Str("player", string(player.Token)).
			Str("method", method).
			Err(err).
			Msg("match.Coordinator.callback client error")
		return true
	}
}

func (c *Coordinator) isResponsive(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responsive[idx]
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
}

// Engines see players by seat id so game state never carries session tokens.
func seatID(i int) string { return strconv.Itoa(i) }

func (c *Coordinator) refForSeat(id string) *PlayerRef {
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 0 || idx >= len(c.state.Players) {
		return nil
	}
	ref := c.state.Players[idx]
	return &ref
}

func (c *Coordinator) seatRef(ref *PlayerRef) *SeatRef {
	if ref == nil {
		return nil
	}
	return &SeatRef{Seat: c.Seat(ref.Token), DisplayHandle: ref.DisplayHandle}
}
