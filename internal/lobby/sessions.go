package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/partyctl/internal/match"
	"github.com/danmuck/partyctl/internal/matchmaking"
	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// startSession registers the caller and queues it for a party. ch is the
// channel the call arrived on, or nil for stub calls.
func (s *Service) startSession(ch transport.Channel, args StartArgs) (StartReply, error) {
	if !s.mm.Supports(args.PartySize) {
		return StartReply{}, fmt.Errorf("%w: %d", matchmaking.ErrUnsupportedSize, args.PartySize)
	}
	kind := transport.KindStub
	if ch != nil {
		kind = ch.Kind()
	}
	if args.Token != "" {
		return s.requeue(kind, args)
	}
	if s.busy() {
		observability.RecordSessionStart(kind.String(), string(StatusServerBusy))
		return StartReply{Status: StatusServerBusy}, nil
	}

	dialed := false
	if ch == nil {
		var err error
		if ch, err = s.dialBack(args); err != nil {
			return StartReply{}, err
		}
		dialed = true
	}
	key := args.CallbackKey
	if key == "" {
		key = DefaultCallbackKey
	}
	token, err := s.reg.Register(ch, args.DisplayHandle, key)
	if err != nil {
		if dialed {
			_ = ch.Close()
		}
		if errors.Is(err, registry.ErrFull) {
			observability.RecordSessionStart(kind.String(), string(StatusServerBusy))
			return StartReply{Status: StatusServerBusy}, nil
		}
		return StartReply{}, err
	}
	if err := s.mm.Enqueue(token, args.PartySize); err != nil {
		s.reg.Unregister(token)
		return StartReply{}, err
	}
	go s.reg.Watch(s.runContext(), token, s.channelGone)

	observability.RecordSessionStart(kind.String(), string(StatusAccepted))
	log.Info().
		Str("token", string(token)).
		Str("handle", args.DisplayHandle).
		Str("transport", kind.String()).
		Int("party_size", args.PartySize).
		Msg("lobby.Service.startSession accepted")
	return StartReply{Token: token, Status: StatusAccepted}, nil
}

// requeue puts a registered client back in a queue. A match that is
// already scoring no longer holds its players.
func (s *Service) requeue(kind transport.Kind, args StartArgs) (StartReply, error) {
	if _, err := s.reg.Resolve(args.Token); err != nil {
		return StartReply{}, err
	}
	if s.isLeaving(args.Token) {
		return StartReply{}, fmt.Errorf("%w: %s", ErrSessionEnded, args.Token)
	}
	if s.isPending(args.Token) {
		return StartReply{}, fmt.Errorf("%w: match starting", ErrInMatch)
	}
	if coord := s.matchFor(args.Token); coord != nil {
		if phase := coord.Phase(); phase != match.PhaseScoring && phase != match.PhaseClosed {
			return StartReply{}, fmt.Errorf("%w: %s", ErrInMatch, coord.ID())
		}
	}
	if s.InFlight() >= s.cfg.MaxSessions {
		observability.RecordSessionStart(kind.String(), string(StatusServerBusy))
		return StartReply{Status: StatusServerBusy}, nil
	}
	if err := s.mm.Enqueue(args.Token, args.PartySize); err != nil {
		return StartReply{}, err
	}
	observability.RecordSessionStart(kind.String(), string(StatusAccepted))
	log.Info().
		Str("token", string(args.Token)).
		Int("party_size", args.PartySize).
		Msg("lobby.Service.startSession requeued")
	return StartReply{Token: args.Token, Status: StatusAccepted}, nil
}

func (s *Service) dialBack(args StartArgs) (transport.Channel, error) {
	if args.CallbackAddr == "" {
		return nil, ErrCallbackRequired
	}
	cfg := s.cfg.Transport
	cfg.TLS = s.cfg.CallbackTLS
	cfg.MaxConnectAttempts = 2
	ctx, cancel := context.WithTimeout(s.runContext(), 2*cfg.ConnectTimeout)
	defer cancel()
	ch, err := transport.Dial(ctx, transport.DialOptions{
		Kind:   transport.KindStub,
		Addr:   args.CallbackAddr,
		Config: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCallbackUnreachable, args.CallbackAddr, err)
	}
	return ch, nil
}

func (s *Service) submitAction(args ActionArgs) (ActionReply, error) {
	coord, err := s.activeMatch(args.Token)
	if err != nil {
		return ActionReply{}, err
	}
	if coord == nil {
		return ActionReply{Reason: match.ErrNotInMatch.Error()}, nil
	}
	err = coord.SubmitAction(args.Token, rules.Action{Kind: args.Kind, Payload: args.Payload})
	return actionReply(err), nil
}

func (s *Service) passTurn(token registry.Token) (ActionReply, error) {
	coord, err := s.activeMatch(token)
	if err != nil {
		return ActionReply{}, err
	}
	if coord == nil {
		return ActionReply{Reason: match.ErrNotInMatch.Error()}, nil
	}
	return actionReply(coord.PassTurn(token)), nil
}

func actionReply(err error) ActionReply {
	if err != nil {
		return ActionReply{Reason: err.Error()}
	}
	return ActionReply{Accepted: true}
}

// activeMatch returns the match token plays in, nil when it is registered but
// not seated, or an error for an unknown token.
func (s *Service) activeMatch(token registry.Token) (*match.Coordinator, error) {
	if coord := s.matchFor(token); coord != nil {
		return coord, nil
	}
	if _, err := s.reg.Resolve(token); err != nil {
		return nil, unknownToken(token)
	}
	return nil, nil
}

// leaveSession withdraws token wherever it is. The registration is dropped
// after LeaveGrace so the reply can still reach the client; until then the
// token cannot queue again and a repeat leave reports false.
func (s *Service) leaveSession(token registry.Token) bool {
	if _, err := s.reg.Resolve(token); err != nil {
		return false
	}
	s.mu.Lock()
	if s.leaving[token] {
		s.mu.Unlock()
		return false
	}
	s.leaving[token] = true
	s.mu.Unlock()

	withdrawn := s.mm.Withdraw(token)
	marked := false
	if coord := s.matchFor(token); coord != nil {
		marked = coord.MarkUnresponsive(token, "left")
	}
	time.AfterFunc(s.cfg.LeaveGrace, func() {
		s.mm.Withdraw(token)
		s.reg.Unregister(token)
		s.mu.Lock()
		delete(s.leaving, token)
		s.mu.Unlock()
	})
	log.Info().
		Str("token", string(token)).
		Bool("withdrawn", withdrawn).
		Bool("left_match", marked).
		Msg("lobby.Service.leaveSession")
	return true
}

// channelGone runs when a registered channel closes underneath the lobby.
func (s *Service) channelGone(token registry.Token) {
	withdrawn := s.mm.Withdraw(token)
	if coord := s.matchFor(token); coord != nil {
		coord.MarkUnresponsive(token, "channel closed")
	}
	log.Info().Str("token", string(token)).Bool("withdrawn", withdrawn).Msg("lobby.Service channel gone")
}

func (s *Service) status(token registry.Token) StatusReply {
	if s.isLeaving(token) {
		return StatusReply{State: StateUnknown}
	}
	if size, ok := s.mm.QueuedSize(token); ok {
		return StatusReply{State: StateWaiting, PartySize: size}
	}
	if size, ok := s.mm.Placed(token); ok {
		return StatusReply{State: StateStarting, PartySize: size}
	}
	s.mu.Lock()
	size, ok := s.pending[token]
	s.mu.Unlock()
	if ok {
		return StatusReply{State: StateStarting, PartySize: size}
	}
	if coord := s.matchFor(token); coord != nil {
		snap := coord.Snapshot()
		return StatusReply{
			State:     StatePlaying,
			PartySize: len(snap.Players),
			MatchID:   coord.ID(),
			Snapshot:  &snap,
		}
	}
	if _, err := s.reg.Resolve(token); err == nil {
		return StatusReply{State: StateIdle}
	}
	return StatusReply{State: StateUnknown}
}

// dispatch hands a formed group to the spawner. Its tokens stay pending until
// runGroup seats them, which covers the gap after the matchmaker releases them.
func (s *Service) dispatch(ctx context.Context, g matchmaking.Group) error {
	s.mu.Lock()
	for _, token := range g.Tokens {
		s.pending[token] = g.PartySize
	}
	s.mu.Unlock()
	if err := s.pool.Submit(ctx, g); err != nil {
		s.clearPending(g.Tokens)
		return err
	}
	return nil
}

func (s *Service) clearPending(tokens []registry.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		delete(s.pending, token)
	}
}

func (s *Service) isPending(token registry.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[token]
	return ok
}

func (s *Service) isLeaving(token registry.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaving[token]
}

// runGroup is the spawner runner: it seats a formed group and plays the
// match on the worker goroutine. Players who left while the group waited
// start the match unresponsive.
func (s *Service) runGroup(ctx context.Context, g matchmaking.Group) {
	players := make([]match.PlayerRef, 0, len(g.Tokens))
	for _, token := range g.Tokens {
		ref := match.PlayerRef{Token: token}
		if entry, err := s.reg.Resolve(token); err == nil {
			ref.DisplayHandle = entry.DisplayHandle
		}
		players = append(players, ref)
	}
	coord, err := match.NewCoordinator(players, match.Options{
		Config:    s.cfg.Match,
		Engine:    s.engine,
		Directory: s.reg,
		OnClosed:  s.matchClosed,
	})
	if err != nil {
		s.clearPending(g.Tokens)
		log.Error().Err(err).Int("party_size", g.PartySize).Msg("lobby.Service.runGroup")
		return
	}

	var gone []registry.Token
	s.mu.Lock()
	s.matches[coord.ID()] = coord
	for _, token := range g.Tokens {
		s.seats[token] = coord
		delete(s.pending, token)
		if s.leaving[token] {
			gone = append(gone, token)
		}
	}
	s.mu.Unlock()
	for _, token := range gone {
		coord.MarkUnresponsive(token, "left")
	}

	log.Info().
		Str("match", coord.ID()).
		Int("party_size", g.PartySize).
		Int("players", len(players)).
		Str("trigger", g.Trigger).
		Msg("lobby.Service.runGroup seated")
	coord.Run(ctx)
}

func (s *Service) matchClosed(res match.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, res.MatchID)
	for _, p := range res.Players {
		if coord, ok := s.seats[p.Token]; ok && coord.ID() == res.MatchID {
			delete(s.seats, p.Token)
		}
	}
	s.recent = append(s.recent, res)
	if over := len(s.recent) - s.cfg.RecentMatches; over > 0 {
		s.recent = append([]match.Result(nil), s.recent[over:]...)
	}
}

func (s *Service) matchFor(token registry.Token) *match.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seats[token]
}

// ActiveMatches snapshots every running match.
func (s *Service) ActiveMatches() []match.Snapshot {
	s.mu.Lock()
	coords := make([]*match.Coordinator, 0, len(s.matches))
	for _, coord := range s.matches {
		coords = append(coords, coord)
	}
	s.mu.Unlock()

	out := make([]match.Snapshot, 0, len(coords))
	for _, coord := range coords {
		out = append(out, coord.Snapshot())
	}
	return out
}

// RecentResults returns closed matches, oldest first.
func (s *Service) RecentResults() []match.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]match.Result(nil), s.recent...)
}

// LookupMatch finds a running match snapshot or a recent result by id.
func (s *Service) LookupMatch(id string) (*match.Snapshot, *match.Result, bool) {
	s.mu.Lock()
	coord := s.matches[id]
	var res *match.Result
	for i := len(s.recent) - 1; i >= 0 && coord == nil; i-- {
		if s.recent[i].MatchID == id {
			r := s.recent[i]
			res = &r
			break
		}
	}
	s.mu.Unlock()
	if coord != nil {
		snap := coord.Snapshot()
		return &snap, nil, true
	}
	return nil, res, res != nil
}
