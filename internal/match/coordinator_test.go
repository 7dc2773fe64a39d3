package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/danmuck/partyctl/internal/testutil/testlog"
	"github.com/danmuck/partyctl/internal/transport"
)

// script runs inside the EnableTurn callback of seat.
type script func(h *harness, seat int, notice TurnNotice)

type scriptedPlayer struct {
	h    *harness
	seat int
	fail atomic.Bool
	// failEnable fails the next EnableTurn after its script has run.
	failEnable atomic.Bool

	mu     sync.Mutex
	calls  map[string]int
	winner *SeatRef
	scores []ScoreReport

	once sync.Once
	done chan struct{}
}

func (p *scriptedPlayer) Invoke(ctx context.Context, target, method string, args, reply any) error {
	if p.fail.Load() {
		return &transport.TransportError{Op: "invoke", Target: target, Method: method, Err: transport.ErrCallTimeout}
	}
	p.mu.Lock()
	p.calls[method]++
	switch v := args.(type) {
	case SeatRef:
		if method == MethodAnnounceWinner {
			ref := v
			p.winner = &ref
		}
	case ScoreReport:
		p.scores = append(p.scores, v)
	}
	p.mu.Unlock()

	switch method {
	case MethodDisableTurn:
		p.h.recordTurnCall(method, p.seat)
	case MethodEnableTurn:
		notice := args.(TurnNotice)
		p.h.recordTurnCall(method, p.seat)
		if p.h.script != nil {
			p.h.script(p.h, p.seat, notice)
		}
		if p.failEnable.CompareAndSwap(true, false) {
			return &transport.TransportError{Op: "invoke", Target: target, Method: method, Err: transport.ErrCallTimeout}
		}
	}
	return nil
}

func (p *scriptedPlayer) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *scriptedPlayer) Export(obj any, key string) error { return nil }
func (p *scriptedPlayer) Kind() transport.Kind             { return transport.KindSocket }
func (p *scriptedPlayer) RemoteAddr() string               { return fmt.Sprintf("seat-%d", p.seat) }
func (p *scriptedPlayer) Done() <-chan struct{}            { return p.done }

func (p *scriptedPlayer) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type harness struct {
	t       *testing.T
	reg     *registry.Registry
	players []*scriptedPlayer
	refs    []PlayerRef
	coord   *Coordinator
	script  script
	results chan Result

	mu      sync.Mutex
	enabled []int
	// holding is which seats currently hold an enabled turn, per the callbacks
	// they received; overlap records any EnableTurn sent while another seat
	// still held one.
	holding map[int]bool
	overlap []string
}

func newHarness(t *testing.T, n int, cfg Config, engine rules.Engine, s script) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		reg:     registry.New(0),
		script:  s,
		results: make(chan Result, 1),
		holding: make(map[int]bool),
	}
	for i := 0; i < n; i++ {
		p := &scriptedPlayer{h: h, seat: i, calls: make(map[string]int), done: make(chan struct{})}
		tok, err := h.reg.Register(p, fmt.Sprintf("player-%d", i), "Player")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		h.players = append(h.players, p)
		h.refs = append(h.refs, PlayerRef{Token: tok, DisplayHandle: fmt.Sprintf("player-%d", i)})
	}
	coord, err := NewCoordinator(h.refs, Options{
		Config:    cfg,
		Engine:    engine,
		Directory: h.reg,
		OnClosed:  func(r Result) { h.results <- r },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	return h
}

func (h *harness) recordTurnCall(method string, seat int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if method == MethodDisableTurn {
		h.holding[seat] = false
		return
	}
	for other, held := range h.holding {
		if held && other != seat {
			h.overlap = append(h.overlap, fmt.Sprintf("enable %d while %d enabled", seat, other))
		}
	}
	h.holding[seat] = true
	h.enabled = append(h.enabled, seat)
}

func (h *harness) overlaps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.overlap...)
}

func (h *harness) enables() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.enabled...)
}

func (h *harness) run(ctx context.Context) Result {
	h.t.Helper()
	go h.coord.Run(ctx)
	select {
	case r := <-h.results:
		if h.coord.Phase() != PhaseClosed {
			h.t.Fatalf("result delivered before closed: %s", h.coord.Phase())
		}
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatalf("match never closed")
		return Result{}
	}
}

func fastConfig(rounds int) Config {
	return Config{
		TurnTimeout:         time.Second,
		MaxRounds:           rounds,
		MaxCallbackFailures: 2,
		CallbackTimeout:     time.Second,
	}
}

func passAlways(h *harness, seat int, notice TurnNotice) {
	if err := h.coord.PassTurn(h.refs[seat].Token); err != nil {
		h.t.Errorf("seat %d pass: %v", seat, err)
	}
}

func TestCoordinatorVisitsSeatsInSnakeOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 3, fastConfig(2), rules.Tally{}, passAlways)
	res := h.run(context.Background())

	want := []int{0, 1, 2, 2, 1, 0, 0, 1, 2, 2, 1, 0}
	got := h.enables()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("enable order got %v want %v", got, want)
	}
	if res.Outcome != OutcomeCompleted || res.Turns != len(want) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if o := h.overlaps(); len(o) > 0 {
		t.Fatalf("more than one seat enabled: %v", o)
	}
	for i, p := range h.players {
		if n := p.count(MethodEnableTurn); n != 4 {
			t.Fatalf("seat %d got %d EnableTurn, want 4", i, n)
		}
		if n := p.count(MethodReportScore); n != 3 {
			t.Fatalf("seat %d got %d score reports, want 3", i, n)
		}
		if n := p.count(MethodAnnounceWinner); n != 1 {
			t.Fatalf("seat %d got %d winner announcements, want 1", i, n)
		}
	}
}

func TestCoordinatorTimeoutIsImplicitPass(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig(1)
	cfg.TurnTimeout = 20 * time.Millisecond
	h := newHarness(t, 2, cfg, rules.Tally{}, nil)
	start := time.Now()
	res := h.run(context.Background())

	if res.Outcome != OutcomeCompleted || res.Turns != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if elapsed := time.Since(start); elapsed < 4*cfg.TurnTimeout {
		t.Fatalf("turns did not wait for the timeout: %v", elapsed)
	}
}

func TestCoordinatorScoresAndAnnouncesWinner(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 2, fastConfig(1), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat == 1 {
			_ = h.coord.SubmitAction(h.refs[seat].Token, rules.Action{Kind: rules.KindPoint})
			return
		}
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	res := h.run(context.Background())

	if res.Winner == nil || res.Winner.Token != h.refs[1].Token {
		t.Fatalf("expected seat 1 to win, got %+v", res.Winner)
	}
	if len(res.Scores) != 2 || res.Scores[1].Score != 2 || res.Scores[0].Score != 0 {
		t.Fatalf("unexpected scores: %+v", res.Scores)
	}
	if res.Scores[1].Player != (SeatRef{Seat: 1, DisplayHandle: "player-1"}) {
		t.Fatalf("score report names the wrong seat: %+v", res.Scores[1].Player)
	}
	for i, p := range h.players {
		p.mu.Lock()
		winner := p.winner
		p.mu.Unlock()
		if winner == nil || winner.Seat != 1 || winner.DisplayHandle != "player-1" {
			t.Fatalf("seat %d saw winner %+v", i, winner)
		}
	}
}

func TestCoordinatorLoserEndsMatchEarly(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 3, fastConfig(5), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat == 1 {
			_ = h.coord.SubmitAction(h.refs[seat].Token, rules.Action{Kind: rules.KindConcede})
			return
		}
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	res := h.run(context.Background())

	if res.Outcome != OutcomeLoser || res.Loser == nil || res.Loser.Token != h.refs[1].Token {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.enables(); fmt.Sprint(got) != fmt.Sprint([]int{0, 1}) {
		t.Fatalf("match continued after loser: %v", got)
	}
	if res.Winner == nil || res.Winner.Token == h.refs[1].Token {
		t.Fatalf("loser must not win: %+v", res.Winner)
	}
}

func TestCoordinatorSkipsPlayerWhoseChannelIsGone(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig(2)
	cfg.TurnTimeout = 30 * time.Millisecond
	h := newHarness(t, 3, cfg, rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat == 1 {
			h.reg.Unregister(h.refs[1].Token)
			return
		}
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	res := h.run(context.Background())

	enables := 0
	for _, seat := range h.enables() {
		if seat == 1 {
			enables++
		}
	}
	if enables != 1 {
		t.Fatalf("gone player enabled %d times, want 1", enables)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("match should finish with remaining players: %+v", res)
	}
	snap := h.coord.Snapshot()
	if snap.Players[1].Responsive || !snap.Players[0].Responsive || !snap.Players[2].Responsive {
		t.Fatalf("unexpected responsive flags: %+v", snap.Players)
	}
	if snap.Phase != PhaseClosed {
		t.Fatalf("expected closed, got %s", snap.Phase)
	}
}

func TestCoordinatorWalkoverWhenOnePlayerRemains(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 2, fastConfig(3), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat == 1 {
			h.coord.MarkUnresponsive(h.refs[1].Token, "left")
			return
		}
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	res := h.run(context.Background())

	if res.Outcome != OutcomeWalkover {
		t.Fatalf("expected walkover, got %+v", res)
	}
	if res.Winner == nil || res.Winner.Token != h.refs[0].Token {
		t.Fatalf("expected seat 0 to win, got %+v", res.Winner)
	}
}

func TestCoordinatorClosesWhenEveryoneUnresponsive(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig(3)
	cfg.MaxCallbackFailures = 1
	h := newHarness(t, 2, cfg, rules.Tally{}, nil)
	for _, p := range h.players {
		p.fail.Store(true)
	}
	res := h.run(context.Background())

	if res.Outcome != OutcomeAbandoned {
		t.Fatalf("expected abandoned, got %+v", res)
	}
	if res.Winner != nil {
		t.Fatalf("abandoned match must not have a winner")
	}
}

func TestSubmitActionRejections(t *testing.T) {
	testlog.Start(t)
	errs := make(chan error, 8)
	h := newHarness(t, 2, fastConfig(1), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat != 0 || n.Direction != Ascending {
			_ = h.coord.PassTurn(h.refs[seat].Token)
			return
		}
		errs <- h.coord.SubmitAction(h.refs[1].Token, rules.Action{Kind: rules.KindPoint})
		errs <- h.coord.SubmitAction("stranger", rules.Action{Kind: rules.KindPoint})
		errs <- h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: "teleport"})
		errs <- h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: rules.KindPoint})
		errs <- h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: rules.KindPoint})
	})
	if err := h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: rules.KindPoint}); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed before start, got %v", err)
	}
	h.run(context.Background())

	want := []error{ErrNotYourTurn, ErrNotInMatch, ErrIllegalAction, nil, ErrWindowClosed}
	for i, w := range want {
		got := <-errs
		if w == nil && got != nil || w != nil && !errors.Is(got, w) {
			t.Fatalf("submission %d got %v want %v", i, got, w)
		}
	}
	if err := h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: rules.KindPoint}); !errors.Is(err, ErrMatchClosed) {
		t.Fatalf("expected ErrMatchClosed after close, got %v", err)
	}
}

type panickyEngine struct {
	rules.Tally
}

func (panickyEngine) ApplyAction(state any, action rules.Action) (any, error) {
	panic("engine bug")
}

func TestEnginePanicClosesOnlyThatMatch(t *testing.T) {
	testlog.Start(t)
	errs := make(chan error, 1)
	h := newHarness(t, 2, fastConfig(2), panickyEngine{}, func(h *harness, seat int, n TurnNotice) {
		errs <- h.coord.SubmitAction(h.refs[seat].Token, rules.Action{Kind: rules.KindPoint})
	})
	res := h.run(context.Background())

	if err := <-errs; !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if res.Outcome != OutcomeFault {
		t.Fatalf("expected fault outcome, got %+v", res)
	}

	other := newHarness(t, 2, fastConfig(1), rules.Tally{}, passAlways)
	if res := other.run(context.Background()); res.Outcome != OutcomeCompleted {
		t.Fatalf("unrelated match affected: %+v", res)
	}
}

func TestCoordinatorCancelledContextCloses(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, 2, fastConfig(10), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		cancel()
	})
	res := h.run(ctx)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
}

func TestSnapshotCarriesGameState(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 2, fastConfig(1), rules.Tally{}, passAlways)
	snap := h.coord.Snapshot()
	if snap.Phase != PhaseForming || len(snap.Players) != 2 || len(snap.Game) == 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Active != -1 {
		t.Fatalf("no active seat before the match runs, got %d", snap.Active)
	}
}

func TestSnapshotNeverCarriesTokens(t *testing.T) {
	testlog.Start(t)
	var pushed []Snapshot
	var mu sync.Mutex
	h := newHarness(t, 2, fastConfig(1), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		snap := h.coord.Snapshot()
		mu.Lock()
		pushed = append(pushed, snap)
		mu.Unlock()
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	res := h.run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(pushed) == 0 || pushed[0].Active != 0 || pushed[0].Players[1].Seat != 1 {
		t.Fatalf("unexpected in-turn snapshot: %+v", pushed)
	}
	for _, doc := range []any{pushed[0], res} {
		raw, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, ref := range h.refs {
			if strings.Contains(string(raw), string(ref.Token)) {
				t.Fatalf("token %s leaked in %s", ref.Token, raw)
			}
		}
	}
}

func TestFailedEnableAfterActionStillEndsTurn(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 2, fastConfig(1), rules.Tally{}, func(h *harness, seat int, n TurnNotice) {
		if seat == 0 {
			if err := h.coord.SubmitAction(h.refs[0].Token, rules.Action{Kind: rules.KindPoint}); err != nil {
				h.t.Errorf("seat 0 submit: %v", err)
			}
			return
		}
		_ = h.coord.PassTurn(h.refs[seat].Token)
	})
	h.players[0].failEnable.Store(true)
	res := h.run(context.Background())

	if res.Outcome != OutcomeCompleted || res.Turns != 4 {
		t.Fatalf("acted turn was not counted: %+v", res)
	}
	if res.Scores[0].Score != 2 {
		t.Fatalf("seat 0 score = %d, want 2", res.Scores[0].Score)
	}
	if o := h.overlaps(); len(o) > 0 {
		t.Fatalf("more than one seat enabled: %v", o)
	}
	if got := h.enables(); fmt.Sprint(got) != fmt.Sprint([]int{0, 1, 1, 0}) {
		t.Fatalf("enable order %v", got)
	}
	if snap := h.coord.Snapshot(); !snap.Players[0].Responsive {
		t.Fatalf("one failed callback must not drop the seat")
	}
}
