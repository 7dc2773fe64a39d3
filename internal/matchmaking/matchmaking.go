// Package matchmaking pools waiting clients into groups, one queue per party
// size, with timer-driven formation.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/observability"
	"github.com/danmuck/partyctl/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyQueued   = errors.New("matchmaking: token already queued")
	ErrUnsupportedSize = errors.New("matchmaking: unsupported party size")
	ErrStopped         = errors.New("matchmaking: stopped")
)

const (
	TriggerFull   = "full"
	TriggerWindow = "window"
)

// Policy controls partial fills for one party size. A queue holding at least
// MinFill entries for Window is drained even below the full size. MinFill at
// or above the party size disables partial fills.
type Policy struct {
	Window  time.Duration
	MinFill int
}

type Config struct {
	Policies   map[int]Policy
	IdleTick   time.Duration
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policies: map[int]Policy{
			2: {Window: 10 * time.Second, MinFill: 2},
			3: {Window: 15 * time.Second, MinFill: 2},
			4: {Window: 15 * time.Second, MinFill: 4},
		},
		IdleTick:   time.Second,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Entry is one waiting client.
type Entry struct {
	Token      registry.Token
	PartySize  int
	EnqueuedAt time.Time
}

// Group is released from one queue in arrival order and consumed once.
type Group struct {
	PartySize int
	Tokens    []registry.Token
	Trigger   string
	FormedAt  time.Time
	Oldest    time.Time
}

// GroupSink receives formed groups. Returning an error keeps the group and
// retries after Config.RetryDelay.
type GroupSink func(ctx context.Context, g Group) error

// QueueStatus is an admin view of one queue.
type QueueStatus struct {
	PartySize int           `json:"party_size"`
	Depth     int           `json:"depth"`
	MinFill   int           `json:"min_fill"`
	Window    time.Duration `json:"window"`
	Armed     bool          `json:"armed"`
	ArmedFor  time.Duration `json:"armed_for"`
	Backlog   int           `json:"backlog"`
}

type queue struct {
	size   int
	policy Policy

	mu      sync.Mutex
	entries []Entry
	armed   bool
	armedAt time.Time
	backlog int
	wake    chan struct{}
}

func (q *queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Matchmaker owns one queue per supported size. The token index is locked
// before any queue so a token is never observed in two queues.
type Matchmaker struct {
	cfg Config

	mu    sync.Mutex
	index map[registry.Token]int
	// placed holds tokens of formed groups until they are released, so a
	// token waiting in a backlog cannot be queued a second time.
	placed  map[registry.Token]int
	queues  map[int]*queue
	stopped bool
}

func New(cfg Config) (*Matchmaker, error) {
	if len(cfg.Policies) == 0 {
		cfg.Policies = DefaultConfig().Policies
	}
	if cfg.IdleTick <= 0 {
		cfg.IdleTick = DefaultConfig().IdleTick
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	m := &Matchmaker{
		cfg:    cfg,
		index:  make(map[registry.Token]int),
		placed: make(map[registry.Token]int),
		queues: make(map[int]*queue),
	}
	for size, policy := range cfg.Policies {
		if size < 2 {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedSize, size)
		}
		if policy.MinFill < 2 {
			policy.MinFill = 2
		}
		if policy.MinFill > size {
			policy.MinFill = size
		}
		if policy.MinFill < size && policy.Window <= 0 {
			return nil, fmt.Errorf("matchmaking: size %d allows partial fill but has no window", size)
		}
		m.queues[size] = &queue{size: size, policy: policy, wake: make(chan struct{}, 1)}
	}
	return m, nil
}

// Sizes returns the supported party sizes in ascending order.
func (m *Matchmaker) Sizes() []int {
	sizes := make([]int, 0, len(m.queues))
	for size := range m.queues {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	return sizes
}

func (m *Matchmaker) Supports(size int) bool {
	_, ok := m.queues[size]
	return ok
}

func (m *Matchmaker) Enqueue(token registry.Token, size int) error {
	q, ok := m.queues[size]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedSize, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if current, queued := m.index[token]; queued {
		return fmt.Errorf("%w: %s in size %d", ErrAlreadyQueued, token, current)
	}
	if current, placed := m.placed[token]; placed {
		return fmt.Errorf("%w: %s placed in a size %d group", ErrAlreadyQueued, token, current)
	}
	q.mu.Lock()
	q.entries = append(q.entries, Entry{Token: token, PartySize: size, EnqueuedAt: time.Now()})
	depth := len(q.entries)
	q.mu.Unlock()
	m.index[token] = size

	observability.SetQueueDepth(size, depth)
	log.Debug().Str("token", string(token)).Int("party_size", size).Int("depth", depth).Msg("matchmaking.Enqueue")
	q.notify()
	return nil
}

// Withdraw removes token from its queue. It reports false when the token was
// not waiting.
func (m *Matchmaker) Withdraw(token registry.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.index[token]
	if !ok {
		return false
	}
	delete(m.index, token)
	q := m.queues[size]
	q.mu.Lock()
	for i, e := range q.entries {
		if e.Token == token {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	observability.SetQueueDepth(size, depth)
	log.Debug().Str("token", string(token)).Int("party_size", size).Msg("matchmaking.Withdraw")
	q.notify()
	return true
}

// QueuedSize reports the party size token is waiting for.
func (m *Matchmaker) QueuedSize(token registry.Token) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.index[token]
	return size, ok
}

// Placed reports the size of the formed but unreleased group holding token.
func (m *Matchmaker) Placed(token registry.Token) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.placed[token]
	return size, ok
}

// Release forgets the tokens of g once it has been handed off.
func (m *Matchmaker) Release(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range g.Tokens {
		delete(m.placed, token)
	}
}

// TryFormGroup removes and returns a full-size prefix of the queue. Its
// tokens stay placed until the caller passes the group to Release.
func (m *Matchmaker) TryFormGroup(size int) (Group, bool) {
	q, ok := m.queues[size]
	if !ok {
		return Group{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) < size {
		return Group{}, false
	}
	return m.takeLocked(q, size, TriggerFull, time.Now()), true
}

func (m *Matchmaker) Depth(size int) int {
	q, ok := m.queues[size]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (m *Matchmaker) Snapshot() []QueueStatus {
	now := time.Now()
	out := make([]QueueStatus, 0, len(m.queues))
	for _, size := range m.Sizes() {
		q := m.queues[size]
		q.mu.Lock()
		st := QueueStatus{
			PartySize: size,
			Depth:     len(q.entries),
			MinFill:   q.policy.MinFill,
			Window:    q.policy.Window,
			Armed:     q.armed,
			Backlog:   q.backlog,
		}
		if q.armed {
			st.ArmedFor = now.Sub(q.armedAt)
		}
		q.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Run drives one formation loop per queue until ctx ends. Groups that the
// sink refuses are retried, never dropped.
func (m *Matchmaker) Run(ctx context.Context, sink GroupSink) {
	var wg sync.WaitGroup
	for _, size := range m.Sizes() {
		q := m.queues[size]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runQueue(ctx, q, sink)
		}()
	}
	wg.Wait()
}

// Stop rejects further enqueues and returns the tokens still waiting.
func (m *Matchmaker) Stop() []registry.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	out := make([]registry.Token, 0, len(m.index))
	for token := range m.index {
		out = append(out, token)
	}
	for _, q := range m.queues {
		q.mu.Lock()
		q.entries = nil
		q.armed = false
		q.mu.Unlock()
		observability.SetQueueDepth(q.size, 0)
	}
	m.index = make(map[registry.Token]int)
	m.placed = make(map[registry.Token]int)
	return out
}

func (m *Matchmaker) runQueue(ctx context.Context, q *queue, sink GroupSink) {
	idle := time.NewTicker(m.cfg.IdleTick)
	defer idle.Stop()
	var backlog []Group

	log.Info().Int("party_size", q.size).Int("min_fill", q.policy.MinFill).Dur("window", q.policy.Window).
		Msg("matchmaking.Run queue started")
	for {
		formed, wait := m.evaluate(q, time.Now())
		backlog = append(backlog, formed...)
		backlog = m.deliver(ctx, q, sink, backlog)

		var timer *time.Timer
		var timerC <-chan time.Time
		switch {
		case len(backlog) > 0:
			timer = time.NewTimer(m.cfg.RetryDelay)
			timerC = timer.C
		case wait > 0:
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if len(backlog) > 0 {
				log.Warn().Int("party_size", q.size).Int("groups", len(backlog)).
					Msg("matchmaking.Run stopped with undelivered groups")
			}
			return
		case <-q.wake:
		case <-timerC:
		case <-idle.C:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// evaluate applies the formation policy under the queue lock. It returns any
// groups formed and how long until the armed window expires.
func (m *Matchmaker) evaluate(q *queue, now time.Time) ([]Group, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	var groups []Group
	for len(q.entries) >= q.size {
		groups = append(groups, m.takeLocked(q, q.size, TriggerFull, now))
	}

	n := len(q.entries)
	if n < q.policy.MinFill {
		q.armed = false
		return groups, 0
	}
	if !q.armed {
		q.armed = true
		q.armedAt = now
		log.Debug().Int("party_size", q.size).Int("depth", n).Msg("matchmaking.evaluate window armed")
	}
	elapsed := now.Sub(q.armedAt)
	if elapsed >= q.policy.Window {
		groups = append(groups, m.takeLocked(q, n, TriggerWindow, now))
		return groups, 0
	}
	return groups, q.policy.Window - elapsed
}

// takeLocked pops the first n entries. Callers hold m.mu and q.mu.
func (m *Matchmaker) takeLocked(q *queue, n int, trigger string, now time.Time) Group {
	g := Group{
		PartySize: q.size,
		Tokens:    make([]registry.Token, 0, n),
		Trigger:   trigger,
		FormedAt:  now,
		Oldest:    q.entries[0].EnqueuedAt,
	}
	for _, e := range q.entries[:n] {
		g.Tokens = append(g.Tokens, e.Token)
		delete(m.index, e.Token)
		m.placed[e.Token] = q.size
	}
	q.entries = append([]Entry(nil), q.entries[n:]...)
	if len(q.entries) < q.policy.MinFill {
		q.armed = false
	}
	observability.SetQueueDepth(q.size, len(q.entries))
	observability.RecordGroupFormed(q.size, n, trigger, now.Sub(g.Oldest))
	log.Info().Int("party_size", q.size).Int("players", n).Str("trigger", trigger).
		Msg("matchmaking group formed")
	return g
}

func (m *Matchmaker) deliver(ctx context.Context, q *queue, sink GroupSink, backlog []Group) []Group {
	for len(backlog) > 0 {
		if err := sink(ctx, backlog[0]); err != nil {
			log.Warn().Int("party_size", q.size).Int("players", len(backlog[0].Tokens)).Err(err).
				Msg("matchmaking.deliver sink refused group; retrying")
			break
		}
		m.Release(backlog[0])
		backlog = backlog[1:]
	}
	q.mu.Lock()
	q.backlog = len(backlog)
	q.mu.Unlock()
	return backlog
}
