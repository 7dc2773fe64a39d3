// Package spawner runs formed groups on a bounded worker pool so a slow match
// never blocks queue admission.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/partyctl/internal/matchmaking"
	"github.com/danmuck/partyctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrSaturated = errors.New("spawner: all workers busy")
	ErrClosed    = errors.New("spawner: closed")
)

// Runner builds and drives one match to completion.
type Runner func(ctx context.Context, g matchmaking.Group)

type Config struct {
	Workers       int
	SubmitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       8,
		SubmitTimeout: 2 * time.Second,
	}
}

type Pool struct {
	cfg    Config
	runner Runner

	jobs     chan matchmaking.Group
	inFlight atomic.Int64
	panics   atomic.Int64

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches cfg.Workers workers. Matches run under ctx and are cancelled
// by Close.
func Start(ctx context.Context, cfg Config, runner Runner) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    cfg,
		runner: runner,
		jobs:   make(chan matchmaking.Group),
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	log.Info().Int("workers", cfg.Workers).Dur("submit_timeout", cfg.SubmitTimeout).Msg("spawner.Start")
	return p
}

// Submit hands g to an idle worker, waiting at most SubmitTimeout. The group
// is untouched on error so the caller can retry it.
func (p *Pool) Submit(ctx context.Context, g matchmaking.Group) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()

	p.inFlight.Add(1)
	observability.SetSessionsInFlight(int(p.inFlight.Load()))
	select {
	case p.jobs <- g:
		return nil
	case <-timer.C:
		p.finish()
		return fmt.Errorf("%w: waited %s", ErrSaturated, p.cfg.SubmitTimeout)
	case <-ctx.Done():
		p.finish()
		return ctx.Err()
	}
}

// InFlight counts sessions submitted and not yet finished.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pool) Panics() int {
	return int(p.panics.Load())
}

// Close stops accepting groups, cancels running matches, and waits for the
// workers until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("spawner: close: %w", ctx.Err())
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for g := range p.jobs {
		p.run(ctx, id, g)
	}
}

func (p *Pool) run(ctx context.Context, id int, g matchmaking.Group) {
	defer p.finish()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			observability.RecordSpawnerPanic()
			log.Error().
				Int("worker", id).
				Int("party_size", g.PartySize).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("spawner.worker recovered panic")
		}
	}()
	p.runner(ctx, g)
}

func (p *Pool) finish() {
	observability.SetSessionsInFlight(int(p.inFlight.Add(-1)))
}
