// Package lobby wires the registry, matchmaking queues, session spawner and
// match coordinators behind the transports clients connect on.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/partyctl/internal/match"
	"github.com/danmuck/partyctl/internal/matchmaking"
	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/rules"
	"github.com/danmuck/partyctl/internal/spawner"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyStarted = errors.New("lobby: service already started")

// Service runs one lobby process.
type Service struct {
	cfg     Config
	engine  rules.Engine
	reg     *registry.Registry
	mm      *matchmaking.Matchmaker
	stubDir *transport.StubDirectory
	router  *gin.Engine
	started time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	pool    *spawner.Pool
	matches map[string]*match.Coordinator
	seats   map[registry.Token]*match.Coordinator
	// pending holds tokens of groups handed to the spawner and not yet
	// seated; leaving holds tokens inside their LeaveGrace.
	pending map[registry.Token]int
	leaving map[registry.Token]bool
	recent  []match.Result
	addrs   map[string]string
	http    *http.Server
	errs    chan error
	wg      sync.WaitGroup

	connCount atomic.Int64
}

func NewService(cfg Config, engine rules.Engine) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("lobby: rules engine required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mm, err := matchmaking.New(cfg.Matchmaking)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		engine:  engine,
		reg:     registry.New(cfg.MaxPlayers),
		mm:      mm,
		stubDir: transport.NewStubDirectory(),
		matches: make(map[string]*match.Coordinator),
		seats:   make(map[registry.Token]*match.Coordinator),
		pending: make(map[registry.Token]int),
		leaving: make(map[registry.Token]bool),
		addrs:   make(map[string]string),
		errs:    make(chan error, 4),
	}
	if err := s.stubDir.Export(newEndpoint(s, nil), ObjectName); err != nil {
		return nil, err
	}
	s.router = s.newRouter()
	return s, nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts the service and blocks until ctx ends or a listener fails.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node", s.cfg.NodeID).Msg("lobby.Service.Serve shutdown")
			break loop
		case err := <-s.errs:
			serveErr = err
			log.Error().Err(err).Msg("lobby.Service.Serve listener failed")
			break loop
		case <-ticker.C:
			s.heartbeat()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Start binds every configured listener and launches the formation loops and
// spawner. It returns once the listeners are bound.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	var socketLn, stubLn, adminLn net.Listener
	var err error
	closeAll := func() {
		for _, ln := range []net.Listener{socketLn, stubLn, adminLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}
	if s.cfg.SocketAddr != "" {
		if socketLn, err = transport.Listen(s.cfg.SocketAddr, s.cfg.Transport); err != nil {
			return err
		}
		s.addrs["socket"] = socketLn.Addr().String()
	}
	if s.cfg.StubAddr != "" {
		if stubLn, err = transport.Listen(s.cfg.StubAddr, s.cfg.Transport); err != nil {
			closeAll()
			return err
		}
		s.addrs["stub"] = stubLn.Addr().String()
	}
	if s.cfg.AdminAddr != "" {
		if adminLn, err = net.Listen("tcp", s.cfg.AdminAddr); err != nil {
			closeAll()
			return fmt.Errorf("lobby: admin listen %s: %w", s.cfg.AdminAddr, err)
		}
		s.addrs["admin"] = adminLn.Addr().String()
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()
	s.running = true
	s.pool = spawner.Start(s.ctx, s.cfg.Spawner, s.runGroup)

	s.goServe(func() error {
		s.mm.Run(s.ctx, s.dispatch)
		return nil
	})
	if socketLn != nil {
		s.goServe(func() error { return s.serveSocket(s.ctx, socketLn) })
	}
	if stubLn != nil {
		s.goServe(func() error { return s.stubDir.Serve(s.ctx, stubLn) })
	}
	if adminLn != nil {
		s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		srv := s.http
		s.goServe(func() error {
			if err := srv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	log.Info().
		Str("node", s.cfg.NodeID).
		Str("socket", s.addrs["socket"]).
		Str("stub", s.addrs["stub"]).
		Str("admin", s.addrs["admin"]).
		Ints("party_sizes", s.mm.Sizes()).
		Int("max_sessions", s.cfg.MaxSessions).
		Int("max_players", s.cfg.MaxPlayers).
		Msg("lobby.Service.Start")
	return nil
}

func (s *Service) goServe(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

// Shutdown stops the listeners and formation loops, cancels running matches
// and drops every registration.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, pool, srv := s.cancel, s.pool, s.http
	s.mu.Unlock()

	waiting := s.mm.Stop()
	cancel()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("lobby: admin shutdown: %w", err))
		}
	}
	if err := pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.reg.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("lobby: shutdown: %w", ctx.Err()))
	}
	log.Info().Int("dropped_waiting", len(waiting)).Msg("lobby.Service.Shutdown")
	return errors.Join(errs...)
}

// Addr reports the bound address of the "socket", "stub" or "admin" listener.
func (s *Service) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) Registry() *registry.Registry {
	return s.reg
}

func (s *Service) Matchmaker() *matchmaking.Matchmaker {
	return s.mm
}

func (s *Service) ConnCount() int {
	return int(s.connCount.Load())
}

// InFlight counts matches submitted to the spawner and not yet finished.
func (s *Service) InFlight() int {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return 0
	}
	return pool.InFlight()
}

func (s *Service) busy() bool {
	return s.InFlight() >= s.cfg.MaxSessions || s.reg.Full()
}

func (s *Service) heartbeat() {
	s.mu.Lock()
	active := len(s.matches)
	s.mu.Unlock()
	log.Info().
		Str("node", s.cfg.NodeID).
		Int("players", s.reg.Len()).
		Int("matches", active).
		Int("in_flight", s.InFlight()).
		Int("connections", s.ConnCount()).
		Msg("lobby.Service.heartbeat")
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
