// Package client connects to a lobby, exports the player callback surface
// and wraps the lobby calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/partyctl/internal/lobby"
	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrNoSession = errors.New("client: no session token")

type Options struct {
	Kind   transport.Kind
	Addr   string
	Config transport.Config

	CallbackKey string
	// CallbackListen is where stub clients accept the lobby's dial-back.
	// CallbackAdvertise overrides the address sent to the lobby.
	CallbackListen    string
	CallbackAdvertise string
	CallbackTLS       transport.TLSConfig

	Strategy Strategy
}

func (o Options) withDefaults() Options {
	if o.CallbackKey == "" {
		o.CallbackKey = lobby.DefaultCallbackKey
	}
	if o.CallbackListen == "" {
		o.CallbackListen = "127.0.0.1:0"
	}
	if o.Strategy == nil {
		o.Strategy = Idle{}
	}
	o.Config = o.Config.WithDefaults()
	return o
}

// Session is one client connection to a lobby.
type Session struct {
	opts   Options
	ch     transport.Channel
	player *Player

	callbackAddr string
	stopServe    context.CancelFunc
	served       chan struct{}

	mu    sync.Mutex
	token registry.Token
	// left is the token given up by Leave, kept so a repeat Leave is a no-op
	// on the lobby rather than a local error.
	left registry.Token
}

// Dial connects to the lobby at opts.Addr. Stub sessions also start the
// callback listener the lobby dials back to.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{opts: opts}
	s.player = NewPlayer(opts.Strategy)
	s.player.session = s
	exports := []transport.Export{{Key: opts.CallbackKey, Obj: s.player}}

	dial := transport.DialOptions{
		Kind:    opts.Kind,
		Addr:    opts.Addr,
		Config:  opts.Config,
		Exports: exports,
	}
	if opts.Kind == transport.KindStub {
		ln, err := transport.Listen(opts.CallbackListen, transport.Config{TLS: opts.CallbackTLS})
		if err != nil {
			return nil, err
		}
		s.callbackAddr = advertised(opts.CallbackAdvertise, ln.Addr())
		dial.Directory = transport.NewStubDirectory()

		serveCtx, cancel := context.WithCancel(context.Background())
		s.stopServe = cancel
		s.served = make(chan struct{})
		go func() {
			defer close(s.served)
			if err := dial.Directory.Serve(serveCtx, ln); err != nil {
				log.Warn().Err(err).Msg("client.Session callback listener stopped")
			}
		}()
	}

	ch, err := transport.Dial(ctx, dial)
	if err != nil {
		s.stopCallbacks()
		return nil, err
	}
	s.ch = ch
	log.Debug().
		Str("kind", opts.Kind.String()).
		Str("addr", opts.Addr).
		Str("callback", s.callbackAddr).
		Msg("client.Dial connected")
	return s, nil
}

func advertised(override string, addr net.Addr) string {
	if override != "" {
		return override
	}
	return addr.String()
}

func (s *Session) Player() *Player {
	return s.player
}

func (s *Session) Token() registry.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Done closes when the connection to the lobby is gone.
func (s *Session) Done() <-chan struct{} {
	return s.ch.Done()
}

// Start asks for a seat in a party of size. A later Start on the same
// session re-queues under the same token.
func (s *Session) Start(ctx context.Context, size int, handle string) (lobby.StartReply, error) {
	args := lobby.StartArgs{
		PartySize:     size,
		DisplayHandle: handle,
		CallbackKey:   s.opts.CallbackKey,
		CallbackAddr:  s.callbackAddr,
		Token:         s.Token(),
	}
	var reply lobby.StartReply
	if err := s.call(ctx, "StartSession", &args, &reply); err != nil {
		return lobby.StartReply{}, err
	}
	if reply.Status == lobby.StatusAccepted {
		s.mu.Lock()
		s.token = reply.Token
		s.mu.Unlock()
	}
	return reply, nil
}

func (s *Session) Submit(ctx context.Context, kind string, payload json.RawMessage) (lobby.ActionReply, error) {
	token, err := s.requireToken()
	if err != nil {
		return lobby.ActionReply{}, err
	}
	var reply lobby.ActionReply
	err = s.call(ctx, "SubmitAction", &lobby.ActionArgs{Token: token, Kind: kind, Payload: payload}, &reply)
	return reply, err
}

func (s *Session) Pass(ctx context.Context) (lobby.ActionReply, error) {
	token, err := s.requireToken()
	if err != nil {
		return lobby.ActionReply{}, err
	}
	var reply lobby.ActionReply
	err = s.call(ctx, "PassTurn", &lobby.TokenArgs{Token: token}, &reply)
	return reply, err
}

// Leave ends the session on the lobby and forgets its token, so the next
// Start registers afresh. Repeat calls report Left=false.
func (s *Session) Leave(ctx context.Context) (lobby.LeaveReply, error) {
	s.mu.Lock()
	token := s.token
	if token == "" {
		token = s.left
	}
	s.mu.Unlock()
	if token == "" {
		return lobby.LeaveReply{}, ErrNoSession
	}
	var reply lobby.LeaveReply
	if err := s.call(ctx, "LeaveSession", &lobby.TokenArgs{Token: token}, &reply); err != nil {
		return reply, err
	}
	s.mu.Lock()
	if s.token == token {
		s.token = ""
	}
	s.left = token
	s.mu.Unlock()
	return reply, nil
}

func (s *Session) Ping(ctx context.Context) (lobby.PingReply, error) {
	var reply lobby.PingReply
	err := s.call(ctx, "Ping", &lobby.TokenArgs{Token: s.Token()}, &reply)
	return reply, err
}

func (s *Session) Status(ctx context.Context) (lobby.StatusReply, error) {
	var reply lobby.StatusReply
	err := s.call(ctx, "Status", &lobby.TokenArgs{Token: s.Token()}, &reply)
	return reply, err
}

// Close drops the lobby connection and the callback listener.
func (s *Session) Close() error {
	err := s.ch.Close()
	s.stopCallbacks()
	return err
}

func (s *Session) call(ctx context.Context, method string, args, reply any) error {
	if err := s.ch.Invoke(ctx, lobby.ObjectName, method, args, reply); err != nil {
		return fmt.Errorf("client: %s: %w", method, err)
	}
	return nil
}

func (s *Session) requireToken() (registry.Token, error) {
	token := s.Token()
	if token == "" {
		return "", ErrNoSession
	}
	return token, nil
}

func (s *Session) stopCallbacks() {
	if s.stopServe == nil {
		return
	}
	s.stopServe()
	<-s.served
}
