package lobby

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/registry"
	"github.com/danmuck/partyctl/internal/transport"
)

var (
	ErrCallbackRequired    = errors.New("lobby: callback address required")
	ErrCallbackUnreachable = errors.New("lobby: callback address unreachable")
	ErrInMatch             = errors.New("lobby: client already in a match")
	ErrSessionEnded        = errors.New("lobby: session ended on this connection")
	ErrForeignToken        = errors.New("lobby: token not held by this caller")
)

// Endpoint is the object clients call as "Lobby". Socket connections get
// their own endpoint bound to the channel they arrived on; the stub listener
// shares one endpoint and dials back to each client instead.
type Endpoint struct {
	svc *Service
	ch  transport.Channel

	mu    sync.Mutex
	token registry.Token
	left  bool
}

func newEndpoint(svc *Service, ch transport.Channel) *Endpoint {
	return &Endpoint{svc: svc, ch: ch}
}

func (e *Endpoint) StartSession(args *StartArgs, reply *StartReply) error {
	req := *args
	if e.ch != nil {
		token, left := e.binding()
		if left {
			return ErrSessionEnded
		}
		if req.Token == "" {
			req.Token = token
		}
	}
	if err := e.authorize(req.Token); err != nil {
		return err
	}
	out, err := e.svc.startSession(e.ch, req)
	if err != nil {
		return err
	}
	if e.ch != nil && out.Status == StatusAccepted {
		e.bind(out.Token)
	}
	*reply = out
	return nil
}

func (e *Endpoint) SubmitAction(args *ActionArgs, reply *ActionReply) error {
	if err := e.authorize(args.Token); err != nil {
		return err
	}
	out, err := e.svc.submitAction(*args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (e *Endpoint) PassTurn(args *TokenArgs, reply *ActionReply) error {
	if err := e.authorize(args.Token); err != nil {
		return err
	}
	out, err := e.svc.passTurn(args.Token)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (e *Endpoint) LeaveSession(args *TokenArgs, reply *LeaveReply) error {
	if err := e.authorize(args.Token); err != nil {
		return err
	}
	reply.Left = e.svc.leaveSession(args.Token)
	if e.ch != nil && reply.Left {
		// The channel is released with the registration.
		e.mu.Lock()
		if e.token == args.Token {
			e.left = true
		}
		e.mu.Unlock()
	}
	return nil
}

func (e *Endpoint) Ping(args *TokenArgs, reply *PingReply) error {
	if err := e.authorize(args.Token); err != nil {
		return err
	}
	_, err := e.svc.reg.Resolve(args.Token)
	*reply = PingReply{Token: args.Token, Known: err == nil, ServerTime: time.Now().UTC()}
	return nil
}

func (e *Endpoint) Status(args *TokenArgs, reply *StatusReply) error {
	if err := e.authorize(args.Token); err != nil {
		return err
	}
	*reply = e.svc.status(args.Token)
	return nil
}

// authorize rejects a token the caller cannot hold. A socket endpoint only
// answers for the token registered on its own connection. The shared stub
// endpoint has no caller identity, so it refuses tokens that belong to
// socket sessions.
func (e *Endpoint) authorize(token registry.Token) error {
	if token == "" {
		return nil
	}
	if e.ch != nil {
		bound, _ := e.binding()
		if token != bound {
			return ErrForeignToken
		}
		return nil
	}
	if entry, err := e.svc.reg.Resolve(token); err == nil && entry.Kind != transport.KindStub {
		return ErrForeignToken
	}
	return nil
}

func (e *Endpoint) binding() (registry.Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token, e.left
}

func (e *Endpoint) bind(token registry.Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
}

func unknownToken(token registry.Token) error {
	return fmt.Errorf("%w: %s", registry.ErrNotFound, token)
}
