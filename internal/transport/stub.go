package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// StubDirectory publishes exported objects by name so a peer holding a stub
// can call them. One directory can be served on any number of listeners.
type StubDirectory struct {
	server *rpc.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewStubDirectory() *StubDirectory {
	return &StubDirectory{
		server: rpc.NewServer(),
		conns:  make(map[net.Conn]struct{}),
	}
}

func (d *StubDirectory) Export(obj any, key string) error {
	if err := d.server.RegisterName(key, obj); err != nil {
		return fmt.Errorf("%w: %v", ErrNoMethods, err)
	}
	return nil
}

// Serve accepts stub connections on ln until ctx ends.
func (d *StubDirectory) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		d.closeAllConns()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		d.trackConn(conn)
		go func() {
			defer d.untrackConn(conn)
			d.server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}()
	}
}

func (d *StubDirectory) trackConn(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[conn] = struct{}{}
}

func (d *StubDirectory) untrackConn(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, conn)
}

func (d *StubDirectory) closeAllConns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.conns {
		_ = conn.Close()
		delete(d.conns, conn)
	}
}

// StubChannel calls a peer's directory through a net/rpc client and exports
// local objects through its own directory.
type StubChannel struct {
	cfg    Config
	client *rpc.Client
	dir    *StubDirectory
	remote string

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	closeErr  error
}

var _ Channel = (*StubChannel)(nil)

// NewStubChannel binds an rpc client on conn. dir may be nil when the local
// side never exports anything.
func NewStubChannel(conn net.Conn, cfg Config, dir *StubDirectory) *StubChannel {
	if dir == nil {
		dir = NewStubDirectory()
	}
	remote := ""
	if conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	return &StubChannel{
		cfg:    cfg.WithDefaults(),
		client: jsonrpc.NewClient(conn),
		dir:    dir,
		remote: remote,
		done:   make(chan struct{}),
	}
}

func (c *StubChannel) Kind() Kind {
	return KindStub
}

func (c *StubChannel) RemoteAddr() string {
	return c.remote
}

func (c *StubChannel) Done() <-chan struct{} {
	return c.done
}

func (c *StubChannel) Directory() *StubDirectory {
	return c.dir
}

func (c *StubChannel) Export(obj any, key string) error {
	return c.dir.Export(obj, key)
}

// Invoke decodes into a scratch reply and copies it out only on success, so
// a response that lands after a timeout can never reach the caller.
func (c *StubChannel) Invoke(ctx context.Context, target, method string, args, reply any) error {
	if c.closed.Load() {
		return failure("invoke", target, method, ErrClosed)
	}
	if c.client == nil {
		return failure("invoke", target, method, ErrNoPeer)
	}

	var scratch reflect.Value
	var scratchReply any
	if reply != nil {
		rv := reflect.ValueOf(reply)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return failure("invoke", target, method, fmt.Errorf("%w: reply must be a non-nil pointer", ErrCodecMismatch))
		}
		scratch = reflect.New(rv.Elem().Type())
		scratchReply = scratch.Interface()
	} else {
		scratchReply = &struct{}{}
	}

	call := c.client.Go(target+"."+method, args, scratchReply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-call.Done:
	case <-timer.C:
		return failure("invoke", target, method, ErrCallTimeout)
	case <-ctx.Done():
		return failure("invoke", target, method, ctx.Err())
	case <-c.done:
		return failure("invoke", target, method, ErrClosed)
	}

	if call.Error != nil {
		var serverErr rpc.ServerError
		if errors.As(call.Error, &serverErr) {
			return remoteFromServerError(string(serverErr))
		}
		if errors.Is(call.Error, rpc.ErrShutdown) || errors.Is(call.Error, io.ErrUnexpectedEOF) || errors.Is(call.Error, io.EOF) {
			log.Debug().Str("remote", c.remote).Err(call.Error).Msg("transport.StubChannel peer gone")
			_ = c.Close()
			return failure("invoke", target, method, ErrClosed)
		}
		return failure("invoke", target, method, call.Error)
	}
	if reply != nil {
		reflect.ValueOf(reply).Elem().Set(scratch.Elem())
	}
	return nil
}

func (c *StubChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.client != nil {
			c.closeErr = c.client.Close()
		}
		close(c.done)
	})
	if errors.Is(c.closeErr, rpc.ErrShutdown) {
		return nil
	}
	return c.closeErr
}
