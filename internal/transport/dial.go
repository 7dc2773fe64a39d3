package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

// Export names a local object to publish on a new channel.
type Export struct {
	Key string
	Obj any
}

// DialOptions selects the channel variant and what the local side exports.
type DialOptions struct {
	Kind    Kind
	Addr    string
	Config  Config
	Exports []Export

	// Directory receives Exports for stub channels. The caller serves it on
	// its own listener so the peer can dial back.
	Directory *StubDirectory
}

// Dial connects to addr, retrying with backoff until MaxConnectAttempts is
// exhausted. Socket addresses prefixed with ws:// or wss:// are reached over
// a WebSocket.
func Dial(ctx context.Context, opts DialOptions) (Channel, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	conn, err := dialWithRetry(ctx, opts.Kind, opts.Addr, cfg)
	if err != nil {
		return nil, failure("dial", "", "", err)
	}

	switch opts.Kind {
	case KindStub:
		dir := opts.Directory
		if dir == nil {
			dir = NewStubDirectory()
		}
		for _, exp := range opts.Exports {
			if err := dir.Export(exp.Obj, exp.Key); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return NewStubChannel(conn, cfg, dir), nil
	default:
		ch := NewSocketChannel(conn, cfg)
		for _, exp := range opts.Exports {
			if err := ch.Export(exp.Obj, exp.Key); err != nil {
				_ = ch.Close()
				return nil, err
			}
		}
		ch.Start()
		return ch, nil
	}
}

func dialWithRetry(ctx context.Context, kind Kind, addr string, cfg Config) (net.Conn, error) {
	r := newRetrier(cfg)
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := dialOnce(ctx, kind, addr, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil || !r.shouldRetry(attempt) {
			break
		}
		log.Debug().
			Str("addr", addr).
			Int("attempt", attempt).
			Err(err).
			Msg("transport.Dial retrying")
		if err := r.sleep(ctx, attempt); err != nil {
			return nil, errors.Join(lastErr, err)
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, kind Kind, addr string, cfg Config) (net.Conn, error) {
	if kind == KindSocket && isWebSocketAddr(addr) {
		return DialWebSocket(ctx, addr, cfg)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.clientTLSConfig(addr)
		if err != nil {
			return nil, err
		}
		d := tls.Dialer{Config: tlsCfg}
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if proto := conn.(*tls.Conn).ConnectionState().NegotiatedProtocol; proto != ALPN {
			_ = conn.Close()
			return nil, fmt.Errorf("transport: %s negotiated %q, want %q", addr, proto, ALPN)
		}
		return conn, nil
	}
	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", addr)
}

// Listen opens a TCP listener, wrapped in TLS when enabled.
func Listen(addr string, cfg Config) (net.Listener, error) {
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	if !cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := cfg.serverTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func isWebSocketAddr(addr string) bool {
	lower := strings.ToLower(addr)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}
