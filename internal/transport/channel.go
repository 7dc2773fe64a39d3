package transport

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the channel variant once, at dial or accept time.
type Kind uint8

const (
	KindSocket Kind = iota
	KindStub
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindStub:
		return "stub"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "socket", "tcp":
		return KindSocket, nil
	case "stub", "rpc":
		return KindStub, nil
	default:
		return 0, fmt.Errorf("transport: unknown channel kind %q", raw)
	}
}

// Channel is a bidirectional call path to one peer.
//
// Invoke calls target.method on the peer and decodes the result into reply.
// Failures to reach the peer wrap ErrTransport; errors returned by the remote
// method come back as *RemoteError.
//
// Exported objects use the net/rpc method shape
//
//	func (t *T) Method(args *A, reply *R) error
//
// so one object can be served by either variant.
type Channel interface {
	Invoke(ctx context.Context, target, method string, args, reply any) error
	Export(obj any, key string) error
	Close() error
	Done() <-chan struct{}
	Kind() Kind
	RemoteAddr() string
}
