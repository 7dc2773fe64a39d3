package transport

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/partyctl/internal/protocol/schema"
	"github.com/danmuck/partyctl/internal/testutil/testlog"
	"github.com/danmuck/partyctl/internal/testutil/tlstest"
)

type EchoArgs struct {
	Text  string
	Sleep time.Duration
}

type EchoReply struct {
	Text  string
	Calls int32
}

type EchoService struct {
	calls atomic.Int32
}

func (s *EchoService) Echo(args *EchoArgs, reply *EchoReply) error {
	if args.Sleep > 0 {
		time.Sleep(args.Sleep)
	}
	reply.Text = args.Text
	reply.Calls = s.calls.Add(1)
	return nil
}

func (s *EchoService) Refuse(args *EchoArgs, reply *EchoReply) error {
	return errors.New("refused: " + args.Text)
}

func (s *EchoService) Explode(args *EchoArgs, reply *EchoReply) error {
	panic("boom")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	cfg.Backoff.Jitter = false
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	return cfg
}

func socketPair(t *testing.T, cfg Config) (*SocketChannel, *SocketChannel) {
	t.Helper()
	left, right := net.Pipe()
	a := NewSocketChannel(left, cfg)
	b := NewSocketChannel(right, cfg)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	got := NextBackoffDelay(cfg, 1, rand.New(rand.NewSource(7)))
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Kind{"": KindSocket, "socket": KindSocket, "TCP": KindSocket, "stub": KindStub, "rpc": KindStub}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) got=%v err=%v", raw, got, err)
		}
	}
	if _, err := ParseKind("carrier-pigeon"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestSocketChannelCallsBothWays(t *testing.T) {
	testlog.Start(t)
	a, b := socketPair(t, testConfig())
	if err := a.Export(&EchoService{}, "Left"); err != nil {
		t.Fatalf("export left: %v", err)
	}
	if err := b.Export(&EchoService{}, "Right"); err != nil {
		t.Fatalf("export right: %v", err)
	}
	a.Start()
	b.Start()

	var reply EchoReply
	if err := a.Invoke(context.Background(), "Right", "Echo", EchoArgs{Text: "hello"}, &reply); err != nil {
		t.Fatalf("a->b invoke: %v", err)
	}
	if reply.Text != "hello" || reply.Calls != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if err := b.Invoke(context.Background(), "Left", "Echo", &EchoArgs{Text: "back"}, &reply); err != nil {
		t.Fatalf("b->a invoke: %v", err)
	}
	if reply.Text != "back" {
		t.Fatalf("unexpected reverse reply: %+v", reply)
	}
}

func TestSocketChannelRemoteErrorIsNotTransportFailure(t *testing.T) {
	testlog.Start(t)
	a, b := socketPair(t, testConfig())
	if err := b.Export(&EchoService{}, "Right"); err != nil {
		t.Fatalf("export: %v", err)
	}
	a.Start()
	b.Start()

	err := a.Invoke(context.Background(), "Right", "Refuse", EchoArgs{Text: "x"}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != schema.CodeApplication {
		t.Fatalf("expected application RemoteError, got %v", err)
	}
	if IsFailure(err) {
		t.Fatalf("remote error must not be a transport failure")
	}

	err = a.Invoke(context.Background(), "Nobody", "Echo", EchoArgs{}, nil)
	if !errors.As(err, &remote) || remote.Code != schema.CodeUnknownTarget {
		t.Fatalf("expected unknown target, got %v", err)
	}
	err = a.Invoke(context.Background(), "Right", "Missing", EchoArgs{}, nil)
	if !errors.As(err, &remote) || remote.Code != schema.CodeUnknownMethod {
		t.Fatalf("expected unknown method, got %v", err)
	}
	err = a.Invoke(context.Background(), "Right", "Explode", EchoArgs{}, nil)
	if !errors.As(err, &remote) || remote.Code != schema.CodeDispatchPanics {
		t.Fatalf("expected dispatch panic code, got %v", err)
	}
}

func TestSocketChannelTimeoutNeverLeaksStaleReply(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	a, b := socketPair(t, cfg)
	if err := b.Export(&EchoService{}, "Right"); err != nil {
		t.Fatalf("export: %v", err)
	}
	a.Start()
	b.Start()

	var reply EchoReply
	err := a.Invoke(context.Background(), "Right", "Echo", EchoArgs{Text: "slow", Sleep: 200 * time.Millisecond}, &reply)
	if !errors.Is(err, ErrCallTimeout) || !IsFailure(err) {
		t.Fatalf("expected timeout transport failure, got %v", err)
	}
	if reply.Text != "" {
		t.Fatalf("timed out call wrote reply: %+v", reply)
	}

	time.Sleep(250 * time.Millisecond)
	if err := a.Invoke(context.Background(), "Right", "Echo", EchoArgs{Text: "fast"}, &reply); err != nil {
		t.Fatalf("follow-up invoke: %v", err)
	}
	if reply.Text != "fast" {
		t.Fatalf("got stale reply: %+v", reply)
	}
	if n := a.pending.len(); n != 0 {
		t.Fatalf("pending table not drained: %d", n)
	}
}

func TestSocketChannelInvokeAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	a, b := socketPair(t, testConfig())
	if err := b.Export(&EchoService{}, "Right"); err != nil {
		t.Fatalf("export: %v", err)
	}
	a.Start()
	b.Start()

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = a.Close()

	var reply EchoReply
	err := a.Invoke(context.Background(), "Right", "Echo", EchoArgs{Text: "late"}, &reply)
	if !IsFailure(err) || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed transport failure, got %v", err)
	}
	if reply.Text != "" {
		t.Fatalf("closed channel produced a result: %+v", reply)
	}

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("peer did not observe close")
	}
	if err := b.Invoke(context.Background(), "Left", "Echo", EchoArgs{}, nil); !IsFailure(err) {
		t.Fatalf("expected transport failure on peer, got %v", err)
	}
}

func TestSocketChannelExportRejectsBadObjects(t *testing.T) {
	testlog.Start(t)
	a, _ := socketPair(t, testConfig())
	if err := a.Export(struct{}{}, "Empty"); !errors.Is(err, ErrNoMethods) {
		t.Fatalf("expected ErrNoMethods, got %v", err)
	}
	if err := a.Export(&EchoService{}, ""); !errors.Is(err, ErrExportKey) {
		t.Fatalf("expected ErrExportKey for empty key, got %v", err)
	}
	if err := a.Export(&EchoService{}, "Echo"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := a.Export(&EchoService{}, "Echo"); !errors.Is(err, ErrExportKey) {
		t.Fatalf("expected ErrExportKey for duplicate, got %v", err)
	}
}

func TestSocketChannelOverTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "partyctl-test-ca")
	pair := ca.Loopback(t)

	serverCfg := testConfig()
	serverCfg.TLS = TLSConfig{Enabled: true, CertFile: pair.CertFile, KeyFile: pair.KeyFile}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *SocketChannel, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch := NewSocketChannel(conn, serverCfg)
		_ = ch.Export(&EchoService{}, "Server")
		ch.Start()
		accepted <- ch
	}()

	clientCfg := testConfig()
	clientCfg.TLS = TLSConfig{Enabled: true, CAFile: ca.CAFile(), ServerName: "localhost"}
	ch, err := Dial(context.Background(), DialOptions{Kind: KindSocket, Addr: ln.Addr().String(), Config: clientCfg})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	var reply EchoReply
	if err := ch.Invoke(context.Background(), "Server", "Echo", EchoArgs{Text: "secure"}, &reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Text != "secure" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	srv := <-accepted
	_ = srv.Close()
}

func TestDialUnreachableIsTransportFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig()
	cfg.MaxConnectAttempts = 2
	_, err = Dial(context.Background(), DialOptions{Kind: KindSocket, Addr: addr, Config: cfg})
	if !IsFailure(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestValidateServerTransportRequiresCertAndKey(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/server.pem"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/server.key"
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
	if err := DefaultConfig().ValidateClientTransport(); err != nil {
		t.Fatalf("plain client config should validate: %v", err)
	}
}

func serveStub(t *testing.T, dir *StubDirectory) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dir.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestStubChannelCallsBothWays(t *testing.T) {
	testlog.Start(t)
	serverDir := NewStubDirectory()
	if err := serverDir.Export(&EchoService{}, "Server"); err != nil {
		t.Fatalf("export server: %v", err)
	}
	serverAddr := serveStub(t, serverDir)

	clientDir := NewStubDirectory()
	clientAddr := serveStub(t, clientDir)

	ch, err := Dial(context.Background(), DialOptions{
		Kind:      KindStub,
		Addr:      serverAddr,
		Config:    testConfig(),
		Directory: clientDir,
		Exports:   []Export{{Key: "Player", Obj: &EchoService{}}},
	})
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer ch.Close()
	if ch.Kind() != KindStub {
		t.Fatalf("unexpected kind %v", ch.Kind())
	}

	var reply EchoReply
	if err := ch.Invoke(context.Background(), "Server", "Echo", EchoArgs{Text: "forward"}, &reply); err != nil {
		t.Fatalf("invoke server: %v", err)
	}
	if reply.Text != "forward" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	back, err := Dial(context.Background(), DialOptions{Kind: KindStub, Addr: clientAddr, Config: testConfig()})
	if err != nil {
		t.Fatalf("dial callback: %v", err)
	}
	defer back.Close()
	if err := back.Invoke(context.Background(), "Player", "Echo", EchoArgs{Text: "callback"}, &reply); err != nil {
		t.Fatalf("invoke callback: %v", err)
	}
	if reply.Text != "callback" {
		t.Fatalf("unexpected callback reply: %+v", reply)
	}
}

func TestStubChannelErrorsMapToContract(t *testing.T) {
	testlog.Start(t)
	dir := NewStubDirectory()
	if err := dir.Export(&EchoService{}, "Server"); err != nil {
		t.Fatalf("export: %v", err)
	}
	addr := serveStub(t, dir)

	cfg := testConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	ch, err := Dial(context.Background(), DialOptions{Kind: KindStub, Addr: addr, Config: cfg})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var remote *RemoteError
	err = ch.Invoke(context.Background(), "Server", "Refuse", EchoArgs{Text: "no"}, nil)
	if !errors.As(err, &remote) || remote.Code != schema.CodeApplication || IsFailure(err) {
		t.Fatalf("expected application RemoteError, got %v", err)
	}
	err = ch.Invoke(context.Background(), "Server", "Missing", EchoArgs{}, nil)
	if !errors.As(err, &remote) || remote.Code != schema.CodeUnknownMethod {
		t.Fatalf("expected unknown method, got %v", err)
	}

	var reply EchoReply
	err = ch.Invoke(context.Background(), "Server", "Echo", EchoArgs{Text: "slow", Sleep: 200 * time.Millisecond}, &reply)
	if !errors.Is(err, ErrCallTimeout) || reply.Text != "" {
		t.Fatalf("expected timeout without reply, got err=%v reply=%+v", err, reply)
	}

	_ = ch.Close()
	err = ch.Invoke(context.Background(), "Server", "Echo", EchoArgs{Text: "late"}, &reply)
	if !IsFailure(err) || !errors.Is(err, ErrClosed) || reply.Text != "" {
		t.Fatalf("expected closed transport failure, got err=%v reply=%+v", err, reply)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatalf("done not closed after Close")
	}
}
