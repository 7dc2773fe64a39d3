package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/partyctl/internal/testutil/testlog"
	"github.com/danmuck/partyctl/internal/transport"
)

type fakeChannel struct {
	closes  atomic.Int32
	invokes atomic.Int32
	once    sync.Once
	done    chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (f *fakeChannel) Invoke(ctx context.Context, target, method string, args, reply any) error {
	f.invokes.Add(1)
	select {
	case <-f.done:
		return &transport.TransportError{Op: "invoke", Target: target, Method: method, Err: transport.ErrClosed}
	default:
		return nil
	}
}

func (f *fakeChannel) Export(obj any, key string) error { return nil }
func (f *fakeChannel) Kind() transport.Kind             { return transport.KindSocket }
func (f *fakeChannel) RemoteAddr() string               { return "pipe" }
func (f *fakeChannel) Done() <-chan struct{}            { return f.done }

func (f *fakeChannel) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.done) })
	return nil
}

func TestRegisterIssuesUniqueTokens(t *testing.T) {
	testlog.Start(t)
	r := New(0)
	var mu sync.Mutex
	seen := make(map[Token]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := r.Register(newFakeChannel(), "p", "Player")
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[tok] {
				t.Errorf("duplicate token %s", tok)
			}
			seen[tok] = true
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("expected 50 entries, got %d", r.Len())
	}
}

func TestResolveAndUnregister(t *testing.T) {
	testlog.Start(t)
	r := New(0)
	ch := newFakeChannel()
	tok, err := r.Register(ch, "alice", "Player")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	entry, err := r.Resolve(tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.DisplayHandle != "alice" || entry.CallbackKey != "Player" || entry.Generation == 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if !r.Unregister(tok) {
		t.Fatalf("expected first unregister to remove")
	}
	if r.Unregister(tok) {
		t.Fatalf("second unregister must be a no-op")
	}
	if ch.closes.Load() != 1 {
		t.Fatalf("expected one close, got %d", ch.closes.Load())
	}
	if _, err := r.Resolve(tok); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Acquire(tok); !errors.Is(err, ErrChannelGone) {
		t.Fatalf("expected ErrChannelGone, got %v", err)
	}
}

func TestUnregisterDefersCloseUntilLeaseReleased(t *testing.T) {
	testlog.Start(t)
	r := New(0)
	ch := newFakeChannel()
	tok, _ := r.Register(ch, "bob", "Player")

	lease, err := r.Acquire(tok)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r.Unregister(tok)
	if ch.closes.Load() != 0 {
		t.Fatalf("channel closed while leased")
	}
	if err := lease.Invoke(context.Background(), "EnableTurn", nil, nil); err != nil {
		t.Fatalf("in-flight invoke failed: %v", err)
	}
	lease.Release()
	lease.Release()
	if ch.closes.Load() != 1 {
		t.Fatalf("expected close on last release, got %d", ch.closes.Load())
	}
}

func TestRegisterRejectsWhenFull(t *testing.T) {
	testlog.Start(t)
	r := New(2)
	for i := 0; i < 2; i++ {
		if _, err := r.Register(newFakeChannel(), "p", "Player"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if !r.Full() {
		t.Fatalf("expected registry full")
	}
	if _, err := r.Register(newFakeChannel(), "p", "Player"); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestWatchUnregistersOnChannelDone(t *testing.T) {
	testlog.Start(t)
	r := New(0)
	ch := newFakeChannel()
	tok, _ := r.Register(ch, "carol", "Player")

	gone := make(chan Token, 1)
	go r.Watch(context.Background(), tok, func(gt Token) { gone <- gt })
	_ = ch.Close()

	select {
	case got := <-gone:
		if got != tok {
			t.Fatalf("unexpected token %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("watch did not fire")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	testlog.Start(t)
	r := New(0)
	a, b := newFakeChannel(), newFakeChannel()
	tokA, _ := r.Register(a, "a", "Player")
	_, _ = r.Register(b, "b", "Player")
	lease, _ := r.Acquire(tokA)

	r.Shutdown()
	if b.closes.Load() != 1 || a.closes.Load() != 0 {
		t.Fatalf("unexpected closes a=%d b=%d", a.closes.Load(), b.closes.Load())
	}
	lease.Release()
	if a.closes.Load() != 1 {
		t.Fatalf("leased channel not closed after release")
	}
	if _, err := r.Register(newFakeChannel(), "c", "Player"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}
