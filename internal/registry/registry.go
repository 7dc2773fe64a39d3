// Package registry maps session tokens to the transport channel used to call
// back into that client.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultMaxEntries = 250

var (
	ErrNotFound    = errors.New("registry: token not found")
	ErrChannelGone = errors.New("registry: channel gone")
	ErrFull        = errors.New("registry: full")
	ErrClosed      = errors.New("registry: shut down")
)

// Token is an opaque per-client session identifier.
type Token string

// Entry is a read-only view of one registration.
type Entry struct {
	Token         Token
	DisplayHandle string
	CallbackKey   string
	Kind          transport.Kind
	RemoteAddr    string
	Generation    uint64
	RegisteredAt  time.Time
}

type record struct {
	entry   Entry
	channel transport.Channel
	leases  int
	removed bool
}

// Registry is safe for concurrent use. A channel is closed only after its
// entry is removed and the last lease is released.
type Registry struct {
	maxEntries int

	mu         sync.Mutex
	items      map[Token]*record
	generation uint64
	closed     bool
}

func New(maxEntries int) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Registry{
		maxEntries: maxEntries,
		items:      make(map[Token]*record),
	}
}

// Register stores ch under a fresh token. callbackKey is the name the client
// exported its callback object under.
func (r *Registry) Register(ch transport.Channel, handle, callbackKey string) (Token, error) {
	if ch == nil {
		return "", fmt.Errorf("registry: nil channel")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	if len(r.items) >= r.maxEntries {
		return "", fmt.Errorf("%w: %d entries", ErrFull, r.maxEntries)
	}
	token := Token(uuid.NewString())
	for _, exists := r.items[token]; exists; _, exists = r.items[token] {
		token = Token(uuid.NewString())
	}
	r.generation++
	r.items[token] = &record{
		entry: Entry{
			Token:         token,
			DisplayHandle: handle,
			CallbackKey:   callbackKey,
			Kind:          ch.Kind(),
			RemoteAddr:    ch.RemoteAddr(),
			Generation:    r.generation,
			RegisteredAt:  time.Now(),
		},
		channel: ch,
	}
	log.Debug().
		Str("token", string(token)).
		Str("handle", handle).
		Str("kind", ch.Kind().String()).
		Msg("registry.Register")
	return token, nil
}

func (r *Registry) Resolve(token Token) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[token]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return rec.entry, nil
}

// Acquire pins the token's channel until the lease is released. A missing
// token reports ErrChannelGone so callers can tell it apart from a failed call.
func (r *Registry) Acquire(token Token) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[token]
	if !ok || rec.removed {
		return nil, fmt.Errorf("%w: %s", ErrChannelGone, token)
	}
	select {
	case <-rec.channel.Done():
		return nil, fmt.Errorf("%w: %s", ErrChannelGone, token)
	default:
	}
	rec.leases++
	return &Lease{registry: r, rec: rec}, nil
}

// Unregister removes token. Repeat calls are no-ops.
func (r *Registry) Unregister(token Token) bool {
	r.mu.Lock()
	rec, ok := r.items[token]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.items, token)
	rec.removed = true
	r.generation++
	closeNow := rec.leases == 0
	r.mu.Unlock()

	log.Debug().
		Str("token", string(token)).
		Bool("deferred_close", !closeNow).
		Msg("registry.Unregister")
	if closeNow {
		_ = rec.channel.Close()
	}
	return true
}

// Watch unregisters token when its channel reports done. Returns when ctx
// ends or the channel closes.
func (r *Registry) Watch(ctx context.Context, token Token, onGone func(Token)) {
	r.mu.Lock()
	rec, ok := r.items[token]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-rec.channel.Done():
	}
	if r.Unregister(token) && onGone != nil {
		onGone(token)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Registry) Cap() int {
	return r.maxEntries
}

func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items) >= r.maxEntries
}

func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Shutdown removes every entry and closes channels without outstanding leases.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	var closeNow []transport.Channel
	for token, rec := range r.items {
		delete(r.items, token)
		rec.removed = true
		if rec.leases == 0 {
			closeNow = append(closeNow, rec.channel)
		}
	}
	r.generation++
	r.mu.Unlock()

	for _, ch := range closeNow {
		_ = ch.Close()
	}
	log.Info().Int("closed", len(closeNow)).Msg("registry.Shutdown")
}

func (r *Registry) release(rec *record) {
	r.mu.Lock()
	rec.leases--
	closeNow := rec.removed && rec.leases == 0
	r.mu.Unlock()
	if closeNow {
		_ = rec.channel.Close()
	}
}

// Lease is a counted reference to a registered channel.
type Lease struct {
	registry *Registry
	rec      *record
	once     sync.Once
}

func (l *Lease) Entry() Entry {
	return l.rec.entry
}

// Invoke calls method on the client's exported callback object.
func (l *Lease) Invoke(ctx context.Context, method string, args, reply any) error {
	return l.rec.channel.Invoke(ctx, l.rec.entry.CallbackKey, method, args, reply)
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.release(l.rec)
	})
}
