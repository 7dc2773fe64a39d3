package transport

import (
	"sync"
	"time"

	"github.com/danmuck/partyctl/internal/protocol/frame"
)

// pendingCall tracks one call frame awaiting its response frame.
type pendingCall struct {
	MessageID uint64
	Target    string
	Method    string
	SentAt    time.Time
	reply     chan frame.Frame
}

// pendingCalls stores in-flight calls by message id. Closing the table fails
// every waiter at once.
type pendingCalls struct {
	mu     sync.Mutex
	items  map[uint64]*pendingCall
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{items: make(map[uint64]*pendingCall)}
}

func (p *pendingCalls) add(id uint64, target, method string) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	call := &pendingCall{
		MessageID: id,
		Target:    target,
		Method:    method,
		SentAt:    time.Now(),
		reply:     make(chan frame.Frame, 1),
	}
	p.items[id] = call
	return call, true
}

// resolve hands f to the waiter for its message id. Late responses for calls
// that already timed out are dropped.
func (p *pendingCalls) resolve(f frame.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.items[f.Header.MessageID]
	if !ok {
		return false
	}
	delete(p.items, f.Header.MessageID)
	call.reply <- f
	return true
}

func (p *pendingCalls) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *pendingCalls) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, call := range p.items {
		close(call.reply)
		delete(p.items, id)
	}
}
