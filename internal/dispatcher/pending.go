package dispatcher

import (
	"encoding/json"
	"sync"
	"time"
)

type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one command waiting for its response. done has room
// for exactly one result and is written at most once.
type pendingRequest struct {
	nonce     string
	command   string
	createdAt time.Time
	done      chan result
}

func (p *pendingRequest) complete(r result) {
	select {
	case p.done <- r:
	default:
	}
}

// pendingTable maps nonces to in-flight requests. Minting a nonce and
// registering it happen under the same lock so two concurrent senders can
// never end up sharing one.
//
// failAll closes the table; insert refuses requests until open is called
// for the next connection, so a sender racing a disconnect cannot register
// after the table was drained.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[string]*pendingRequest
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]*pendingRequest)}
}

// open accepts requests again after failAll.
func (t *pendingTable) open() {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
}

// insert mints a nonce not currently in use and registers a request for it.
// It returns false when the table is closed.
func (t *pendingTable) insert(mint func() string, command string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false
	}

	nonce := mint()
	for t.slots[nonce] != nil {
		nonce = mint()
	}

	p := &pendingRequest{
		nonce:     nonce,
		command:   command,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}
	t.slots[nonce] = p
	return p, true
}

// take removes and returns the request for nonce, or nil.
func (t *pendingTable) take(nonce string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.slots[nonce]
	if !ok {
		return nil
	}
	delete(t.slots, nonce)
	return p
}

// failAll completes every outstanding request with err, empties the table
// and closes it. It returns how many were failed.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	t.closed = true
	slots := t.slots
	t.slots = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range slots {
		p.complete(result{err: err})
	}
	return len(slots)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// oldest returns the creation time of the longest-waiting request.
func (t *pendingTable) oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Time
	for _, p := range t.slots {
		if oldest.IsZero() || p.createdAt.Before(oldest) {
			oldest = p.createdAt
		}
	}
	return oldest, !oldest.IsZero()
}
