package transaction

import (
	"sync"

	"github.com/sipwerk/proxy/internal/parser"
)

// inMemoryTransaction is a reference Transaction backed by a channel the
// transport layer (or a test) drains. It has no timers of its own: closing
// is driven entirely by Close or by SendResponse of a final response.
type inMemoryTransaction struct {
	id  string
	mu  sync.Mutex
	sent []*parser.SIPMessage
	closed bool
}

// NewInMemoryTransaction creates a Transaction that records every response
// sent on it, for use by tests and by simple single-process deployments that
// don't need retransmission timers.
func NewInMemoryTransaction(id string) *inMemoryTransaction {
	return &inMemoryTransaction{id: id}
}

func (t *inMemoryTransaction) SendResponse(response *parser.SIPMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.sent = append(t.sent, response)
	if response.IsResponse() && response.GetStatusCode() >= 200 {
		t.closed = true
	}
	return nil
}

func (t *inMemoryTransaction) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *inMemoryTransaction) ID() string {
	return t.id
}

// Close terminates the transaction without sending a final response,
// modelling a transport-layer timeout or CANCEL.
func (t *inMemoryTransaction) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Responses returns every response handed to SendResponse, in order. Tests
// use this to assert on what a handler emitted.
func (t *inMemoryTransaction) Responses() []*parser.SIPMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*parser.SIPMessage, len(t.sent))
	copy(out, t.sent)
	return out
}
