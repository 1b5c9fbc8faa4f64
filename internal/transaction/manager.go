package transaction

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sipwerk/proxy/internal/parser"
)

// InMemoryManager is the reference Manager: it keys transactions by branch,
// method, and Call-ID and hands out inMemoryTransaction handles with no
// retransmission timers of their own. CleanupExpired relies on transactions
// self-reporting IsClosed rather than tracking per-transaction deadlines.
type InMemoryManager struct {
	mu           sync.Mutex
	transactions map[string]*inMemoryTransaction
}

// NewInMemoryManager creates an empty transaction table.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{transactions: make(map[string]*inMemoryTransaction)}
}

// CreateTransaction allocates a new server transaction for an inbound
// request and registers it under its branch/method/Call-ID key.
func (m *InMemoryManager) CreateTransaction(req *parser.SIPMessage) Transaction {
	id := transactionKey(req)

	m.mu.Lock()
	defer m.mu.Unlock()
	txn := NewInMemoryTransaction(id)
	m.transactions[id] = txn
	return txn
}

// FindTransaction looks up the transaction matching a request or response's
// branch/method/Call-ID triple, e.g. to correlate a CANCEL to the INVITE it
// cancels.
func (m *InMemoryManager) FindTransaction(msg *parser.SIPMessage) Transaction {
	id := transactionKey(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return nil
	}
	return txn
}

// CleanupExpired drops every transaction that has already closed. There is
// no independent timeout here: an inMemoryTransaction only closes when a
// final response is sent or Close is called explicitly.
func (m *InMemoryManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, txn := range m.transactions {
		if txn.IsClosed() {
			delete(m.transactions, id)
		}
	}
}

func transactionKey(msg *parser.SIPMessage) string {
	branch := extractBranch(msg.GetHeader(parser.HeaderVia))
	method := msg.GetMethod()
	if method == "" {
		method = cseqMethod(msg.GetHeader(parser.HeaderCSeq))
	}
	callID := msg.GetHeader(parser.HeaderCallID)

	if branch != "" && strings.HasPrefix(branch, "z9hG4bK") {
		// CANCEL shares the INVITE's branch but must match the same server
		// transaction, so fold it onto the INVITE's key.
		if method == parser.MethodCANCEL {
			return fmt.Sprintf("%s-%s-%s", branch, parser.MethodINVITE, callID)
		}
		return fmt.Sprintf("%s-%s-%s", branch, method, callID)
	}
	return fmt.Sprintf("legacy-%s-%s", method, callID)
}

func cseqMethod(cseq string) string {
	fields := strings.Fields(cseq)
	if len(fields) != 2 {
		return ""
	}
	return fields[1]
}

func extractBranch(via string) string {
	for _, part := range strings.Split(via, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "branch=") {
			return strings.TrimPrefix(part, "branch=")
		}
	}
	return ""
}
