// Package transaction defines the handle the transport/transaction layer
// gives request-processing code to send a response back to the client.
// The timer-driven INVITE/non-INVITE state machine RFC3261 describes lives
// outside this repository; callers only ever see this narrow surface.
package transaction

import (
	"github.com/sipwerk/proxy/internal/parser"
)

// Transaction is the handle a request handler uses to emit a response (or a
// challenge, which is just a response with a 401/407 status) for the request
// it was created for. Implementations may be backed by a real SIP
// transaction state machine; the core in this repository never inspects
// transaction state itself.
type Transaction interface {
	// SendResponse sends a single response on this transaction. Sending more
	// than one final response is an implementation-defined error.
	SendResponse(response *parser.SIPMessage) error

	// IsClosed reports whether the transaction has already been terminated
	// (timed out, cancelled, or already given a final response). Handlers
	// must silently drop work rather than send on a closed transaction.
	IsClosed() bool

	// ID returns the transaction's identifying key, used only for logging.
	ID() string
}

// Manager hands out Transaction handles and reclaims terminated ones. The
// transport layer owns the real implementation; this interface is the seam
// request-processing code is written against.
type Manager interface {
	CreateTransaction(req *parser.SIPMessage) Transaction
	FindTransaction(msg *parser.SIPMessage) Transaction
	CleanupExpired()
}
