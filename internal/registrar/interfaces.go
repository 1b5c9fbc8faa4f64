// Package registrar stores the location bindings a REGISTER creates: which
// contact URIs are currently reachable for an address-of-record, and when
// each binding expires. It is one of the two shared mutable stores the
// authentication and routing core treats as an external oracle.
package registrar

import (
	"context"
	"time"
)

// Contact is one registered binding for an address-of-record.
type Contact struct {
	AOR       string
	URI       string
	CallID    string
	CSeq      uint32
	ExpiresAt time.Time
}

// Registrar is the location-store contract the admission controller and
// routing engine depend on. Implementations must serialize writes to the
// same AOR; reads may be eventually consistent with in-flight writes to
// other AORs.
type Registrar interface {
	// Register stores or refreshes a contact. Register with an expires
	// duration of zero deregisters that single contact instead.
	Register(ctx context.Context, contact Contact) error
	// UnregisterAll removes every contact bound to aor, used for the
	// wildcard Contact: * deregistration case.
	UnregisterAll(ctx context.Context, aor string) error
	// FindContacts returns every non-expired contact bound to aor.
	FindContacts(ctx context.Context, aor string) ([]Contact, error)
	// CleanupExpired drops bindings whose expiry has passed.
	CleanupExpired(ctx context.Context) error
}
