package registrar

import (
	"context"
	"sync"
	"time"
)

// InMemoryRegistrar is a process-local Registrar, adequate for a single
// standalone proxy instance or for tests. Contacts are keyed by (aor, uri)
// so a re-REGISTER of the same contact refreshes rather than duplicates.
type InMemoryRegistrar struct {
	mu       sync.Mutex
	contacts map[string]map[string]Contact
}

// NewInMemoryRegistrar creates an empty in-memory registrar.
func NewInMemoryRegistrar() *InMemoryRegistrar {
	return &InMemoryRegistrar{contacts: make(map[string]map[string]Contact)}
}

func (r *InMemoryRegistrar) Register(ctx context.Context, contact Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !contact.ExpiresAt.After(time.Now()) {
		if byURI, ok := r.contacts[contact.AOR]; ok {
			delete(byURI, contact.URI)
		}
		return nil
	}

	byURI, ok := r.contacts[contact.AOR]
	if !ok {
		byURI = make(map[string]Contact)
		r.contacts[contact.AOR] = byURI
	}
	byURI[contact.URI] = contact
	return nil
}

func (r *InMemoryRegistrar) UnregisterAll(ctx context.Context, aor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contacts, aor)
	return nil
}

func (r *InMemoryRegistrar) FindContacts(ctx context.Context, aor string) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byURI, ok := r.contacts[aor]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	contacts := make([]Contact, 0, len(byURI))
	for _, c := range byURI {
		if c.ExpiresAt.After(now) {
			contacts = append(contacts, c)
		}
	}
	return contacts, nil
}

func (r *InMemoryRegistrar) CleanupExpired(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for aor, byURI := range r.contacts {
		for uri, c := range byURI {
			if !c.ExpiresAt.After(now) {
				delete(byURI, uri)
			}
		}
		if len(byURI) == 0 {
			delete(r.contacts, aor)
		}
	}
	return nil
}
