// Package directory is the reference subscriber/address-book store: the
// Mnesia-style location and user database the admission and routing
// engines treat as an external collaborator. It backs every oracle
// interface those packages define with a single sqlite schema.
package directory

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sipwerk/proxy/internal/addrpolicy"
	"github.com/sipwerk/proxy/internal/digestauth"
	"github.com/sipwerk/proxy/internal/parser"
	"github.com/sipwerk/proxy/internal/registrar"
	"github.com/sipwerk/proxy/internal/routing"
	_ "modernc.org/sqlite"
)

// Store is the reference directory, backed by one sqlite database file.
// Reads are simple single-statement queries; this is a reference
// implementation, not a tuned one.
type Store struct {
	db        *sql.DB
	registrar registrar.Registrar
}

// Open creates (or opens) a directory database at path and wires it to reg
// for registration-backed lookups.
func Open(path string, reg registrar.Registrar) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (user_id TEXT PRIMARY KEY, password TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS addresses (url TEXT NOT NULL, user_id TEXT NOT NULL, PRIMARY KEY (url, user_id))`,
		`CREATE TABLE IF NOT EXISTS user_classes (user_id TEXT NOT NULL, class TEXT NOT NULL, PRIMARY KEY (user_id, class))`,
		`CREATE TABLE IF NOT EXISTS aliases (homedomain_url TEXT PRIMARY KEY, target_uri TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS potn_gateway (id INTEGER PRIMARY KEY CHECK (id = 0), uri TEXT NOT NULL)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db, registrar: reg}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AddUser registers a subscriber with a digest password, for provisioning
// from configuration or a webadmin-equivalent tool.
func (s *Store) AddUser(ctx context.Context, userID string, password digestauth.Password) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, password) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET password=excluded.password`,
		userID, string(password))
	return err
}

// AddAddress grants userID ownership of url, e.g. an AOR or PSTN
// destination this user is allowed to assert as their From address.
func (s *Store) AddAddress(ctx context.Context, url, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO addresses (url, user_id) VALUES (?, ?)`, url, userID)
	return err
}

// AddClass grants userID membership in class, e.g. "international" or
// "emergency".
func (s *Store) AddClass(ctx context.Context, userID, class string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_classes (user_id, class) VALUES (?, ?)`, userID, class)
	return err
}

// SetPOTNGateway configures the relay target LookupPOTN returns for every
// numeric homedomain user with no other match.
func (s *Store) SetPOTNGateway(ctx context.Context, gatewayURI string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO potn_gateway (id, uri) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET uri=excluded.uri`, gatewayURI)
	return err
}

// AddAlias points a homedomain URL at another URI, e.g. a department pilot
// number redirected to a hunt address.
func (s *Store) AddAlias(ctx context.Context, homedomainURL, targetURI string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (homedomain_url, target_uri) VALUES (?, ?) ON CONFLICT(homedomain_url) DO UPDATE SET target_uri=excluded.target_uri`,
		homedomainURL, targetURI)
	return err
}

// LookupPassword implements credauth.PasswordOracle.
func (s *Store) LookupPassword(userID string) digestauth.Password {
	var password string
	if err := s.db.QueryRow(`SELECT password FROM users WHERE user_id = ?`, userID).Scan(&password); err != nil {
		return ""
	}
	return digestauth.Password(password)
}

// Canonify implements credauth.Canonifier. This directory treats the
// digest username as already canonical: it accepts any username that
// matches a known user_id, case-sensitively, and rejects anything else.
func (s *Store) Canonify(uaUsername string, req *parser.SIPMessage) (string, bool) {
	var userID string
	if err := s.db.QueryRow(`SELECT user_id FROM users WHERE user_id = ?`, uaUsername).Scan(&userID); err != nil {
		return "", false
	}
	return userID, true
}

// UsersForURL implements addrpolicy.UsersForURLOracle.
func (s *Store) UsersForURL(url string) ([]string, bool) {
	rows, err := s.db.Query(`SELECT user_id FROM addresses WHERE url = ?`, url)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if rows.Scan(&userID) == nil {
			users = append(users, userID)
		}
	}
	return users, len(users) > 0
}

// ClassesForUser implements addrpolicy.ClassesForUserOracle.
func (s *Store) ClassesForUser(userID string) ([]addrpolicy.Class, bool) {
	rows, err := s.db.Query(`SELECT class FROM user_classes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var classes []addrpolicy.Class
	for rows.Next() {
		var class string
		if rows.Scan(&class) == nil {
			classes = append(classes, addrpolicy.Class(class))
		}
	}
	return classes, len(classes) > 0
}

// RewritePOTNToE164 implements admission.NumberRewriter: it strips
// everything but digits and a single leading "+".
func (s *Store) RewritePOTNToE164(number string) (string, error) {
	var b strings.Builder
	for i, r := range number {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// GetUserWithAddress implements admission.AddressByValueOracle.
func (s *Store) GetUserWithAddress(url string) (string, bool) {
	var userID string
	if err := s.db.QueryRow(`SELECT user_id FROM addresses WHERE url = ? LIMIT 1`, url).Scan(&userID); err != nil {
		return "", false
	}
	return userID, true
}

// LookupUser implements routing.UserLookupOracle: a homedomain user with a
// live registration resolves to the most recent contact; a known user with
// no registration is reported unreachable rather than unknown.
func (s *Store) LookupUser(uri routing.URI) routing.LookupResult {
	aor := "sip:" + uri.User + "@" + uri.Host
	contacts, err := s.registrar.FindContacts(context.Background(), aor)
	if err == nil && len(contacts) > 0 {
		return routing.Found(routing.Proxy(contacts[0].URI))
	}

	var userID string
	if s.db.QueryRow(`SELECT user_id FROM users WHERE user_id = ?`, uri.User).Scan(&userID) == nil {
		return routing.NotAvailable()
	}
	return routing.NoMatch()
}

// LookupHomedomainURL implements routing.HomedomainURLOracle via a static
// alias table, e.g. for department pilot numbers redirected to a hunt
// address.
func (s *Store) LookupHomedomainURL(uri routing.URI) routing.LookupResult {
	var target string
	if err := s.db.QueryRow(`SELECT target_uri FROM aliases WHERE homedomain_url = ?`, uri.String()).Scan(&target); err != nil {
		return routing.NoMatch()
	}
	return routing.Found(routing.Proxy(target))
}

// LookupPOTN implements routing.POTNOracle: every numeric user with no
// other match relays to the configured PSTN gateway.
func (s *Store) LookupPOTN(user string) routing.LookupResult {
	var gateway string
	if err := s.db.QueryRow(`SELECT uri FROM potn_gateway WHERE id = 0`).Scan(&gateway); err != nil {
		return routing.NotAvailable()
	}
	return routing.Found(routing.Relay(gateway))
}

// LookupRemoteURL implements routing.RemoteURLOracle. This reference
// directory has no remote-domain routing table of its own; every
// non-homedomain URI falls through to the contact-owner/relay default.
func (s *Store) LookupRemoteURL(uri routing.URI) routing.LookupResult {
	return routing.NoMatch()
}

// GetUserWithContact implements routing.ContactOwnerOracle. This reference
// directory does not index registrations by contact URI, so a remote URI
// never matches here and always falls through to Relay.
func (s *Store) GetUserWithContact(uri routing.URI) (string, bool) {
	return "", false
}

// LookupDefault implements routing.DefaultOracle: this directory has no
// catch-all destination, so an unresolved request ultimately gets None.
func (s *Store) LookupDefault(uri routing.URI) routing.LookupResult {
	return routing.NoMatch()
}
