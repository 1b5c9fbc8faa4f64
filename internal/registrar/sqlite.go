package registrar

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistrar persists contacts in a sqlite database, for a proxy
// instance that must survive restarts without losing registrations. It
// uses the pure-Go modernc.org/sqlite driver, so the binary stays
// CGo-free.
type SQLiteRegistrar struct {
	db *sql.DB
}

// NewSQLiteRegistrar opens (creating if necessary) a sqlite database at
// path and ensures the contacts table exists.
func NewSQLiteRegistrar(path string) (*SQLiteRegistrar, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registrar database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	aor TEXT NOT NULL,
	uri TEXT NOT NULL,
	call_id TEXT NOT NULL,
	cseq INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (aor, uri)
);
CREATE INDEX IF NOT EXISTS contacts_aor_idx ON contacts(aor);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registrar schema: %w", err)
	}

	return &SQLiteRegistrar{db: db}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRegistrar) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistrar) Register(ctx context.Context, contact Contact) error {
	if !contact.ExpiresAt.After(time.Now()) {
		_, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE aor = ? AND uri = ?`, contact.AOR, contact.URI)
		return err
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO contacts (aor, uri, call_id, cseq, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(aor, uri) DO UPDATE SET call_id = excluded.call_id, cseq = excluded.cseq, expires_at = excluded.expires_at
`, contact.AOR, contact.URI, contact.CallID, contact.CSeq, contact.ExpiresAt.Unix())
	return err
}

func (r *SQLiteRegistrar) UnregisterAll(ctx context.Context, aor string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE aor = ?`, aor)
	return err
}

func (r *SQLiteRegistrar) FindContacts(ctx context.Context, aor string) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT aor, uri, call_id, cseq, expires_at FROM contacts WHERE aor = ? AND expires_at > ?`, aor, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		var expiresUnix int64
		if err := rows.Scan(&c.AOR, &c.URI, &c.CallID, &c.CSeq, &expiresUnix); err != nil {
			return nil, err
		}
		c.ExpiresAt = time.Unix(expiresUnix, 0)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *SQLiteRegistrar) CleanupExpired(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE expires_at <= ?`, time.Now().Unix())
	return err
}
