package presence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sipwerk/proxy/internal/parser"
)

// SQLiteStore is the reference PIDFStore: one row per current publication,
// keyed by user, with the serving ETag and expiry alongside the document.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a PIDF store backed by a
// sqlite database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS presence_documents (
		row_id TEXT PRIMARY KEY,
		user TEXT NOT NULL UNIQUE,
		etag TEXT NOT NULL,
		content_type TEXT NOT NULL,
		body BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Supported reports the content types this store accepts for either role;
// this agent speaks exactly one presence document format.
func (s *SQLiteStore) Supported(role string) []string {
	return []string{ContentTypePIDF}
}

// Set implements the PUBLISH/NOTIFY create path: validate the content type
// and, for PIDF, well-formedness, then replace whatever this user had
// published before.
func (s *SQLiteStore) Set(ctx context.Context, user, etag string, expiresAt time.Time, contentType string, body []byte) StoreResult {
	if parser.BaseContentType(contentType) != ContentTypePIDF {
		return StoreUnknownContentType
	}
	if !ValidatePIDF(body) {
		return StoreBadXML
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_documents (row_id, user, etag, content_type, body, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET row_id=excluded.row_id, etag=excluded.etag,
			content_type=excluded.content_type, body=excluded.body, expires_at=excluded.expires_at
	`, uuid.NewString(), user, etag, contentType, body, expiresAt.Unix())
	if err != nil {
		return StoreUnknownContentType
	}
	return StoreOK
}

// Refresh rotates the ETag and expiry of an existing publication without
// touching its document body.
func (s *SQLiteStore) Refresh(ctx context.Context, user, etagOld string, expiresAt time.Time, etagNew string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE presence_documents SET etag = ?, expires_at = ? WHERE user = ? AND etag = ?`,
		etagNew, expiresAt.Unix(), user, etagOld)
	return err
}

// Exists reports whether user currently has a live publication under etag.
func (s *SQLiteStore) Exists(ctx context.Context, user, etag string) bool {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM presence_documents WHERE user = ? AND etag = ?`, user, etag).Scan(&expiresAt)
	if err != nil {
		return false
	}
	return expiresAt > time.Now().Unix()
}

// GetXML returns the current document for user, if one exists, has not
// expired, and its content type is among acceptTypes.
func (s *SQLiteStore) GetXML(ctx context.Context, user string, acceptTypes []string) ([]byte, string, bool) {
	var contentType string
	var body []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, body, expires_at FROM presence_documents WHERE user = ?`, user).
		Scan(&contentType, &body, &expiresAt)
	if err != nil || expiresAt <= time.Now().Unix() {
		return nil, "", false
	}
	if len(acceptTypes) > 0 && !containsFold(acceptTypes, contentType) {
		return nil, "", false
	}
	return body, contentType, true
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
