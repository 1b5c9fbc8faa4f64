package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreSetAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	body := FakeOfflinePIDF("sip:alice@example.org")

	if result := store.Set(ctx, "alice", "etag-1", time.Now().Add(time.Hour), ContentTypePIDF, body); result != StoreOK {
		t.Fatalf("Set = %v, want StoreOK", result)
	}
	if !store.Exists(ctx, "alice", "etag-1") {
		t.Fatalf("Exists = false, want true right after Set")
	}

	got, ctype, found := store.GetXML(ctx, "alice", []string{ContentTypePIDF})
	if !found || ctype != ContentTypePIDF || string(got) != string(body) {
		t.Fatalf("GetXML = (%q, %q, %v), want the stored document back", got, ctype, found)
	}
}

func TestSQLiteStoreSetRejectsUnknownContentType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	result := store.Set(context.Background(), "alice", "etag-1", time.Now().Add(time.Hour), "application/sdp", []byte("v=0"))
	if result != StoreUnknownContentType {
		t.Fatalf("Set = %v, want StoreUnknownContentType", result)
	}
}

func TestSQLiteStoreSetRejectsBadXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	result := store.Set(context.Background(), "alice", "etag-1", time.Now().Add(time.Hour), ContentTypePIDF, []byte("<broken"))
	if result != StoreBadXML {
		t.Fatalf("Set = %v, want StoreBadXML", result)
	}
}

func TestSQLiteStoreRefreshRotatesETag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	body := FakeOfflinePIDF("sip:alice@example.org")
	store.Set(ctx, "alice", "etag-1", time.Now().Add(time.Hour), ContentTypePIDF, body)

	if err := store.Refresh(ctx, "alice", "etag-1", time.Now().Add(2*time.Hour), "etag-2"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if store.Exists(ctx, "alice", "etag-1") {
		t.Fatalf("old etag should no longer exist after refresh")
	}
	if !store.Exists(ctx, "alice", "etag-2") {
		t.Fatalf("new etag should exist after refresh")
	}
}

func TestSQLiteStoreGetXMLExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Set(ctx, "alice", "etag-1", time.Now().Add(-time.Second), ContentTypePIDF, FakeOfflinePIDF("sip:alice@example.org"))

	if _, _, found := store.GetXML(ctx, "alice", []string{ContentTypePIDF}); found {
		t.Fatalf("expired document should not be returned")
	}
}
