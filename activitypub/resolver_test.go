package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/mammut/db"
)

// newTestDB opens a throwaway database with the full schema applied
func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database
}

// actorServer serves an ActivityPub actor document and counts fetches
type actorServer struct {
	ts       *httptest.Server
	fetches  atomic.Int64
	mu       sync.Mutex
	fail     bool
	delay    time.Duration
	username string
	keyPem   string
}

func newActorServer(t *testing.T, username string, keyPem string) *actorServer {
	t.Helper()

	as := &actorServer{username: username, keyPem: keyPem}
	as.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.fetches.Add(1)

		as.mu.Lock()
		fail := as.fail
		delay := as.delay
		keyPem := as.keyPem
		as.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		doc := map[string]interface{}{
			"id":                as.ActorURI(),
			"type":              "Person",
			"preferredUsername": as.username,
			"inbox":             as.ts.URL + "/users/" + as.username + "/inbox",
			"publicKey": map[string]string{
				"id":           as.ActorURI() + "#main-key",
				"owner":        as.ActorURI(),
				"publicKeyPem": keyPem,
			},
		}
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(as.ts.Close)

	return as
}

func (as *actorServer) ActorURI() string {
	return as.ts.URL + "/users/" + as.username
}

func (as *actorServer) setKey(keyPem string) {
	as.mu.Lock()
	as.keyPem = keyPem
	as.mu.Unlock()
}

func (as *actorServer) setFail(fail bool) {
	as.mu.Lock()
	as.fail = fail
	as.mu.Unlock()
}

func TestResolveFetchesAndCaches(t *testing.T) {
	database := newTestDB(t)
	as := newActorServer(t, "bob", "pem-material")
	resolver := NewResolver(database, time.Hour)

	actor, err := resolver.Resolve(context.Background(), as.ActorURI())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if actor.Username != "bob" {
		t.Errorf("Expected username 'bob', got '%s'", actor.Username)
	}
	if actor.PublicKeyPem != "pem-material" {
		t.Errorf("Expected key to round-trip, got '%s'", actor.PublicKeyPem)
	}

	// Second resolve within the TTL hits the cache
	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if got := as.fetches.Load(); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	database := newTestDB(t)
	as := newActorServer(t, "bob", "pem-material")
	resolver := NewResolver(database, time.Nanosecond)

	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	time.Sleep(time.Millisecond)

	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if got := as.fetches.Load(); got != 2 {
		t.Errorf("Expected 2 fetches past the TTL, got %d", got)
	}
}

func TestResolveFailureNotCached(t *testing.T) {
	database := newTestDB(t)
	as := newActorServer(t, "bob", "pem-material")
	as.setFail(true)
	resolver := NewResolver(database, time.Hour)

	_, err := resolver.Resolve(context.Background(), as.ActorURI())
	if !errors.Is(err, ErrActorUnavailable) {
		t.Fatalf("Expected ErrActorUnavailable, got %v", err)
	}

	// The failure must not be cached
	if err, cached := database.ReadRemoteActorByURI(as.ActorURI()); err == nil || cached != nil {
		t.Error("Expected no cache entry after a failed fetch")
	}

	// Once the remote recovers, the next resolve succeeds
	as.setFail(false)
	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Resolve after recovery failed: %v", err)
	}
}

func TestResolveIncompleteDocRejected(t *testing.T) {
	database := newTestDB(t)
	// Empty key material makes the document unusable
	as := newActorServer(t, "bob", "")
	resolver := NewResolver(database, time.Hour)

	_, err := resolver.Resolve(context.Background(), as.ActorURI())
	if !errors.Is(err, ErrActorUnavailable) {
		t.Errorf("Expected ErrActorUnavailable for incomplete document, got %v", err)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	database := newTestDB(t)
	as := newActorServer(t, "bob", "pem-material")
	as.mu.Lock()
	as.delay = 50 * time.Millisecond
	as.mu.Unlock()
	resolver := NewResolver(database, time.Hour)

	// Concurrent resolves of the same cold URI collapse into one fetch
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := resolver.Resolve(context.Background(), as.ActorURI())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent resolve failed: %v", err)
		}
	}

	if got := as.fetches.Load(); got != 1 {
		t.Errorf("Expected concurrent resolves to collapse to 1 fetch, got %d", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	database := newTestDB(t)
	as := newActorServer(t, "bob", "pem-material")
	resolver := NewResolver(database, time.Hour)

	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	resolver.Invalidate(as.ActorURI())

	if _, err := resolver.Resolve(context.Background(), as.ActorURI()); err != nil {
		t.Fatalf("Resolve after invalidate failed: %v", err)
	}

	if got := as.fetches.Load(); got != 2 {
		t.Errorf("Expected 2 fetches after invalidate, got %d", got)
	}
}
