package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// setupServer wires a full engine against a throwaway database with one
// local account "alice"
func setupServer(t *testing.T) (*gin.Engine, *db.DB, *util.AppConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.WithAp = true
	conf.Conf.ApiToken = "secret"

	keys := util.GeneratePemKeypair()
	account := &domain.Account{
		Id:            uuid.New(),
		Username:      "alice",
		DisplayName:   "Alice",
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateAccount(account); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	resolver := activitypub.NewResolver(database, time.Hour)
	queue := activitypub.NewQueue(database, conf)
	processor := activitypub.NewProcessor(database, resolver, queue, conf)
	outbox := activitypub.NewOutbox(database, resolver, queue, conf)

	server := NewServer(conf, database, processor, outbox)
	return server.Engine(), database, conf
}

func TestActorEndpoint(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/users/alice", nil)
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/activity+json") {
		t.Errorf("Expected ActivityPub content type, got '%s'", w.Header().Get("Content-Type"))
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Actor document is not valid JSON: %v", err)
	}

	if doc["id"] != "https://local.example/users/alice" {
		t.Errorf("Unexpected actor id %v", doc["id"])
	}
	if doc["preferredUsername"] != "alice" {
		t.Errorf("Unexpected preferredUsername %v", doc["preferredUsername"])
	}
	if doc["inbox"] != "https://local.example/users/alice/inbox" {
		t.Errorf("Unexpected inbox %v", doc["inbox"])
	}

	publicKey, ok := doc["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected publicKey object in actor document")
	}
	pem, _ := publicKey["publicKeyPem"].(string)
	if !strings.Contains(pem, "BEGIN PUBLIC KEY") {
		t.Error("Expected PEM key material in actor document")
	}
}

func TestActorEndpointUnknownUser(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/users/nobody", nil)
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestWebfingerEndpoint(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/.well-known/webfinger?resource=acct:alice@local.example", nil)
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("WebFinger response is not valid JSON: %v", err)
	}
	if doc["subject"] != "acct:alice@local.example" {
		t.Errorf("Unexpected subject %v", doc["subject"])
	}
}

func TestWebfingerUnknownUser(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/.well-known/webfinger?resource=acct:nobody@local.example", nil)
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestCollectionsEndpoints(t *testing.T) {
	g, database, _ := setupServer(t)

	// One accepted follower
	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorURI:  "https://remote.example/users/bob",
		TargetURI: "https://local.example/users/alice",
		URI:       "https://remote.example/a/follow-1",
		State:     domain.FollowAccepted,
		CreatedAt: time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	paths := map[string]float64{
		"/users/alice/followers": 1,
		"/users/alice/following": 0,
		"/users/alice/outbox":    0,
	}

	for path, wantTotal := range paths {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		g.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 for %s, got %d", path, w.Code)
		}

		var doc map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
			t.Fatalf("Collection %s is not valid JSON: %v", path, err)
		}
		if doc["type"] != "OrderedCollection" {
			t.Errorf("Expected OrderedCollection for %s, got %v", path, doc["type"])
		}
		if doc["totalItems"] != wantTotal {
			t.Errorf("Expected totalItems %v for %s, got %v", wantTotal, path, doc["totalItems"])
		}
	}
}

func TestInboxMalformedReturns400(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/inbox", strings.NewReader(`{"type":`))
	req.Header.Set("Content-Type", "application/activity+json")
	g.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed activity, got %d", w.Code)
	}
}

func TestInboxUnsignedReturns401(t *testing.T) {
	g, _, _ := setupServer(t)

	body := `{"id":"https://remote.example/a/1","type":"Like","actor":"https://remote.example/users/bob","object":"x"}`

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/users/alice/inbox", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	g.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned activity, got %d", w.Code)
	}
}

func TestOutboxPostCreate(t *testing.T) {
	g, database, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/users/alice/outbox", strings.NewReader(`{"type":"Create","content":"hello"}`))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	g.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	err, posts := database.ReadRecentPosts(10)
	if err != nil {
		t.Fatalf("ReadRecentPosts failed: %v", err)
	}
	if len(*posts) != 1 {
		t.Errorf("Expected 1 stored post, got %d", len(*posts))
	}
}

func TestOutboxPostRequiresToken(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/users/alice/outbox", strings.NewReader(`{"type":"Create","content":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	g.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestOutboxPostUnsupportedType(t *testing.T) {
	g, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/users/alice/outbox", strings.NewReader(`{"type":"Arrive"}`))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	g.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported type, got %d", w.Code)
	}
}

func TestFeedEndpoint(t *testing.T) {
	g, database, _ := setupServer(t)

	post := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   "https://remote.example/notes/1",
		ActivityURI: "https://remote.example/a/1",
		ActorURI:    "https://remote.example/users/bob",
		Content:     "hello rss",
		Published:   time.Now(),
		RawJSON:     "{}",
		CreatedAt:   time.Now(),
	}
	if err := database.CreatePost(post); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/feed", nil)
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hello rss") {
		t.Error("Expected feed to contain the post content")
	}
	if !strings.Contains(w.Body.String(), "<rss") {
		t.Error("Expected RSS XML output")
	}
}
