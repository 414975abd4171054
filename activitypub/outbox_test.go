package activitypub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

func setupOutbox(t *testing.T) (*Outbox, *db.DB, *domain.Account) {
	t.Helper()

	database := newTestDB(t)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"

	keys := util.GeneratePemKeypair()
	account := &domain.Account{
		Id:            uuid.New(),
		Username:      "alice",
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateAccount(account); err != nil {
		t.Fatalf("Failed to create local account: %v", err)
	}

	resolver := NewResolver(database, time.Hour)
	queue := NewQueue(database, conf)

	return NewOutbox(database, resolver, queue, conf), database, account
}

// seedFollower records an accepted follow edge and its cached remote actor
func seedFollower(t *testing.T, database *db.DB, targetURI, actorURI, inboxURI, sharedInboxURI string) {
	t.Helper()

	actor := &domain.RemoteActor{
		Id:             uuid.New(),
		Username:       "follower",
		Domain:         "remote.example",
		ActorURI:       actorURI,
		InboxURI:       inboxURI,
		SharedInboxURI: sharedInboxURI,
		PublicKeyPem:   "pem",
		FetchedAt:      time.Now(),
	}
	if err := database.UpsertRemoteActor(actor); err != nil {
		t.Fatalf("UpsertRemoteActor failed: %v", err)
	}

	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorURI:  actorURI,
		TargetURI: targetURI,
		URI:       actorURI + "/a/follow",
		State:     domain.FollowAccepted,
		CreatedAt: time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
}

func TestActorAndKeyIRIs(t *testing.T) {
	if got := ActorIRI("local.example", "alice"); got != "https://local.example/users/alice" {
		t.Errorf("Unexpected actor IRI '%s'", got)
	}
	if got := KeyIRI("local.example", "alice"); got != "https://local.example/users/alice#main-key" {
		t.Errorf("Unexpected key IRI '%s'", got)
	}
}

func TestNewFollowReply(t *testing.T) {
	follow := &Activity{
		ID:    "https://remote.example/a/follow-1",
		Type:  TypeFollow,
		Actor: "https://remote.example/users/bob",
	}

	reply := NewFollowReply(TypeAccept, "local.example", "alice", follow)

	if reply.Type != TypeAccept {
		t.Errorf("Expected type Accept, got '%s'", reply.Type)
	}
	if reply.Actor != "https://local.example/users/alice" {
		t.Errorf("Unexpected reply actor '%s'", reply.Actor)
	}
	if reply.ID == "" || reply.ID == follow.ID {
		t.Errorf("Expected a fresh activity id, got '%s'", reply.ID)
	}

	// The reply embeds the original follow
	inner, err := reply.InnerActivity()
	if err != nil {
		t.Fatalf("InnerActivity failed: %v", err)
	}
	if inner.ID != follow.ID {
		t.Errorf("Expected embedded follow id '%s', got '%s'", follow.ID, inner.ID)
	}
	if inner.Type != TypeFollow {
		t.Errorf("Expected embedded type Follow, got '%s'", inner.Type)
	}
	if inner.Actor != follow.Actor {
		t.Errorf("Expected embedded actor '%s', got '%s'", follow.Actor, inner.Actor)
	}
}

func TestSendCreateStoresPostAndFansOut(t *testing.T) {
	outbox, database, account := setupOutbox(t)
	actorURI := ActorIRI("local.example", account.Username)

	// Two followers behind one shared inbox, one with only a personal inbox
	shared := "https://remote.example/inbox"
	seedFollower(t, database, actorURI, "https://remote.example/users/b1", "https://remote.example/users/b1/inbox", shared)
	seedFollower(t, database, actorURI, "https://remote.example/users/b2", "https://remote.example/users/b2/inbox", shared)
	seedFollower(t, database, actorURI, "https://other.example/users/c", "https://other.example/users/c/inbox", "")

	if err := outbox.SendCreate(context.Background(), account, "hello fediverse"); err != nil {
		t.Fatalf("SendCreate failed: %v", err)
	}

	// One copy per destination inbox, shared inbox deduplicated
	err, count := database.CountDeliveriesByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 queued deliveries, got %d", count)
	}

	err, posts := database.ReadRecentPosts(10)
	if err != nil {
		t.Fatalf("ReadRecentPosts failed: %v", err)
	}
	if len(*posts) != 1 {
		t.Fatalf("Expected 1 stored post, got %d", len(*posts))
	}

	post := (*posts)[0]
	if post.ActorURI != actorURI {
		t.Errorf("Unexpected post actor '%s'", post.ActorURI)
	}
	if post.Content != "hello fediverse" {
		t.Errorf("Unexpected post content '%s'", post.Content)
	}

	// The stored raw JSON is the Create that went on the wire
	var create Activity
	if err := json.Unmarshal([]byte(post.RawJSON), &create); err != nil {
		t.Fatalf("Failed to parse stored activity: %v", err)
	}
	if create.Type != TypeCreate {
		t.Errorf("Expected stored Create activity, got '%s'", create.Type)
	}
	if len(create.To) == 0 || create.To[0] != PublicAudience {
		t.Error("Expected Create addressed to the public audience")
	}
}

func TestSendCreateWithoutFollowers(t *testing.T) {
	outbox, database, account := setupOutbox(t)

	if err := outbox.SendCreate(context.Background(), account, "talking to myself"); err != nil {
		t.Fatalf("SendCreate failed: %v", err)
	}

	err, count := database.CountDeliveriesByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no deliveries without followers, got %d", count)
	}

	err, posts := database.ReadRecentPosts(10)
	if err != nil {
		t.Fatalf("ReadRecentPosts failed: %v", err)
	}
	if len(*posts) != 1 {
		t.Errorf("Expected the post to be stored anyway, got %d", len(*posts))
	}
}

func TestSendFollowRecordsPendingEdge(t *testing.T) {
	outbox, database, account := setupOutbox(t)
	remote := newActorServer(t, "bob", "pem-material")

	if err := outbox.SendFollow(context.Background(), account, remote.ActorURI()); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	actorURI := ActorIRI("local.example", account.Username)
	err, follow := database.ReadFollowByActors(actorURI, remote.ActorURI())
	if err != nil {
		t.Fatalf("ReadFollowByActors failed: %v", err)
	}
	if follow.State != domain.FollowPending {
		t.Errorf("Expected pending follow, got '%s'", follow.State)
	}

	err, count := database.CountDeliveriesByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 queued delivery, got %d", count)
	}
}

func TestSendUndoFollowRemovesEdge(t *testing.T) {
	outbox, database, account := setupOutbox(t)
	remote := newActorServer(t, "bob", "pem-material")

	if err := outbox.SendFollow(context.Background(), account, remote.ActorURI()); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	if err := outbox.SendUndoFollow(context.Background(), account, remote.ActorURI()); err != nil {
		t.Fatalf("SendUndoFollow failed: %v", err)
	}

	actorURI := ActorIRI("local.example", account.Username)
	err, follow := database.ReadFollowByActors(actorURI, remote.ActorURI())
	if err == nil || follow != nil {
		t.Error("Expected follow edge to be removed")
	}

	// Follow and Undo both queued
	err, count := database.CountDeliveriesByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 queued deliveries, got %d", count)
	}
}

func TestSendUndoFollowWithoutEdge(t *testing.T) {
	outbox, _, account := setupOutbox(t)

	err := outbox.SendUndoFollow(context.Background(), account, "https://remote.example/users/bob")
	if err == nil {
		t.Error("Expected error undoing a follow that does not exist")
	}
}

func TestSendDeleteQueuesTombstone(t *testing.T) {
	outbox, database, account := setupOutbox(t)
	actorURI := ActorIRI("local.example", account.Username)

	seedFollower(t, database, actorURI, "https://remote.example/users/b1", "https://remote.example/users/b1/inbox", "")

	if err := outbox.SendCreate(context.Background(), account, "soon gone"); err != nil {
		t.Fatalf("SendCreate failed: %v", err)
	}

	err, posts := database.ReadRecentPosts(10)
	if err != nil {
		t.Fatalf("ReadRecentPosts failed: %v", err)
	}
	objectURI := (*posts)[0].ObjectURI

	if err := outbox.SendDelete(context.Background(), account, objectURI); err != nil {
		t.Fatalf("SendDelete failed: %v", err)
	}

	err, post := database.ReadPostByObjectURI(objectURI)
	if err != nil {
		t.Fatalf("ReadPostByObjectURI failed: %v", err)
	}
	if !post.Deleted {
		t.Error("Expected post to be soft-deleted")
	}

	// Create and Delete both queued for the follower
	err, count := database.CountDeliveriesByStatus(domain.DeliveryPending)
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 queued deliveries, got %d", count)
	}
}
