package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// ActorIRI returns the canonical actor URI of a local user
func ActorIRI(sslDomain string, username string) string {
	return fmt.Sprintf("https://%s/users/%s", sslDomain, username)
}

// KeyIRI returns the keyId used in signatures for a local user
func KeyIRI(sslDomain string, username string) string {
	return fmt.Sprintf("https://%s/users/%s#main-key", sslDomain, username)
}

// NewActivityIRI mints a fresh URI for a locally originated activity
func NewActivityIRI(sslDomain string) string {
	return fmt.Sprintf("https://%s/activities/%s", sslDomain, uuid.New().String())
}

// NewFollowReply builds the Accept or Reject wrapping an inbound Follow.
func NewFollowReply(replyType string, sslDomain string, username string, follow *Activity) *Activity {
	actorURI := ActorIRI(sslDomain, username)

	inner, _ := json.Marshal(map[string]string{
		"id":     follow.ID,
		"type":   TypeFollow,
		"actor":  follow.Actor,
		"object": actorURI,
	})

	return &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityIRI(sslDomain),
		Type:    replyType,
		Actor:   actorURI,
		Object:  inner,
	}
}

// Outbox originates local activities and fans them out to remote inboxes
// through the delivery queue.
type Outbox struct {
	db       *db.DB
	resolver *Resolver
	queue    *Queue
	conf     *util.AppConfig
}

func NewOutbox(database *db.DB, resolver *Resolver, queue *Queue, conf *util.AppConfig) *Outbox {
	return &Outbox{
		db:       database,
		resolver: resolver,
		queue:    queue,
		conf:     conf,
	}
}

// SendFollow sends a Follow to a remote actor and records the pending edge
func (o *Outbox) SendFollow(ctx context.Context, account *domain.Account, remoteActorURI string) error {
	remote, err := o.resolver.Resolve(ctx, remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve remote actor: %w", err)
	}

	actorURI := ActorIRI(o.conf.Conf.SslDomain, account.Username)
	objectJSON, _ := json.Marshal(remoteActorURI)

	follow := &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityIRI(o.conf.Conf.SslDomain),
		Type:    TypeFollow,
		Actor:   actorURI,
		Object:  objectJSON,
	}

	followJSON, err := MarshalActivity(follow)
	if err != nil {
		return fmt.Errorf("failed to marshal follow: %w", err)
	}

	return o.db.WithTx(func(tx *sql.Tx) error {
		record := &domain.Follow{
			Id:        uuid.New(),
			ActorURI:  actorURI,
			TargetURI: remoteActorURI,
			URI:       follow.ID,
			State:     domain.FollowPending,
			CreatedAt: time.Now(),
		}
		if err := o.db.CreateFollowTx(tx, record); err != nil {
			return fmt.Errorf("failed to store follow: %w", err)
		}
		return o.queue.EnqueueTx(tx, follow.ID, string(followJSON), []string{remote.InboxURI})
	})
}

// SendUndoFollow retracts a previously sent Follow
func (o *Outbox) SendUndoFollow(ctx context.Context, account *domain.Account, remoteActorURI string) error {
	actorURI := ActorIRI(o.conf.Conf.SslDomain, account.Username)

	err, follow := o.db.ReadFollowByActors(actorURI, remoteActorURI)
	if err != nil || follow == nil {
		return fmt.Errorf("no follow of %s to undo", remoteActorURI)
	}

	remote, err := o.resolver.Resolve(ctx, remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve remote actor: %w", err)
	}

	inner, _ := json.Marshal(map[string]string{
		"id":     follow.URI,
		"type":   TypeFollow,
		"actor":  actorURI,
		"object": remoteActorURI,
	})

	undo := &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityIRI(o.conf.Conf.SslDomain),
		Type:    TypeUndo,
		Actor:   actorURI,
		Object:  inner,
	}

	undoJSON, err := MarshalActivity(undo)
	if err != nil {
		return fmt.Errorf("failed to marshal undo: %w", err)
	}

	return o.db.WithTx(func(tx *sql.Tx) error {
		if err := o.db.DeleteFollowByURITx(tx, follow.URI); err != nil {
			return fmt.Errorf("failed to remove follow: %w", err)
		}
		return o.queue.EnqueueTx(tx, undo.ID, string(undoJSON), []string{remote.InboxURI})
	})
}

// SendCreate wraps a local post in a Create and fans it out to the
// accepted followers' inboxes.
func (o *Outbox) SendCreate(ctx context.Context, account *domain.Account, content string) error {
	sslDomain := o.conf.Conf.SslDomain
	actorURI := ActorIRI(sslDomain, account.Username)
	noteId := uuid.New()
	noteURI := fmt.Sprintf("https://%s/notes/%s", sslDomain, noteId.String())
	now := time.Now()
	followersURI := fmt.Sprintf("%s/followers", actorURI)

	note := NoteObject{
		ID:           noteURI,
		Type:         "Note",
		Content:      util.NormalizeInput(content),
		Published:    now.UTC().Format(time.RFC3339),
		AttributedTo: actorURI,
		To:           Audience{PublicAudience},
		CC:           Audience{followersURI},
	}
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal note: %w", err)
	}

	create := &Activity{
		Context:   ActivityStreamsContext,
		ID:        NewActivityIRI(sslDomain),
		Type:      TypeCreate,
		Actor:     actorURI,
		Object:    noteJSON,
		To:        Audience{PublicAudience},
		CC:        Audience{followersURI},
		Published: now.UTC().Format(time.RFC3339),
	}

	createJSON, err := MarshalActivity(create)
	if err != nil {
		return fmt.Errorf("failed to marshal create: %w", err)
	}

	inboxes, err := o.followerInboxes(actorURI)
	if err != nil {
		return err
	}

	return o.db.WithTx(func(tx *sql.Tx) error {
		post := &domain.Post{
			Id:          noteId,
			ObjectURI:   noteURI,
			ActivityURI: create.ID,
			ActorURI:    actorURI,
			Content:     note.Content,
			Published:   now,
			RawJSON:     string(createJSON),
			CreatedAt:   now,
		}
		if err := o.db.CreatePostTx(tx, post); err != nil {
			return fmt.Errorf("failed to store post: %w", err)
		}

		if len(inboxes) == 0 {
			log.Printf("Outbox: No followers to deliver %s to", create.ID)
			return nil
		}
		return o.queue.EnqueueTx(tx, create.ID, string(createJSON), inboxes)
	})
}

// SendDelete announces the deletion of a local post to the followers
func (o *Outbox) SendDelete(ctx context.Context, account *domain.Account, objectURI string) error {
	sslDomain := o.conf.Conf.SslDomain
	actorURI := ActorIRI(sslDomain, account.Username)

	tombstone, _ := json.Marshal(map[string]string{
		"id":   objectURI,
		"type": "Tombstone",
	})

	deleteActivity := &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityIRI(sslDomain),
		Type:    TypeDelete,
		Actor:   actorURI,
		Object:  tombstone,
		To:      Audience{PublicAudience},
	}

	deleteJSON, err := MarshalActivity(deleteActivity)
	if err != nil {
		return fmt.Errorf("failed to marshal delete: %w", err)
	}

	inboxes, err := o.followerInboxes(actorURI)
	if err != nil {
		return err
	}

	return o.db.WithTx(func(tx *sql.Tx) error {
		if err := o.db.SoftDeletePostTx(tx, objectURI); err != nil {
			return fmt.Errorf("failed to delete post: %w", err)
		}
		if len(inboxes) == 0 {
			return nil
		}
		return o.queue.EnqueueTx(tx, deleteActivity.ID, string(deleteJSON), inboxes)
	})
}

// followerInboxes computes the distinct delivery inboxes of the accepted
// followers, preferring each destination's shared inbox so one instance
// receives one copy.
func (o *Outbox) followerInboxes(actorURI string) ([]string, error) {
	err, followers := o.db.ReadAcceptedFollowers(actorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers: %w", err)
	}

	seen := make(map[string]bool)
	var inboxes []string

	for _, follower := range *followers {
		err, remote := o.db.ReadRemoteActorByURI(follower.ActorURI)
		if err != nil || remote == nil {
			log.Printf("Outbox: Follower %s not in actor cache, skipping", follower.ActorURI)
			continue
		}

		inbox := remote.InboxURI
		if remote.SharedInboxURI != "" {
			inbox = remote.SharedInboxURI
		}

		if !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}

	return inboxes, nil
}
