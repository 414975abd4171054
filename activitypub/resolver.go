package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrActorUnavailable is returned when a remote actor document cannot be
// fetched. Failed fetches are never written to the cache, so the next
// access retries.
var ErrActorUnavailable = errors.New("remote actor unavailable")

// Resolver fetches and caches remote actor documents. Concurrent
// resolves of the same URI collapse into a single outbound fetch.
type Resolver struct {
	db     *db.DB
	client *http.Client
	ttl    time.Duration
	group  singleflight.Group
}

func NewResolver(database *db.DB, ttl time.Duration) *Resolver {
	return &Resolver{
		db:     database,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    ttl,
	}
}

// Resolve returns the actor from cache when fresh, otherwise fetches the
// document and replaces the cache entry.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	err, cached := r.db.ReadRemoteActorByURI(actorURI)
	if err == nil && cached != nil && time.Since(cached.FetchedAt) < r.ttl {
		return cached, nil
	}

	return r.Refresh(ctx, actorURI)
}

// Refresh bypasses the TTL check and fetches the actor document,
// single-flighted per URI.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	v, err, _ := r.group.Do(actorURI, func() (interface{}, error) {
		return r.fetch(ctx, actorURI)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteActor), nil
}

// Invalidate drops the cached entry so the next resolve refetches. Used
// when a signature fails against a cached key.
func (r *Resolver) Invalidate(actorURI string) {
	if err := r.db.DeleteRemoteActor(actorURI); err != nil {
		log.Printf("Resolver: Failed to invalidate %s: %v", actorURI, err)
	}
}

func (r *Resolver) fetch(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad actor URI: %v", ErrActorUnavailable, err)
	}

	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch of %s returned status %d", ErrActorUnavailable, actorURI, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}

	var doc ActorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed actor document: %v", ErrActorUnavailable, err)
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor document missing required fields", ErrActorUnavailable)
	}

	domainName, err := ExtractDomain(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}

	actor := &domain.RemoteActor{
		Id:             uuid.New(),
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		OutboxURI:      doc.Outbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		FetchedAt:      time.Now(),
	}

	if err := r.db.UpsertRemoteActor(actor); err != nil {
		return nil, fmt.Errorf("failed to cache remote actor: %w", err)
	}

	log.Printf("Resolver: Cached actor %s@%s", actor.Username, actor.Domain)
	return actor, nil
}
