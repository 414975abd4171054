package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

// Outcome is the terminal state of processing one inbound activity.
type Outcome string

const (
	OutcomeApplied  Outcome = domain.OutcomeApplied
	OutcomeIgnored  Outcome = domain.OutcomeIgnored
	OutcomeRejected Outcome = domain.OutcomeRejected
)

// ErrDuplicateActivity is not a failure: the activity was received before
// and its side effects already applied.
var ErrDuplicateActivity = errors.New("duplicate activity")

// Processor validates, deduplicates and dispatches inbound activities.
type Processor struct {
	db       *db.DB
	resolver *Resolver
	queue    *Queue
	conf     *util.AppConfig
	skew     time.Duration
	now      func() time.Time
}

func NewProcessor(database *db.DB, resolver *Resolver, queue *Queue, conf *util.AppConfig) *Processor {
	return &Processor{
		db:       database,
		resolver: resolver,
		queue:    queue,
		conf:     conf,
		skew:     conf.DateSkew(),
		now:      time.Now,
	}
}

// Process runs one activity through the pipeline:
// parse, verify signature, dedup, dispatch, record in the ledger.
// The ledger write happens in the same transaction as the side effects.
func (p *Processor) Process(ctx context.Context, req *http.Request, body []byte) (Outcome, error) {
	activity, err := ParseActivity(body)
	if err != nil {
		return OutcomeRejected, err
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.Actor)

	signer, err := p.verifySignature(ctx, req, body)
	if err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", activity.ID, err)
		return OutcomeRejected, err
	}

	if signer != activity.Actor {
		log.Printf("Inbox: Signer %s does not match activity actor %s", signer, activity.Actor)
		return OutcomeRejected, fmt.Errorf("%w: signer does not match actor", ErrSignatureInvalid)
	}

	// Fast path: already processed, nothing to do. The conditional ledger
	// insert below closes the race two concurrent duplicates could hit here.
	err, seen := p.db.HasProcessedActivity(activity.ID)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to check ledger: %w", err)
	}
	if seen {
		log.Printf("Inbox: Activity %s already processed, ignoring", activity.ID)
		return OutcomeIgnored, nil
	}

	outcome := OutcomeIgnored
	err = p.db.WithTx(func(tx *sql.Tx) error {
		oc, err := p.dispatch(ctx, tx, activity, body)
		if err != nil {
			return err
		}
		outcome = oc

		inserted, err := p.db.InsertProcessedActivityTx(tx, activity.ID, string(oc))
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent duplicate won the race; roll our side effects back.
			return ErrDuplicateActivity
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateActivity) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeRejected, err
	}

	return outcome, nil
}

// verifySignature checks date freshness, body digest and the HTTP
// signature. A failure against a cached key gets exactly one cache
// refresh and retry; a second failure is terminal for the request.
func (p *Processor) verifySignature(ctx context.Context, req *http.Request, body []byte) (string, error) {
	if err := CheckDate(req, p.skew, p.now()); err != nil {
		return "", err
	}

	if err := CheckDigest(req, body); err != nil {
		return "", err
	}

	keyId, err := RequestKeyId(req)
	if err != nil {
		return "", err
	}
	owner := KeyOwner(keyId)

	err, cached := p.db.ReadRemoteActorByURI(owner)
	wasCached := err == nil && cached != nil

	actor, err := p.resolver.Resolve(ctx, owner)
	if err != nil {
		return "", err
	}

	if _, verr := VerifyRequest(req, actor.PublicKeyPem); verr == nil {
		return owner, nil
	} else if !wasCached {
		// The key was fetched for this very request; no refresh will help.
		return "", verr
	}

	// The cached key may be stale after a key rotation. One refresh, one retry.
	p.resolver.Invalidate(owner)
	actor, err = p.resolver.Refresh(ctx, owner)
	if err != nil {
		return "", err
	}

	if _, verr := VerifyRequest(req, actor.PublicKeyPem); verr != nil {
		return "", verr
	}
	return owner, nil
}

func (p *Processor) dispatch(ctx context.Context, tx *sql.Tx, activity *Activity, body []byte) (Outcome, error) {
	switch activity.Type {
	case TypeCreate:
		return p.handleCreate(tx, activity, body)
	case TypeFollow:
		return p.handleFollow(ctx, tx, activity)
	case TypeAccept:
		return p.handleAccept(tx, activity)
	case TypeReject:
		return p.handleReject(tx, activity)
	case TypeLike:
		return p.handleLike(tx, activity)
	case TypeAnnounce:
		return p.handleAnnounce(tx, activity)
	case TypeUndo:
		return p.handleUndo(tx, activity)
	case TypeDelete:
		return p.handleDelete(tx, activity)
	case TypeUpdate:
		return p.handleUpdate(tx, activity, body)
	case TypeBlock:
		return p.handleBlock(tx, activity)
	default:
		log.Printf("Inbox: Unhandled activity type %s from %s", activity.Type, activity.Actor)
		return OutcomeIgnored, nil
	}
}

// handleCreate persists an incoming post
func (p *Processor) handleCreate(tx *sql.Tx, activity *Activity, body []byte) (Outcome, error) {
	note, err := activity.Note()
	if err != nil {
		return OutcomeRejected, err
	}

	published := time.Now()
	if note.Published != "" {
		if parsed, err := time.Parse(time.RFC3339, note.Published); err == nil {
			published = parsed
		}
	}

	post := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   note.ID,
		ActivityURI: activity.ID,
		ActorURI:    activity.Actor,
		Content:     note.Content,
		Published:   published,
		RawJSON:     string(body),
		CreatedAt:   time.Now(),
	}

	if err := p.db.CreatePostTx(tx, post); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store post: %w", err)
	}

	log.Printf("Inbox: Stored post %s from %s", note.ID, activity.Actor)
	return OutcomeApplied, nil
}

// handleFollow records the follow edge and queues an Accept or Reject
// reply depending on local policy
func (p *Processor) handleFollow(ctx context.Context, tx *sql.Tx, activity *Activity) (Outcome, error) {
	targetURI := activity.ObjectRef().ID
	username, ok := p.localUsername(targetURI)
	if !ok {
		log.Printf("Inbox: Follow targets unknown actor %s, ignoring", targetURI)
		return OutcomeIgnored, nil
	}

	err, account := p.db.ReadAccountByUsername(username)
	if err != nil {
		log.Printf("Inbox: Follow targets unknown user %s, ignoring", username)
		return OutcomeIgnored, nil
	}

	remote, err := p.resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return OutcomeRejected, err
	}

	state := domain.FollowAccepted
	replyType := TypeAccept
	if p.conf.Conf.Closed {
		state = domain.FollowRejected
		replyType = TypeReject
	}

	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		TargetURI: targetURI,
		URI:       activity.ID,
		State:     state,
		CreatedAt: time.Now(),
	}

	if err := p.db.CreateFollowTx(tx, follow); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to create follow: %w", err)
	}

	reply := NewFollowReply(replyType, p.conf.Conf.SslDomain, account.Username, activity)
	replyJSON, err := MarshalActivity(reply)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("failed to marshal %s: %w", replyType, err)
	}

	if err := p.queue.EnqueueTx(tx, reply.ID, string(replyJSON), []string{remote.InboxURI}); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to queue %s: %w", replyType, err)
	}

	log.Printf("Inbox: %s follow %s from %s@%s", state, activity.ID, remote.Username, remote.Domain)
	return OutcomeApplied, nil
}

// handleAccept transitions a follow we previously sent
func (p *Processor) handleAccept(tx *sql.Tx, activity *Activity) (Outcome, error) {
	return p.transitionFollow(tx, activity, domain.FollowAccepted)
}

// handleReject transitions a follow we previously sent
func (p *Processor) handleReject(tx *sql.Tx, activity *Activity) (Outcome, error) {
	return p.transitionFollow(tx, activity, domain.FollowRejected)
}

func (p *Processor) transitionFollow(tx *sql.Tx, activity *Activity, state string) (Outcome, error) {
	inner, err := activity.InnerActivity()
	if err != nil {
		return OutcomeRejected, err
	}

	err, follow := p.db.ReadFollowByURI(inner.ID)
	if err != nil || follow == nil {
		log.Printf("Inbox: %s for unknown follow %s, ignoring", activity.Type, inner.ID)
		return OutcomeIgnored, nil
	}

	// Only the followed actor may answer its follow request
	if follow.TargetURI != activity.Actor {
		log.Printf("Inbox: %s from %s does not own follow %s", activity.Type, activity.Actor, inner.ID)
		return OutcomeIgnored, nil
	}

	if err := p.db.UpdateFollowStateTx(tx, inner.ID, state); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to update follow: %w", err)
	}

	log.Printf("Inbox: Follow %s is now %s", inner.ID, state)
	return OutcomeApplied, nil
}

func (p *Processor) handleLike(tx *sql.Tx, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectRef().ID
	if objectURI == "" {
		return OutcomeRejected, fmt.Errorf("%w: Like without object", ErrMalformedActivity)
	}

	like := &domain.Like{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: objectURI,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}

	if err := p.db.CreateLikeTx(tx, like); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store like: %w", err)
	}

	return OutcomeApplied, nil
}

func (p *Processor) handleAnnounce(tx *sql.Tx, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectRef().ID
	if objectURI == "" {
		return OutcomeRejected, fmt.Errorf("%w: Announce without object", ErrMalformedActivity)
	}

	announce := &domain.Announce{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		ObjectURI: objectURI,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}

	if err := p.db.CreateAnnounceTx(tx, announce); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store announce: %w", err)
	}

	return OutcomeApplied, nil
}

// handleUndo reverses a previously applied Follow, Like or Announce
func (p *Processor) handleUndo(tx *sql.Tx, activity *Activity) (Outcome, error) {
	inner, err := activity.InnerActivity()
	if err != nil {
		return OutcomeRejected, err
	}

	switch inner.Type {
	case TypeFollow:
		if err := p.db.DeleteFollowByURITx(tx, inner.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to undo follow: %w", err)
		}
	case TypeLike:
		if err := p.db.DeleteLikeByURITx(tx, inner.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to undo like: %w", err)
		}
	case TypeAnnounce:
		if err := p.db.DeleteAnnounceByURITx(tx, inner.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to undo announce: %w", err)
		}
	case TypeBlock:
		if err := p.db.DeleteBlockByURITx(tx, inner.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to undo block: %w", err)
		}
	default:
		log.Printf("Inbox: Undo wraps unhandled type %q, ignoring", inner.Type)
		return OutcomeIgnored, nil
	}

	log.Printf("Inbox: Undid %s %s from %s", inner.Type, inner.ID, activity.Actor)
	return OutcomeApplied, nil
}

// handleDelete soft-deletes a known federated post, or removes a remote
// actor that deleted its account
func (p *Processor) handleDelete(tx *sql.Tx, activity *Activity) (Outcome, error) {
	objectURI := activity.ObjectRef().ID
	if objectURI == "" {
		return OutcomeRejected, fmt.Errorf("%w: Delete without object", ErrMalformedActivity)
	}

	if objectURI == activity.Actor {
		// Actor deleted its account: drop the cached actor and its relations
		if err := p.db.DeleteFollowsByActorTx(tx, objectURI); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to remove follows: %w", err)
		}
		if err := p.db.DeleteRemoteActorTx(tx, objectURI); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to remove actor: %w", err)
		}
		log.Printf("Inbox: Removed deleted actor %s", objectURI)
		return OutcomeApplied, nil
	}

	err, post := p.db.ReadPostByObjectURI(objectURI)
	if err != nil || post == nil {
		log.Printf("Inbox: Delete for unknown object %s, ignoring", objectURI)
		return OutcomeIgnored, nil
	}

	// Deletes only apply to the author's own content
	if post.ActorURI != activity.Actor {
		log.Printf("Inbox: Delete from %s does not own %s", activity.Actor, objectURI)
		return OutcomeIgnored, nil
	}

	if err := p.db.SoftDeletePostTx(tx, objectURI); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to delete post: %w", err)
	}

	log.Printf("Inbox: Soft-deleted post %s", objectURI)
	return OutcomeApplied, nil
}

// handleUpdate replaces the stored representation of a known object
func (p *Processor) handleUpdate(tx *sql.Tx, activity *Activity, body []byte) (Outcome, error) {
	ref := activity.ObjectRef()

	switch ref.Type {
	case "Person", "Application", "Group", "Organization", "Service":
		// Profile update: drop the cache entry, the next resolve refetches
		if ref.ID != activity.Actor {
			log.Printf("Inbox: Update from %s does not own actor %s", activity.Actor, ref.ID)
			return OutcomeIgnored, nil
		}
		if err := p.db.DeleteRemoteActorTx(tx, ref.ID); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to invalidate actor: %w", err)
		}
		log.Printf("Inbox: Invalidated cached actor %s after profile update", ref.ID)
		return OutcomeApplied, nil

	case "Note", "Article":
		note, err := activity.Note()
		if err != nil {
			return OutcomeRejected, err
		}

		err, post := p.db.ReadPostByObjectURI(note.ID)
		if err != nil || post == nil {
			log.Printf("Inbox: Update for unknown object %s, ignoring", note.ID)
			return OutcomeIgnored, nil
		}
		if post.ActorURI != activity.Actor {
			log.Printf("Inbox: Update from %s does not own %s", activity.Actor, note.ID)
			return OutcomeIgnored, nil
		}

		if err := p.db.UpdatePostContentTx(tx, note.ID, note.Content, string(body)); err != nil {
			return OutcomeRejected, fmt.Errorf("failed to update post: %w", err)
		}
		log.Printf("Inbox: Updated post %s", note.ID)
		return OutcomeApplied, nil

	default:
		log.Printf("Inbox: Update for unhandled object type %q, ignoring", ref.Type)
		return OutcomeIgnored, nil
	}
}

// handleBlock records the block relation. It does not sever federation.
func (p *Processor) handleBlock(tx *sql.Tx, activity *Activity) (Outcome, error) {
	targetURI := activity.ObjectRef().ID
	if targetURI == "" {
		return OutcomeRejected, fmt.Errorf("%w: Block without object", ErrMalformedActivity)
	}

	block := &domain.Block{
		Id:        uuid.New(),
		ActorURI:  activity.Actor,
		TargetURI: targetURI,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}

	if err := p.db.CreateBlockTx(tx, block); err != nil {
		return OutcomeRejected, fmt.Errorf("failed to store block: %w", err)
	}

	log.Printf("Inbox: Recorded block of %s by %s", targetURI, activity.Actor)
	return OutcomeApplied, nil
}

// localUsername extracts the username when the URI addresses an actor on
// this instance, e.g. "https://<domain>/users/alice" -> "alice"
func (p *Processor) localUsername(uri string) (string, bool) {
	prefix := fmt.Sprintf("https://%s/users/", p.conf.Conf.SslDomain)
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", false
	}
	username := uri[len(prefix):]
	for _, r := range username {
		if r == '/' || r == '#' || r == '?' {
			return "", false
		}
	}
	return username, true
}
