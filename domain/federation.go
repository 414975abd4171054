package domain

import (
	"github.com/google/uuid"
	"time"
)

// Follow states
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Delivery job states
const (
	DeliveryPending      = "pending"
	DeliveryInFlight     = "inflight"
	DeliveryDeadLettered = "deadlettered"
)

// Processed activity outcomes
const (
	OutcomeApplied  = "applied"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
)

// RemoteActor represents a cached federated identity. Entries are replaced
// on refresh, never mutated in place.
type RemoteActor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	FetchedAt      time.Time
}

// Follow represents a follow edge between two actors, local or remote,
// keyed by their actor URIs
type Follow struct {
	Id        uuid.UUID
	ActorURI  string // the follower
	TargetURI string // the actor being followed
	URI       string // the Follow activity URI
	State     string
	CreatedAt time.Time
}

// Like represents a like/favourite keyed by (actor, object)
type Like struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string
	CreatedAt time.Time
}

// Announce represents a boost/share keyed by (actor, object)
type Announce struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string
	CreatedAt time.Time
}

// Block records that a remote actor blocked one of ours. Informational,
// it does not sever federation by itself.
type Block struct {
	Id        uuid.UUID
	ActorURI  string
	TargetURI string
	URI       string
	CreatedAt time.Time
}

// Post represents a federated note cached locally
type Post struct {
	Id          uuid.UUID
	ObjectURI   string
	ActivityURI string
	ActorURI    string
	Content     string
	Published   time.Time
	RawJSON     string
	Deleted     bool
	CreatedAt   time.Time
}

// ProcessedActivity is the idempotency ledger entry for an inbound
// activity. An activity URI already present is never re-applied.
type ProcessedActivity struct {
	ActivityURI string
	Outcome     string
	ProcessedAt time.Time
}

// DeliveryJob represents one pending delivery of an activity to a single
// remote inbox. Position orders jobs per destination.
type DeliveryJob struct {
	Id            uuid.UUID
	Position      int64
	ActivityURI   string
	ActivityJSON  string
	InboxURI      string
	Attempts      int
	NextAttemptAt time.Time
	Status        string
	LastError     string
	CreatedAt     time.Time
}
