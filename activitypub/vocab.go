package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ActivityStreams contexts and content types
const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"

	ContentType = "application/activity+json"
	// JSON-LD profile variant, accepted as equivalent on input
	ContentTypeLD = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	PublicAudience = "https://www.w3.org/ns/activitystreams#Public"
)

// ErrMalformedActivity marks documents that cannot be parsed into a
// usable activity envelope.
var ErrMalformedActivity = errors.New("malformed activity")

// Activity types the engine dispatches on. Anything else parses fine but
// routes to the unhandled branch.
const (
	TypeCreate   = "Create"
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeReject   = "Reject"
	TypeLike     = "Like"
	TypeAnnounce = "Announce"
	TypeUndo     = "Undo"
	TypeDelete   = "Delete"
	TypeUpdate   = "Update"
	TypeBlock    = "Block"
)

// Audience is a recipient list that may arrive as a single URI string or
// an array of URIs.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = Audience(many)
	return nil
}

// Activity is the generic ActivityPub envelope. Object and Target stay
// raw so nested activities and bare URI references both survive parsing.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        Audience        `json:"to,omitempty"`
	CC        Audience        `json:"cc,omitempty"`
	BCC       Audience        `json:"bcc,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ObjectRef is the resolved reference of an activity's object field,
// which may be a bare URI or an embedded object.
type ObjectRef struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// NoteObject is the subset of an embedded Note/Article the engine stores.
type NoteObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	AttributedTo string   `json:"attributedTo"`
	To           Audience `json:"to,omitempty"`
	CC           Audience `json:"cc,omitempty"`
}

// ActorDoc represents a fetched or served ActivityPub actor document.
type ActorDoc struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	} `json:"endpoints,omitempty"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ParseActivity parses an inbound document into the activity envelope.
// Unknown fields are dropped, unknown types pass through; only broken
// JSON or a missing id/type/actor is malformed.
func ParseActivity(body []byte) (*Activity, error) {
	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		return nil, fmt.Errorf("%w: missing id, type or actor", ErrMalformedActivity)
	}
	return &activity, nil
}

// ObjectRef resolves the activity's object field.
func (a *Activity) ObjectRef() ObjectRef {
	return parseObjectRef(a.Object)
}

func parseObjectRef(raw json.RawMessage) ObjectRef {
	if len(raw) == 0 {
		return ObjectRef{}
	}

	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return ObjectRef{ID: uri, Raw: raw}
	}

	var embedded struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return ObjectRef{Raw: raw}
	}
	return ObjectRef{ID: embedded.ID, Type: embedded.Type, Raw: raw}
}

// InnerActivity parses the object field as a nested activity, as found
// in Undo, Accept and Reject envelopes.
func (a *Activity) InnerActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("%w: no object", ErrMalformedActivity)
	}

	// A bare URI is acceptable: the inner activity is referenced by id only
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return &Activity{ID: uri}, nil
	}

	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if inner.ID == "" {
		return nil, fmt.Errorf("%w: inner activity missing id", ErrMalformedActivity)
	}
	return &inner, nil
}

// Note parses the object field as an embedded Note/Article.
func (a *Activity) Note() (*NoteObject, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("%w: no object", ErrMalformedActivity)
	}
	var note NoteObject
	if err := json.Unmarshal(a.Object, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if note.ID == "" {
		return nil, fmt.Errorf("%w: note missing id", ErrMalformedActivity)
	}
	return &note, nil
}

// AcceptableContentType reports whether an inbound Content-Type is one of
// the two equivalent ActivityPub media types.
func AcceptableContentType(contentType string) bool {
	return contentType == ContentType || contentType == ContentTypeLD
}

// ExtractDomain extracts the host from an actor or inbox URI.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func ExtractDomain(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid URI: no host in %q", uri)
	}
	return parsed.Host, nil
}

// MarshalActivity serializes an activity with the ActivityStreams context
// for the wire.
func MarshalActivity(activity *Activity) ([]byte, error) {
	if activity.Context == nil {
		activity.Context = ActivityStreamsContext
	}
	return json.Marshal(activity)
}
