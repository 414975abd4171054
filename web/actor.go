package web

import (
	"encoding/json"
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
)

// GetActor renders the ActivityPub actor document of a local user,
// including the public key remote instances verify our signatures with.
func GetActor(database *db.DB, username string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccountByUsername(username)
	if err != nil {
		return err, "{}"
	}

	sslDomain := conf.Conf.SslDomain
	actorURI := activitypub.ActorIRI(sslDomain, acc.Username)

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	doc := activitypub.ActorDoc{
		Context: []string{
			activitypub.ActivityStreamsContext,
			activitypub.SecurityContext,
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             fmt.Sprintf("%s/inbox", actorURI),
		Outbox:            fmt.Sprintf("%s/outbox", actorURI),
		Followers:         fmt.Sprintf("%s/followers", actorURI),
		Following:         fmt.Sprintf("%s/following", actorURI),
	}
	doc.Endpoints.SharedInbox = fmt.Sprintf("https://%s/inbox", sslDomain)
	doc.PublicKey.ID = activitypub.KeyIRI(sslDomain, acc.Username)
	doc.PublicKey.Owner = actorURI
	doc.PublicKey.PublicKeyPem = acc.WebPublicKey

	body, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}

	return nil, string(body)
}
