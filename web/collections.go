package web

import (
	"encoding/json"
	"fmt"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
)

// GetOutboxCollection returns the OrderedCollection metadata of a user's
// outbox so remote servers can discover post counts.
func GetOutboxCollection(database *db.DB, username string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccountByUsername(username)
	if err != nil {
		return err, "{}"
	}

	actorURI := activitypub.ActorIRI(conf.Conf.SslDomain, acc.Username)
	err, totalItems := database.CountPostsByActor(actorURI)
	if err != nil {
		return err, "{}"
	}

	return marshalCollection(fmt.Sprintf("%s/outbox", actorURI), totalItems)
}

// GetFollowersCollection returns the OrderedCollection metadata of a
// user's accepted followers.
func GetFollowersCollection(database *db.DB, username string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccountByUsername(username)
	if err != nil {
		return err, "{}"
	}

	actorURI := activitypub.ActorIRI(conf.Conf.SslDomain, acc.Username)
	err, totalItems := database.CountFollowersByTarget(actorURI)
	if err != nil {
		return err, "{}"
	}

	return marshalCollection(fmt.Sprintf("%s/followers", actorURI), totalItems)
}

// GetFollowingCollection returns the OrderedCollection metadata of the
// actors a user follows.
func GetFollowingCollection(database *db.DB, username string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccountByUsername(username)
	if err != nil {
		return err, "{}"
	}

	actorURI := activitypub.ActorIRI(conf.Conf.SslDomain, acc.Username)
	err, totalItems := database.CountFollowingByActor(actorURI)
	if err != nil {
		return err, "{}"
	}

	return marshalCollection(fmt.Sprintf("%s/following", actorURI), totalItems)
}

func marshalCollection(id string, totalItems int) (error, string) {
	collection := map[string]interface{}{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
	}

	body, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(body)
}
