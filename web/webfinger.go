package web

import (
	"fmt"
	"strings"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
)

// GetWebfinger resolves an acct: resource to the local actor document
// URI. This is how remote instances discover local users.
func GetWebfinger(database *db.DB, resource string, conf *util.AppConfig) (error, string) {
	username, ok := parseAcctResource(resource, conf.Conf.SslDomain)
	if !ok {
		return fmt.Errorf("unresolvable resource %q", resource), GetWebFingerNotFound()
	}

	err, acc := database.ReadAccountByUsername(username)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "https://%s/users/%s"
						}
					]
				}`, acc.Username, conf.Conf.SslDomain,
		conf.Conf.SslDomain, acc.Username)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

// parseAcctResource extracts the username from "acct:user@domain". A bare
// "user@domain" is tolerated, a foreign domain is not.
func parseAcctResource(resource string, sslDomain string) (string, bool) {
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.Split(acct, "@")
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	if parts[1] != sslDomain {
		return "", false
	}
	return parts[0], true
}
