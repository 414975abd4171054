package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
	"github.com/gorilla/feeds"
)

const rssFeedLimit = 50

// GetRSS renders the federated timeline as an RSS feed
func GetRSS(database *db.DB, conf *util.AppConfig) (string, error) {

	err, posts := database.ReadRecentPosts(rssFeedLimit)
	if err != nil || posts == nil {
		log.Println("Could not get posts!", err)
		return "", errors.New("error retrieving posts")
	}

	link := fmt.Sprintf("https://%s/feed", conf.Conf.SslDomain)

	feed := &feeds.Feed{
		Title:       "Mammut Federated Timeline",
		Link:        &feeds.Link{Href: link},
		Description: "recent posts received over federation",
		Author:      &feeds.Author{Name: "everyone", Email: fmt.Sprintf("everyone@%s", conf.Conf.SslDomain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, post := range *posts {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      post.ObjectURI,
				Title:   post.Published.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: post.ObjectURI},
				Content: post.Content,
				Author:  &feeds.Author{Name: post.ActorURI},
				Created: post.Published,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
