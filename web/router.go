package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// Server holds the federation components the HTTP layer dispatches into.
// Everything is injected at construction, nothing is global.
type Server struct {
	conf      *util.AppConfig
	db        *db.DB
	processor *activitypub.Processor
	outbox    *activitypub.Outbox
}

func NewServer(conf *util.AppConfig, database *db.DB, processor *activitypub.Processor, outbox *activitypub.Outbox) *Server {
	return &Server{
		conf:      conf,
		db:        database,
		processor: processor,
		outbox:    outbox,
	}
}

// Router builds the gin engine and serves it.
func (s *Server) Router() error {
	log.Printf("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	g := s.Engine()
	return g.Run(s.addr())
}

// Engine builds the gin engine with all routes and middleware.
func (s *Server) Engine() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// RSS read model over the federated timeline
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := GetRSS(s.db, s.conf)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	if s.conf.Conf.WithAp {
		// Stricter rate limit for federation endpoints: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)

		// Max 1MB request body size for activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		g.GET("/.well-known/webfinger", func(c *gin.Context) {
			c.Header("Content-Type", "application/jrd+json; charset=utf-8")
			err, finger := GetWebfinger(s.db, c.Query("resource"), s.conf)
			if err != nil {
				c.Render(404, render.String{Format: finger})
			} else {
				c.Render(200, render.String{Format: finger})
			}
		})

		g.GET("/users/:actor", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, actor := GetActor(s.db, c.Param("actor"), s.conf)
			if err != nil {
				c.Render(404, render.String{Format: actor})
			} else {
				c.Render(200, render.String{Format: actor})
			}
		})

		// Shared inbox: one endpoint for all local recipients
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)
		g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleInbox)

		g.GET("/users/:actor/outbox", func(c *gin.Context) {
			s.renderCollection(c, GetOutboxCollection)
		})

		g.GET("/users/:actor/followers", func(c *gin.Context) {
			s.renderCollection(c, GetFollowersCollection)
		})

		g.GET("/users/:actor/following", func(c *gin.Context) {
			s.renderCollection(c, GetFollowingCollection)
		})

		// Client-to-server origination, token guarded
		auth := TokenAuthMiddleware(s.conf.Conf.ApiToken)
		g.POST("/users/:actor/outbox", auth, maxBodySize, s.handleOutboxPost)
	}

	return g
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
}

// handleInbox runs an inbound activity through the processor and maps
// the outcome to an HTTP status.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	// Applied and Ignored both acknowledge receipt
	_, err = s.processor.Process(c.Request.Context(), c.Request, body)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, activitypub.ErrMalformedActivity):
		c.Status(http.StatusBadRequest)
	case errors.Is(err, activitypub.ErrSignatureInvalid),
		errors.Is(err, activitypub.ErrActorUnavailable):
		c.Status(http.StatusUnauthorized)
	default:
		log.Printf("Inbox: Processing failed: %v", err)
		c.Status(http.StatusInternalServerError)
	}
}

// outboxRequest is the minimal client-to-server payload for originating
// a federation action as a local user.
type outboxRequest struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Object  string `json:"object,omitempty"`
}

func (s *Server) handleOutboxPost(c *gin.Context) {
	username := c.Param("actor")
	err, account := s.db.ReadAccountByUsername(username)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown user"})
		return
	}

	var req outboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()

	switch req.Type {
	case activitypub.TypeCreate:
		if req.Content == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Create requires content"})
			return
		}
		err = s.outbox.SendCreate(ctx, account, req.Content)
	case activitypub.TypeFollow:
		if req.Object == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Follow requires an object"})
			return
		}
		err = s.outbox.SendFollow(ctx, account, req.Object)
	case activitypub.TypeUndo:
		if req.Object == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Undo requires an object"})
			return
		}
		err = s.outbox.SendUndoFollow(ctx, account, req.Object)
	case activitypub.TypeDelete:
		if req.Object == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Delete requires an object"})
			return
		}
		err = s.outbox.SendDelete(ctx, account, req.Object)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported activity type"})
		return
	}

	if err != nil {
		log.Printf("Outbox: Failed to send %s for %s: %v", req.Type, username, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to originate activity"})
		return
	}

	c.Status(http.StatusAccepted)
}

type collectionFunc func(*db.DB, string, *util.AppConfig) (error, string)

func (s *Server) renderCollection(c *gin.Context, f collectionFunc) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	err, body := f(s.db, c.Param("actor"), s.conf)
	if err != nil {
		c.Render(404, render.String{Format: "{}"})
	} else {
		c.Render(200, render.String{Format: body})
	}
}
