package db

import (
	"database/sql"
	"log"
)

// Schema for the federation tables
const (
	// Cached remote actors
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
	`

	// Follow relationships, keyed by actor URIs
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_actor_uri ON follows(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
	`

	// Federated posts cached locally
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		activity_uri TEXT,
		actor_uri TEXT NOT NULL,
		content TEXT,
		published TIMESTAMP,
		raw_json TEXT NOT NULL,
		deleted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_actor_uri ON posts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`

	// Likes keyed by (actor, object)
	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	// Announces (boosts) keyed by (actor, object)
	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	// Blocks received from remote actors
	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, target_uri)
	)`

	// Local moderation policy: domains we refuse to deliver to
	sqlCreateDomainBlocksTable = `CREATE TABLE IF NOT EXISTS domain_blocks (
		domain TEXT NOT NULL PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Idempotency ledger. The UNIQUE activity_uri makes the conditional
	// insert the dedup guard against replayed deliveries.
	sqlCreateProcessedActivitiesTable = `CREATE TABLE IF NOT EXISTS processed_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		outcome TEXT NOT NULL,
		processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Delivery queue. position keeps per-inbox submission order.
	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		activity_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_inbox ON delivery_jobs(inbox_uri);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.WithTx(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"follows", sqlCreateFollowsTable},
			{"posts", sqlCreatePostsTable},
			{"likes", sqlCreateLikesTable},
			{"announces", sqlCreateAnnouncesTable},
			{"blocks", sqlCreateBlocksTable},
			{"domain_blocks", sqlCreateDomainBlocksTable},
			{"processed_activities", sqlCreateProcessedActivitiesTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
		}

		for _, table := range tables {
			if _, err := tx.Exec(table.sql); err != nil {
				log.Printf("Error creating table %s: %v", table.name, err)
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteActorsIndices,
			sqlCreateFollowsIndices,
			sqlCreatePostsIndices,
			sqlCreateDeliveryJobsIndices,
		}

		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
		}

		return nil
	})
}
