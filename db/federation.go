package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Remote actor cache queries
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_pem = excluded.public_key_pem,
			fetched_at = excluded.fetched_at`
	sqlSelectRemoteActorByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, fetched_at FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActor      = `DELETE FROM remote_actors WHERE actor_uri = ?`
)

// UpsertRemoteActor replaces the cached copy of a remote actor atomically.
func (db *DB) UpsertRemoteActor(actor *domain.RemoteActor) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor,
			actor.Id.String(),
			actor.Username,
			actor.Domain,
			actor.ActorURI,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			actor.FetchedAt)
		return err
	})
}

func (db *DB) ReadRemoteActorByURI(uri string) (error, *domain.RemoteActor) {
	row := db.db.QueryRow(sqlSelectRemoteActorByURI, uri)
	var actor domain.RemoteActor
	err := row.Scan(&actor.Id, &actor.Username, &actor.Domain, &actor.ActorURI, &actor.DisplayName, &actor.Summary, &actor.InboxURI, &actor.SharedInboxURI, &actor.OutboxURI, &actor.PublicKeyPem, &actor.FetchedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &actor
}

func (db *DB) DeleteRemoteActor(uri string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteActor, uri)
		return err
	})
}

func (db *DB) DeleteRemoteActorTx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteRemoteActor, uri)
	return err
}

// Follow queries
const (
	sqlInsertFollow = `INSERT INTO follows(id, actor_uri, target_uri, uri, state, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, target_uri) DO UPDATE SET uri = excluded.uri, state = excluded.state`
	sqlSelectFollowByURI      = `SELECT id, actor_uri, target_uri, uri, state, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByActors   = `SELECT id, actor_uri, target_uri, uri, state, created_at FROM follows WHERE actor_uri = ? AND target_uri = ?`
	sqlUpdateFollowState      = `UPDATE follows SET state = ? WHERE uri = ?`
	sqlDeleteFollowByURI      = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowsByActor   = `DELETE FROM follows WHERE actor_uri = ? OR target_uri = ?`
	sqlSelectFollowersByState = `SELECT id, actor_uri, target_uri, uri, state, created_at FROM follows WHERE target_uri = ? AND state = ?`
)

func (db *DB) CreateFollowTx(tx *sql.Tx, follow *domain.Follow) error {
	_, err := tx.Exec(sqlInsertFollow, follow.Id.String(), follow.ActorURI, follow.TargetURI, follow.URI, follow.State, follow.CreatedAt)
	return err
}

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return db.CreateFollowTx(tx, follow)
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	var follow domain.Follow
	err := row.Scan(&follow.Id, &follow.ActorURI, &follow.TargetURI, &follow.URI, &follow.State, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &follow
}

func (db *DB) ReadFollowByActors(actorURI, targetURI string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByActors, actorURI, targetURI)
	var follow domain.Follow
	err := row.Scan(&follow.Id, &follow.ActorURI, &follow.TargetURI, &follow.URI, &follow.State, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &follow
}

func (db *DB) UpdateFollowStateTx(tx *sql.Tx, uri string, state string) error {
	_, err := tx.Exec(sqlUpdateFollowState, state, uri)
	return err
}

func (db *DB) DeleteFollowByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteFollowByURI, uri)
	return err
}

func (db *DB) DeleteFollowsByActorTx(tx *sql.Tx, actorURI string) error {
	_, err := tx.Exec(sqlDeleteFollowsByActor, actorURI, actorURI)
	return err
}

// ReadAcceptedFollowers returns the accepted follow edges pointing at the
// given local actor URI.
func (db *DB) ReadAcceptedFollowers(targetURI string) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersByState, targetURI, domain.FollowAccepted)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow

	for rows.Next() {
		var follow domain.Follow
		if err := rows.Scan(&follow.Id, &follow.ActorURI, &follow.TargetURI, &follow.URI, &follow.State, &follow.CreatedAt); err != nil {
			return err, &follows
		}
		follows = append(follows, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}

	return nil, &follows
}

func (db *DB) CountFollowersByTarget(targetURI string) (error, int) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM follows WHERE target_uri = ? AND state = ?`, targetURI, domain.FollowAccepted).Scan(&count)
	return err, count
}

func (db *DB) CountFollowingByActor(actorURI string) (error, int) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM follows WHERE actor_uri = ? AND state = ?`, actorURI, domain.FollowAccepted).Scan(&count)
	return err, count
}

// Like / Announce / Block queries
const (
	sqlInsertLike        = `INSERT INTO likes(id, actor_uri, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(actor_uri, object_uri) DO NOTHING`
	sqlSelectLikeByURI   = `SELECT id, actor_uri, object_uri, uri, created_at FROM likes WHERE uri = ?`
	sqlDeleteLikeByURI   = `DELETE FROM likes WHERE uri = ?`
	sqlInsertAnnounce    = `INSERT INTO announces(id, actor_uri, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(actor_uri, object_uri) DO NOTHING`
	sqlDeleteAnnounceURI = `DELETE FROM announces WHERE uri = ?`
	sqlInsertBlock       = `INSERT INTO blocks(id, actor_uri, target_uri, uri, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(actor_uri, target_uri) DO NOTHING`
	sqlDeleteBlockByURI  = `DELETE FROM blocks WHERE uri = ?`
)

func (db *DB) CreateLikeTx(tx *sql.Tx, like *domain.Like) error {
	_, err := tx.Exec(sqlInsertLike, like.Id.String(), like.ActorURI, like.ObjectURI, like.URI, like.CreatedAt)
	return err
}

func (db *DB) ReadLikeByURI(uri string) (error, *domain.Like) {
	row := db.db.QueryRow(sqlSelectLikeByURI, uri)
	var like domain.Like
	err := row.Scan(&like.Id, &like.ActorURI, &like.ObjectURI, &like.URI, &like.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &like
}

func (db *DB) DeleteLikeByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteLikeByURI, uri)
	return err
}

func (db *DB) CreateAnnounceTx(tx *sql.Tx, announce *domain.Announce) error {
	_, err := tx.Exec(sqlInsertAnnounce, announce.Id.String(), announce.ActorURI, announce.ObjectURI, announce.URI, announce.CreatedAt)
	return err
}

func (db *DB) DeleteAnnounceByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteAnnounceURI, uri)
	return err
}

func (db *DB) CreateBlockTx(tx *sql.Tx, block *domain.Block) error {
	_, err := tx.Exec(sqlInsertBlock, block.Id.String(), block.ActorURI, block.TargetURI, block.URI, block.CreatedAt)
	return err
}

func (db *DB) DeleteBlockByURITx(tx *sql.Tx, uri string) error {
	_, err := tx.Exec(sqlDeleteBlockByURI, uri)
	return err
}

// Post queries
const (
	sqlInsertPost = `INSERT INTO posts(id, object_uri, activity_uri, actor_uri, content, published, raw_json, deleted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(object_uri) DO NOTHING`
	sqlSelectPostByObjectURI = `SELECT id, object_uri, activity_uri, actor_uri, content, published, raw_json, deleted, created_at FROM posts WHERE object_uri = ?`
	sqlSoftDeletePost        = `UPDATE posts SET deleted = 1, content = '' WHERE object_uri = ?`
	sqlUpdatePostContent     = `UPDATE posts SET content = ?, raw_json = ? WHERE object_uri = ? AND deleted = 0`
	sqlSelectRecentPosts     = `SELECT id, object_uri, activity_uri, actor_uri, content, published, raw_json, deleted, created_at FROM posts WHERE deleted = 0 ORDER BY created_at DESC LIMIT ?`
)

func (db *DB) CreatePostTx(tx *sql.Tx, post *domain.Post) error {
	_, err := tx.Exec(sqlInsertPost, post.Id.String(), post.ObjectURI, post.ActivityURI, post.ActorURI, post.Content, post.Published, post.RawJSON, post.CreatedAt)
	return err
}

func (db *DB) CreatePost(post *domain.Post) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return db.CreatePostTx(tx, post)
	})
}

func (db *DB) ReadPostByObjectURI(uri string) (error, *domain.Post) {
	row := db.db.QueryRow(sqlSelectPostByObjectURI, uri)
	var post domain.Post
	err := row.Scan(&post.Id, &post.ObjectURI, &post.ActivityURI, &post.ActorURI, &post.Content, &post.Published, &post.RawJSON, &post.Deleted, &post.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &post
}

func (db *DB) SoftDeletePostTx(tx *sql.Tx, objectURI string) error {
	_, err := tx.Exec(sqlSoftDeletePost, objectURI)
	return err
}

func (db *DB) UpdatePostContentTx(tx *sql.Tx, objectURI string, content string, rawJSON string) error {
	_, err := tx.Exec(sqlUpdatePostContent, content, rawJSON, objectURI)
	return err
}

func (db *DB) ReadRecentPosts(limit int) (error, *[]domain.Post) {
	rows, err := db.db.Query(sqlSelectRecentPosts, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.Post

	for rows.Next() {
		var post domain.Post
		if err := rows.Scan(&post.Id, &post.ObjectURI, &post.ActivityURI, &post.ActorURI, &post.Content, &post.Published, &post.RawJSON, &post.Deleted, &post.CreatedAt); err != nil {
			return err, &posts
		}
		posts = append(posts, post)
	}
	if err = rows.Err(); err != nil {
		return err, &posts
	}

	return nil, &posts
}

func (db *DB) CountPostsByActor(actorURI string) (error, int) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE actor_uri = ? AND deleted = 0`, actorURI).Scan(&count)
	return err, count
}

// Processed activity ledger
const (
	sqlInsertProcessed = `INSERT INTO processed_activities(activity_uri, outcome, processed_at) VALUES (?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectProcessed = `SELECT 1 FROM processed_activities WHERE activity_uri = ?`
)

// InsertProcessedActivityTx is the atomic insert-if-absent dedup guard.
// It reports false when the activity URI was already recorded.
func (db *DB) InsertProcessedActivityTx(tx *sql.Tx, activityURI string, outcome string) (bool, error) {
	res, err := tx.Exec(sqlInsertProcessed, activityURI, outcome, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) HasProcessedActivity(activityURI string) (error, bool) {
	var one int
	err := db.db.QueryRow(sqlSelectProcessed, activityURI).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		return err, false
	}
	return nil, true
}

// Domain block queries
const (
	sqlInsertDomainBlock = `INSERT INTO domain_blocks(domain, created_at) VALUES (?, ?) ON CONFLICT(domain) DO NOTHING`
	sqlSelectDomainBlock = `SELECT 1 FROM domain_blocks WHERE domain = ?`
	sqlDeleteDomainBlock = `DELETE FROM domain_blocks WHERE domain = ?`
)

func (db *DB) CreateDomainBlock(blockedDomain string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDomainBlock, blockedDomain, time.Now())
		return err
	})
}

func (db *DB) DeleteDomainBlock(blockedDomain string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDomainBlock, blockedDomain)
		return err
	})
}

func (db *DB) IsDomainBlocked(domainName string) (error, bool) {
	var one int
	err := db.db.QueryRow(sqlSelectDomainBlock, domainName).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		return err, false
	}
	return nil, true
}

// Delivery queue queries
const (
	sqlInsertDeliveryJob = `INSERT INTO delivery_jobs(id, activity_uri, activity_json, inbox_uri, attempts, next_attempt_at, status, last_error, created_at) VALUES (?, ?, ?, ?, 0, ?, 'pending', '', ?)`

	// A due job is claimable only when no earlier job for the same inbox
	// is still pending or in flight. This is the per-destination FIFO:
	// a backed-off earlier job blocks later jobs to the same inbox.
	sqlSelectDueDeliveries = `SELECT id, position, activity_uri, activity_json, inbox_uri, attempts, next_attempt_at, status, last_error, created_at
		FROM delivery_jobs d
		WHERE d.status = 'pending'
		  AND d.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_jobs e
			WHERE e.inbox_uri = d.inbox_uri
			  AND e.status IN ('pending', 'inflight')
			  AND e.position < d.position)
		ORDER BY d.position
		LIMIT ?`

	sqlMarkDeliveryInFlight   = `UPDATE delivery_jobs SET status = 'inflight' WHERE id = ?`
	sqlDeleteDeliveryJob      = `DELETE FROM delivery_jobs WHERE id = ?`
	sqlUpdateDeliveryRetry    = `UPDATE delivery_jobs SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	sqlMarkDeliveryDead       = `UPDATE delivery_jobs SET status = 'deadlettered', attempts = ?, last_error = ? WHERE id = ?`
	sqlReleaseInFlight        = `UPDATE delivery_jobs SET status = 'pending' WHERE status = 'inflight'`
	sqlSelectDeliveryJobById  = `SELECT id, position, activity_uri, activity_json, inbox_uri, attempts, next_attempt_at, status, last_error, created_at FROM delivery_jobs WHERE id = ?`
	sqlCountDeliveriesByState = `SELECT COUNT(*) FROM delivery_jobs WHERE status = ?`
)

func (db *DB) EnqueueDeliveryTx(tx *sql.Tx, job *domain.DeliveryJob) error {
	_, err := tx.Exec(sqlInsertDeliveryJob, job.Id.String(), job.ActivityURI, job.ActivityJSON, job.InboxURI, job.NextAttemptAt, job.CreatedAt)
	return err
}

func (db *DB) EnqueueDelivery(job *domain.DeliveryJob) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return db.EnqueueDeliveryTx(tx, job)
	})
}

// ClaimDueDeliveries atomically selects due jobs honoring per-inbox
// ordering and marks them in flight.
func (db *DB) ClaimDueDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryJob) {
	var jobs []domain.DeliveryJob

	err := db.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(sqlSelectDueDeliveries, now, limit)
		if err != nil {
			return err
		}

		for rows.Next() {
			var job domain.DeliveryJob
			if err := rows.Scan(&job.Id, &job.Position, &job.ActivityURI, &job.ActivityJSON, &job.InboxURI, &job.Attempts, &job.NextAttemptAt, &job.Status, &job.LastError, &job.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, job)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range jobs {
			if _, err := tx.Exec(sqlMarkDeliveryInFlight, jobs[i].Id.String()); err != nil {
				return err
			}
			jobs[i].Status = domain.DeliveryInFlight
		}

		return nil
	})
	if err != nil {
		return err, nil
	}

	return nil, &jobs
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDeliveryJob, id.String())
		return err
	})
}

func (db *DB) UpdateDeliveryRetry(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryRetry, attempts, nextAttemptAt, lastError, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryDeadLettered(id uuid.UUID, attempts int, lastError string) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryDead, attempts, lastError, id.String())
		return err
	})
}

// ReleaseInFlightDeliveries resets jobs claimed by a previous process back
// to pending. Called once at startup.
func (db *DB) ReleaseInFlightDeliveries() error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlReleaseInFlight)
		return err
	})
}

func (db *DB) ReadDeliveryJobById(id uuid.UUID) (error, *domain.DeliveryJob) {
	row := db.db.QueryRow(sqlSelectDeliveryJobById, id.String())
	var job domain.DeliveryJob
	err := row.Scan(&job.Id, &job.Position, &job.ActivityURI, &job.ActivityJSON, &job.InboxURI, &job.Attempts, &job.NextAttemptAt, &job.Status, &job.LastError, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	return err, &job
}

func (db *DB) CountDeliveriesByStatus(status string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountDeliveriesByState, status).Scan(&count)
	return err, count
}
