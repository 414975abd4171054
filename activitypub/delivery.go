package activitypub

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
)

const deliveryBatchSize = 50

// Queue fans locally originated activities out to remote inboxes with
// retry, backoff and per-destination ordering.
type Queue struct {
	db           *db.DB
	conf         *util.AppConfig
	client       *http.Client
	workers      int
	pollInterval time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(database *db.DB, conf *util.AppConfig) *Queue {
	workers := conf.Conf.DeliveryWorkers
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := conf.Conf.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Queue{
		db:           database,
		conf:         conf,
		client:       &http.Client{Timeout: 30 * time.Second},
		workers:      workers,
		pollInterval: 10 * time.Second,
		maxAttempts:  maxAttempts,
		backoffBase:  conf.BackoffBase(),
		backoffCap:   conf.BackoffCap(),
	}
}

// EnqueueTx creates one job per distinct destination inbox as part of the
// caller's transaction.
func (q *Queue) EnqueueTx(tx *sql.Tx, activityURI string, activityJSON string, inboxes []string) error {
	now := time.Now()
	for _, inbox := range inboxes {
		job := &domain.DeliveryJob{
			Id:            uuid.New(),
			ActivityURI:   activityURI,
			ActivityJSON:  activityJSON,
			InboxURI:      inbox,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := q.db.EnqueueDeliveryTx(tx, job); err != nil {
			return fmt.Errorf("failed to enqueue delivery to %s: %w", inbox, err)
		}
	}
	return nil
}

// Enqueue is EnqueueTx in its own transaction.
func (q *Queue) Enqueue(activityURI string, activityJSON string, inboxes []string) error {
	return q.db.WithTx(func(tx *sql.Tx) error {
		return q.EnqueueTx(tx, activityURI, activityJSON, inboxes)
	})
}

// Start launches the poller and the bounded worker pool. Jobs claimed by
// a previous process are released back to pending first.
func (q *Queue) Start() {
	log.Printf("DeliveryWorker: Starting %d delivery workers...", q.workers)

	if err := q.db.ReleaseInFlightDeliveries(); err != nil {
		log.Printf("DeliveryWorker: Failed to release stale in-flight jobs: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	jobs := make(chan domain.DeliveryJob)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range jobs {
				q.deliver(&job)
			}
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(jobs)

		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.dispatchDue(ctx, jobs)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight attempts to finish. Pending
// jobs stay durable and resume on the next start.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	log.Println("DeliveryWorker: Stopped")
}

func (q *Queue) dispatchDue(ctx context.Context, jobs chan<- domain.DeliveryJob) {
	err, due := q.db.ClaimDueDeliveries(time.Now(), deliveryBatchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to claim due jobs: %v", err)
		return
	}
	if due == nil || len(*due) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d due deliveries", len(*due))

	for _, job := range *due {
		select {
		case <-ctx.Done():
			return
		case jobs <- job:
		}
	}
}

// deliver performs one attempt and transitions the job's state.
func (q *Queue) deliver(job *domain.DeliveryJob) {
	// Moderation is consulted before every attempt, so a mid-flight
	// domain block halts retries immediately.
	if q.domainBlocked(job.InboxURI) {
		log.Printf("DeliveryWorker: Destination %s is domain-blocked, dead-lettering", job.InboxURI)
		q.deadLetter(job, job.Attempts, "destination domain blocked")
		return
	}

	retryable, err := q.attempt(job)
	if err == nil {
		log.Printf("DeliveryWorker: Successfully delivered %s to %s", job.ActivityURI, job.InboxURI)
		if derr := q.db.DeleteDelivery(job.Id); derr != nil {
			log.Printf("DeliveryWorker: Failed to remove delivered job %s: %v", job.Id, derr)
		}
		return
	}

	attempts := job.Attempts + 1

	if !retryable {
		log.Printf("DeliveryWorker: Permanent failure delivering to %s: %v", job.InboxURI, err)
		q.deadLetter(job, attempts, err.Error())
		return
	}

	if attempts >= q.maxAttempts {
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", job.InboxURI, attempts)
		q.deadLetter(job, attempts, err.Error())
		return
	}

	backoff := q.nextBackoff(attempts)
	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %s: %v", job.InboxURI, attempts, backoff.Round(time.Second), err)
	if uerr := q.db.UpdateDeliveryRetry(job.Id, attempts, time.Now().Add(backoff), err.Error()); uerr != nil {
		log.Printf("DeliveryWorker: Failed to reschedule job %s: %v", job.Id, uerr)
	}
}

// attempt signs and posts the activity. The bool reports whether a
// failure is retryable.
func (q *Queue) attempt(job *domain.DeliveryJob) (bool, error) {
	var activity struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal([]byte(job.ActivityJSON), &activity); err != nil {
		return false, fmt.Errorf("failed to parse activity JSON: %w", err)
	}
	if activity.Actor == "" {
		return false, fmt.Errorf("activity missing actor field")
	}

	// actor format: "https://example.com/users/alice"
	parts := strings.Split(activity.Actor, "/")
	username := parts[len(parts)-1]

	err, account := q.db.ReadAccountByUsername(username)
	if err != nil {
		return false, fmt.Errorf("failed to get local account %s: %w", username, err)
	}

	privateKey, err := ParsePrivateKey(account.WebPrivateKey)
	if err != nil {
		return false, fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(job.ActivityJSON)
	req, err := http.NewRequest("POST", job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", DigestHeader(body))

	keyId := KeyIRI(q.conf.Conf.SslDomain, username)
	if err := SignRequest(req, privateKey, keyId); err != nil {
		return false, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		// Network errors and timeouts are transient
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Inbox gone or payload rejected; retrying will not help
		return false, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	default:
		return true, fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
}

func (q *Queue) deadLetter(job *domain.DeliveryJob, attempts int, reason string) {
	if err := q.db.MarkDeliveryDeadLettered(job.Id, attempts, reason); err != nil {
		log.Printf("DeliveryWorker: Failed to dead-letter job %s: %v", job.Id, err)
	}
}

func (q *Queue) domainBlocked(inboxURI string) bool {
	domainName, err := ExtractDomain(inboxURI)
	if err != nil {
		return false
	}
	err, blocked := q.db.IsDomainBlocked(domainName)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to check domain block for %s: %v", domainName, err)
		return false
	}
	return blocked
}

// nextBackoff computes the exponential backoff with jitter for the given
// attempt count, capped.
func (q *Queue) nextBackoff(attempts int) time.Duration {
	backoff := q.backoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= q.backoffCap {
			backoff = q.backoffCap
			break
		}
	}

	// Spread retries out: jitter in [backoff/2, backoff]
	half := backoff / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
