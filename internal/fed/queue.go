package fed

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/metrics"
)

const (
	queuePollInterval = time.Second
	queueBatchSize    = 16

	// claimLease is how long a claimed job is invisible to other
	// pollers while its attempt is in flight.
	claimLease = 2 * time.Minute
)

// Queue delivers stored jobs with retry. Jobs live in the database, so
// deliveries survive restarts; workers poll for due jobs and claim
// them optimistically before attempting.
type Queue struct {
	cfg    *config.Config
	store  *db.Store
	client *ap.Client
	rec    *Reconciler
}

func NewQueue(cfg *config.Config, store *db.Store, client *ap.Client, rec *Reconciler) *Queue {
	return &Queue{cfg: cfg, store: store, client: client, rec: rec}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.DeliveryWorkers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.worker(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) worker(ctx context.Context, n int) {
	log := slog.With("worker", n)
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.ProcessDue(ctx); err != nil {
				log.Error("queue poll failed", "error", err)
			}
		}
	}
}

// ProcessDue claims and attempts every currently due job once. Exposed
// so deliveries can be driven synchronously.
func (q *Queue) ProcessDue(ctx context.Context) error {
	now := time.Now()
	jobs, err := q.store.DueJobs(ctx, now, queueBatchSize)
	if err != nil {
		return err
	}
	if depth, err := q.store.QueueDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	for _, job := range jobs {
		claimed, err := q.store.ClaimJob(ctx, job.ID, now.Add(claimLease), job.Attempts)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		job.Attempts++
		q.attempt(ctx, job)
	}
	return nil
}

func (q *Queue) attempt(ctx context.Context, job *db.DeliveryJob) {
	log := slog.With("job", job.ID, "inbox", job.Inbox, "attempt", job.Attempts)

	if time.Now().After(job.ExpiresAt) {
		log.Warn("delivery expired")
		metrics.DeliveryAttempts.WithLabelValues("expired").Inc()
		q.discard(ctx, job)
		return
	}

	signer, err := ap.NewSigner(job.KeyID, job.PrivateKeyPEM)
	if err != nil {
		log.Error("job has unusable key material", "error", err)
		metrics.DeliveryAttempts.WithLabelValues("dropped").Inc()
		q.discard(ctx, job)
		return
	}

	status, err := q.client.Deliver(ctx, job.Inbox, []byte(job.Activity), signer)
	switch {
	case err == nil && status >= 200 && status < 300:
		if hookErr := q.runHook(ctx, job); hookErr != nil {
			// Redelivery is idempotent on the peer side, so retrying
			// the whole job is the safe way to retry the hook.
			log.Error("post-delivery hook failed", "error", hookErr)
			q.retry(ctx, job, log)
			return
		}
		log.Info("delivered")
		metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
		q.discard(ctx, job)

	case err == nil && terminalStatus(status):
		log.Warn("delivery rejected", "status", status)
		metrics.DeliveryAttempts.WithLabelValues("dropped").Inc()
		q.discard(ctx, job)

	default:
		if err != nil {
			log.Warn("delivery failed", "error", err)
		} else {
			log.Warn("delivery failed", "status", status)
		}
		q.retry(ctx, job, log)
	}
}

func (q *Queue) retry(ctx context.Context, job *db.DeliveryJob, log *slog.Logger) {
	if job.Attempts >= q.cfg.DeliveryMaxAttempts {
		log.Warn("delivery abandoned", "attempts", job.Attempts)
		metrics.DeliveryAttempts.WithLabelValues("dropped").Inc()
		q.discard(ctx, job)
		return
	}
	delay := q.nextDelay(job.Attempts)
	metrics.DeliveryAttempts.WithLabelValues("retried").Inc()
	if err := q.store.RescheduleJob(ctx, job.ID, time.Now().Add(delay)); err != nil {
		log.Error("reschedule failed", "error", err)
	}
}

func (q *Queue) discard(ctx context.Context, job *db.DeliveryJob) {
	if err := q.store.DeleteJob(ctx, job.ID); err != nil {
		slog.Error("delete job failed", "job", job.ID, "error", err)
	}
}

// runHook executes the job's success action. Today the only hook makes
// an accepted follow effective once the Accept has landed.
func (q *Queue) runHook(ctx context.Context, job *db.DeliveryJob) error {
	if job.OnSuccess == "" {
		return nil
	}
	kind, arg, _ := strings.Cut(job.OnSuccess, ":")
	switch kind {
	case "accept_follow":
		return q.rec.AcceptFollowRequest(ctx, arg)
	default:
		slog.Warn("unknown delivery hook", "hook", job.OnSuccess)
		return nil
	}
}

// nextDelay is the exponential backoff before attempt n+1, jittered
// and capped at an hour.
func (q *Queue) nextDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.DeliveryBackoffBase
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// terminalStatus reports whether a response status means the peer will
// never take this activity, so retrying is pointless.
func terminalStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
