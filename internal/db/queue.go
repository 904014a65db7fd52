package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const jobColumns = `id, activity, inbox, key_id, private_key, on_success, attempts,
	not_before, expires_at, created_at`

// EnqueueJob stores one outbound delivery job.
func (c *Queries) EnqueueJob(ctx context.Context, j *DeliveryJob) error {
	_, err := c.exec(ctx, `INSERT INTO delivery_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Activity, j.Inbox, j.KeyID, j.PrivateKeyPEM, j.OnSuccess, j.Attempts,
		toDBTime(j.NotBefore), toDBTime(j.ExpiresAt), toDBTime(j.CreatedAt))
	return err
}

// DueJobs returns up to limit jobs whose not_before has passed,
// oldest-enqueued first so per-inbox order matches enqueue order when
// no retries intervene.
func (c *Queries) DueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := c.query(ctx, `SELECT `+jobColumns+` FROM delivery_jobs
		WHERE not_before <= ? ORDER BY created_at LIMIT ?`, toDBTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*DeliveryJob
	for rows.Next() {
		var j DeliveryJob
		var notBefore, expiresAt, createdAt string
		if err := rows.Scan(&j.ID, &j.Activity, &j.Inbox, &j.KeyID, &j.PrivateKeyPEM,
			&j.OnSuccess, &j.Attempts, &notBefore, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		j.NotBefore = fromDBTime(notBefore)
		j.ExpiresAt = fromDBTime(expiresAt)
		j.CreatedAt = fromDBTime(createdAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// ClaimJob postpones a job before an attempt so concurrent pollers do
// not pick it up again mid-flight. Returns false if another worker
// already claimed it.
func (c *Queries) ClaimJob(ctx context.Context, id string, until time.Time, attempts int) (bool, error) {
	res, err := c.exec(ctx,
		`UPDATE delivery_jobs SET not_before = ?, attempts = attempts + 1
		WHERE id = ? AND attempts = ?`, toDBTime(until), id, attempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteJob removes a finished (delivered or terminally failed) job.
func (c *Queries) DeleteJob(ctx context.Context, id string) error {
	_, err := c.exec(ctx, `DELETE FROM delivery_jobs WHERE id = ?`, id)
	return err
}

// RescheduleJob sets the next attempt time after a transient failure.
func (c *Queries) RescheduleJob(ctx context.Context, id string, notBefore time.Time) error {
	_, err := c.exec(ctx, `UPDATE delivery_jobs SET not_before = ? WHERE id = ?`,
		toDBTime(notBefore), id)
	return err
}

// QueueDepth returns the number of pending jobs.
func (c *Queries) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM delivery_jobs`).Scan(&n)
	return n, err
}

// SetKV upserts a key-value pair. Used for instance-level state such
// as the service actor keypair.
func (c *Queries) SetKV(ctx context.Context, key, value string) error {
	var q string
	if c.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := c.exec(ctx, q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (c *Queries) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.queryRow(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
