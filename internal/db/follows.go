package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertFollow records an effective follow edge. Duplicate inserts are
// silently ignored so peer re-delivery stays idempotent.
func (c *Queries) InsertFollow(ctx context.Context, followerID, followeeID string, at time.Time) error {
	_, err := c.exec(ctx, c.insertIgnore(
		`INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)`),
		followerID, followeeID, toDBTime(at))
	return err
}

// DeleteFollow removes a follow edge, reporting whether a row existed.
func (c *Queries) DeleteFollow(ctx context.Context, followerID, followeeID string) (bool, error) {
	res, err := c.exec(ctx,
		`DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FollowExists reports whether follower follows followee.
func (c *Queries) FollowExists(ctx context.Context, followerID, followeeID string) (bool, error) {
	var one int
	err := c.queryRow(ctx,
		`SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?`,
		followerID, followeeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Followers returns the users following the given user.
func (c *Queries) Followers(ctx context.Context, userID string) ([]*User, error) {
	rows, err := c.query(ctx, `SELECT `+prefixed("u", userColumns)+`
		FROM follows f JOIN users u ON u.id = f.follower_id
		WHERE f.followee_id = ? ORDER BY f.created_at`, userID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// Following returns the users the given user follows.
func (c *Queries) Following(ctx context.Context, userID string) ([]*User, error) {
	rows, err := c.query(ctx, `SELECT `+prefixed("u", userColumns)+`
		FROM follows f JOIN users u ON u.id = f.followee_id
		WHERE f.follower_id = ? ORDER BY f.created_at`, userID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// InsertFollowRequest records a pending follow keyed by the Follow
// activity URI. Re-delivery of the same activity is a no-op.
func (c *Queries) InsertFollowRequest(ctx context.Context, fr *FollowRequest) error {
	incoming := 0
	if fr.Incoming {
		incoming = 1
	}
	_, err := c.exec(ctx, c.insertIgnore(
		`INSERT INTO follow_requests (id, uri, follower_id, followee_id, incoming, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		fr.ID, fr.URI, fr.FollowerID, fr.FolloweeID, incoming, toDBTime(fr.CreatedAt))
	return err
}

const followRequestColumns = `id, uri, follower_id, followee_id, incoming, created_at`

func scanFollowRequest(row interface{ Scan(...any) error }) (*FollowRequest, error) {
	var fr FollowRequest
	var incoming int
	var createdAt string
	err := row.Scan(&fr.ID, &fr.URI, &fr.FollowerID, &fr.FolloweeID, &incoming, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	fr.Incoming = incoming != 0
	fr.CreatedAt = fromDBTime(createdAt)
	return &fr, nil
}

// FollowRequestByID returns a pending request by primary key, or nil.
func (c *Queries) FollowRequestByID(ctx context.Context, id string) (*FollowRequest, error) {
	return scanFollowRequest(c.queryRow(ctx,
		`SELECT `+followRequestColumns+` FROM follow_requests WHERE id = ?`, id))
}

// FollowRequestByURI returns the pending request created from the
// Follow activity with the given id URI, or nil.
func (c *Queries) FollowRequestByURI(ctx context.Context, uri string) (*FollowRequest, error) {
	return scanFollowRequest(c.queryRow(ctx,
		`SELECT `+followRequestColumns+` FROM follow_requests WHERE uri = ?`, uri))
}

// FollowRequestByPair returns the pending request between two users, or nil.
func (c *Queries) FollowRequestByPair(ctx context.Context, followerID, followeeID string) (*FollowRequest, error) {
	return scanFollowRequest(c.queryRow(ctx,
		`SELECT `+followRequestColumns+` FROM follow_requests
		WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID))
}

// DeleteFollowRequest removes a pending request by id, reporting
// whether a row existed.
func (c *Queries) DeleteFollowRequest(ctx context.Context, id string) (bool, error) {
	res, err := c.exec(ctx, `DELETE FROM follow_requests WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanUsers(rows *sql.Rows) ([]*User, error) {
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
