package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertUserToken stores a bearer token for a local API consumer.
// Token issuance policy lives outside the federation engine; the
// schema is shared.
func (c *Queries) InsertUserToken(ctx context.Context, id, userID, token string, at time.Time) error {
	_, err := c.exec(ctx, `INSERT INTO user_tokens (id, user_id, token, created_at)
		VALUES (?, ?, ?, ?)`, id, userID, token, toDBTime(at))
	return err
}

// UserIDByToken resolves a bearer token to its owner, or ("", false).
func (c *Queries) UserIDByToken(ctx context.Context, token string) (string, bool, error) {
	var userID string
	err := c.queryRow(ctx, `SELECT user_id FROM user_tokens WHERE token = ?`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// InsertUploadedFile records a stored media file.
func (c *Queries) InsertUploadedFile(ctx context.Context, id, userID, filename, mediaType string, at time.Time) error {
	_, err := c.exec(ctx, `INSERT INTO uploaded_files (id, user_id, filename, media_type, created_at)
		VALUES (?, ?, ?, ?, ?)`, id, userID, filename, mediaType, toDBTime(at))
	return err
}

// AttachFileToPost links an uploaded file to a post.
func (c *Queries) AttachFileToPost(ctx context.Context, postID, fileID string) error {
	_, err := c.exec(ctx, c.insertIgnore(
		`INSERT INTO post_attachments (post_id, file_id) VALUES (?, ?)`), postID, fileID)
	return err
}
