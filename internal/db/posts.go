package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const postColumns = `id, uri, author_id, content, visibility, reply_to_id, repost_of_id,
	created_at, deleted_at`

func scanPost(row interface{ Scan(...any) error }) (*Post, error) {
	var p Post
	var uri, content, replyTo, repostOf, deletedAt sql.NullString
	var visibility, createdAt string
	err := row.Scan(&p.ID, &uri, &p.AuthorID, &content, &visibility, &replyTo, &repostOf,
		&createdAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.URI = uri.String
	if content.Valid {
		p.Content = &content.String
	}
	p.Visibility = Visibility(visibility)
	if replyTo.Valid {
		p.ReplyToID = &replyTo.String
	}
	if repostOf.Valid {
		p.RepostOfID = &repostOf.String
	}
	p.CreatedAt = fromDBTime(createdAt)
	p.DeletedAt = fromDBTimePtr(deletedAt)
	return &p, nil
}

// InsertPost inserts a post row. Remote posts (uri set) are idempotent
// by URI: a conflicting insert is ignored and the stored row returned.
func (c *Queries) InsertPost(ctx context.Context, p *Post) (*Post, error) {
	query := `INSERT INTO posts (` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if p.URI != "" {
		query = c.insertIgnore(query)
	}
	var content any
	if p.Content != nil {
		content = *p.Content
	}
	res, err := c.exec(ctx, query,
		p.ID, nullString(p.URI), p.AuthorID, content, string(p.Visibility),
		nullStringPtr(p.ReplyToID), nullStringPtr(p.RepostOfID),
		toDBTime(p.CreatedAt), toDBTimePtr(p.DeletedAt))
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	if p.URI != "" {
		if n, _ := res.RowsAffected(); n == 0 {
			// Duplicate delivery; hand back the existing row.
			return c.PostByURI(ctx, p.URI)
		}
	}
	return p, nil
}

// PostByID returns the post with the given local id, or nil.
func (c *Queries) PostByID(ctx context.Context, id string) (*Post, error) {
	return scanPost(c.queryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
}

// PostByURI returns the remote post with the given canonical URI, or nil.
func (c *Queries) PostByURI(ctx context.Context, uri string) (*Post, error) {
	return scanPost(c.queryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE uri = ?`, uri))
}

// SoftDeletePost marks a post deleted. Reports whether a live row was
// affected; deleting an already-deleted post is a no-op.
func (c *Queries) SoftDeletePost(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := c.exec(ctx,
		`UPDATE posts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toDBTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SoftDeletePostsByAuthor marks every live post by an author deleted.
// Used when a remote actor deletes itself.
func (c *Queries) SoftDeletePostsByAuthor(ctx context.Context, authorID string, at time.Time) (int64, error) {
	res, err := c.exec(ctx,
		`UPDATE posts SET deleted_at = ? WHERE author_id = ? AND deleted_at IS NULL`,
		toDBTime(at), authorID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PureRepostByPair returns the live pure repost of target by author, or nil.
func (c *Queries) PureRepostByPair(ctx context.Context, authorID, repostOfID string) (*Post, error) {
	return scanPost(c.queryRow(ctx, `SELECT `+postColumns+` FROM posts
		WHERE author_id = ? AND repost_of_id = ? AND content IS NULL AND deleted_at IS NULL`,
		authorID, repostOfID))
}

// PostsByAuthor returns live posts by an author, newest first.
func (c *Queries) PostsByAuthor(ctx context.Context, authorID string, limit int) ([]*Post, error) {
	rows, err := c.query(ctx, `SELECT `+postColumns+` FROM posts
		WHERE author_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ?`,
		authorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// InsertHashtag tags a post. Tags are stored lowercased without the
// leading '#'.
func (c *Queries) InsertHashtag(ctx context.Context, postID, tag string) error {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	_, err := c.exec(ctx, c.insertIgnore(
		`INSERT INTO post_hashtags (post_id, tag) VALUES (?, ?)`), postID, tag)
	return err
}

// HashtagsOf returns the tags of a post.
func (c *Queries) HashtagsOf(ctx context.Context, postID string) ([]string, error) {
	rows, err := c.query(ctx, `SELECT tag FROM post_hashtags WHERE post_id = ? ORDER BY tag`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// InsertMention records that a post mentions a user.
func (c *Queries) InsertMention(ctx context.Context, postID, targetUserID string) error {
	_, err := c.exec(ctx, c.insertIgnore(
		`INSERT INTO post_mentions (post_id, target_user_id) VALUES (?, ?)`), postID, targetUserID)
	return err
}

// MentionsOf returns the users mentioned by a post.
func (c *Queries) MentionsOf(ctx context.Context, postID string) ([]*User, error) {
	rows, err := c.query(ctx, `SELECT `+prefixed("u", userColumns)+`
		FROM post_mentions m JOIN users u ON u.id = m.target_user_id
		WHERE m.post_id = ?`, postID)
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}
