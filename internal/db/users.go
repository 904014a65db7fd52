package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, host, nickname, bio, uri, inbox, shared_inbox, outbox,
	public_key, private_key, fetched_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var uri, fetchedAt sql.NullString
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.Host, &u.Nickname, &u.Bio, &uri,
		&u.Inbox, &u.SharedInbox, &u.Outbox, &u.PublicKeyPEM, &u.PrivateKeyPEM,
		&fetchedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.URI = uri.String
	u.FetchedAt = fromDBTimePtr(fetchedAt)
	u.CreatedAt = fromDBTime(createdAt)
	return &u, nil
}

// InsertUser inserts a user row. Used for local registration; remote
// users go through UpsertRemoteUser.
func (c *Queries) InsertUser(ctx context.Context, u *User) error {
	_, err := c.exec(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Host, u.Nickname, u.Bio, nullString(u.URI),
		u.Inbox, u.SharedInbox, u.Outbox, u.PublicKeyPEM, u.PrivateKeyPEM,
		toDBTimePtr(u.FetchedAt), toDBTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Username, err)
	}
	return nil
}

// UserByID returns the user with the given id, or nil if absent.
func (c *Queries) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// UserByURI returns the remote user with the given canonical URI.
func (c *Queries) UserByURI(ctx context.Context, uri string) (*User, error) {
	return scanUser(c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE uri = ?`, uri))
}

// UserByHandle returns the user with the given (username, host) pair.
// host == "" looks up a local user.
func (c *Queries) UserByHandle(ctx context.Context, username, host string) (*User, error) {
	return scanUser(c.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? AND host = ?`, username, host))
}

// UserByKeyID returns the owner of a stored remote public key together
// with the key PEM, or (nil, "") when the key id is unknown.
func (c *Queries) UserByKeyID(ctx context.Context, keyID string) (*User, string, error) {
	row := c.queryRow(ctx, `SELECT `+prefixed("u", userColumns)+`, k.pem
		FROM remote_public_keys k JOIN users u ON u.id = k.owner_id
		WHERE k.key_id = ?`, keyID)

	var u User
	var uri, fetchedAt sql.NullString
	var createdAt, pem string
	err := row.Scan(&u.ID, &u.Username, &u.Host, &u.Nickname, &u.Bio, &uri,
		&u.Inbox, &u.SharedInbox, &u.Outbox, &u.PublicKeyPEM, &u.PrivateKeyPEM,
		&fetchedAt, &createdAt, &pem)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	u.URI = uri.String
	u.FetchedAt = fromDBTimePtr(fetchedAt)
	u.CreatedAt = fromDBTime(createdAt)
	return &u, pem, nil
}

// UpsertRemoteUser inserts or refreshes a remote user keyed by its
// canonical URI and returns the stored row. fetched_at is bumped to
// now on every call.
func (c *Queries) UpsertRemoteUser(ctx context.Context, u *User) (*User, error) {
	existing, err := c.UserByURI(ctx, u.URI)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	u.FetchedAt = &now

	if existing == nil {
		u.CreatedAt = now
		if err := c.InsertUser(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	}

	_, err = c.exec(ctx, `UPDATE users SET username = ?, host = ?, nickname = ?, bio = ?,
		inbox = ?, shared_inbox = ?, outbox = ?, public_key = ?, fetched_at = ?
		WHERE id = ?`,
		u.Username, u.Host, u.Nickname, u.Bio, u.Inbox, u.SharedInbox, u.Outbox,
		u.PublicKeyPEM, toDBTime(now), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update remote user %s: %w", u.URI, err)
	}
	u.ID = existing.ID
	u.CreatedAt = existing.CreatedAt
	return u, nil
}

// ReplacePublicKeys replaces the stored signing keys of a remote user
// with the given set.
func (c *Queries) ReplacePublicKeys(ctx context.Context, ownerID string, keys []RemotePublicKey) error {
	if _, err := c.exec(ctx, `DELETE FROM remote_public_keys WHERE owner_id = ?`, ownerID); err != nil {
		return err
	}
	for _, k := range keys {
		_, err := c.exec(ctx, `INSERT INTO remote_public_keys (owner_id, key_id, pem, fetched_at)
			VALUES (?, ?, ?, ?)`, ownerID, k.KeyID, k.PEM, toDBTime(k.FetchedAt))
		if err != nil {
			return fmt.Errorf("insert public key %s: %w", k.KeyID, err)
		}
	}
	return nil
}

// CountLocalUsers returns the number of local accounts, for NodeInfo.
func (c *Queries) CountLocalUsers(ctx context.Context) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE host = ''`).Scan(&n)
	return n, err
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var cols []string
	cur := ""
	for _, r := range columns {
		switch r {
		case ',':
			cols = append(cols, cur)
			cur = ""
		case ' ', '\n', '\t':
		default:
			cur += string(r)
		}
	}
	if cur != "" {
		cols = append(cols, cur)
	}
	return cols
}
