package db

import "time"

// Visibility is the audience of a post. The values totally order
// visibility: public ⊃ unlisted ⊃ follower ⊃ private.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityFollower Visibility = "follower"
	VisibilityPrivate  Visibility = "private"
)

// User is a local or remote actor. Host == "" marks a local user;
// local users carry both keys and no canonical URI (their URI is
// derived from the instance base URL). Remote users carry a canonical
// URI, inbox endpoints and a fetch timestamp.
type User struct {
	ID            string
	Username      string
	Host          string
	Nickname      string
	Bio           string
	URI           string
	Inbox         string
	SharedInbox   string
	Outbox        string
	PublicKeyPEM  string
	PrivateKeyPEM string
	FetchedAt     *time.Time
	CreatedAt     time.Time
}

// IsLocal reports whether the user is hosted by this instance.
func (u *User) IsLocal() bool { return u.Host == "" }

// PreferredInbox returns the shared inbox when the actor advertises
// one, otherwise the personal inbox.
func (u *User) PreferredInbox() string {
	if u.SharedInbox != "" {
		return u.SharedInbox
	}
	return u.Inbox
}

// RemotePublicKey is a signing key fetched from a remote actor
// document, upserted by (owner, key id).
type RemotePublicKey struct {
	OwnerID   string
	KeyID     string
	PEM       string
	FetchedAt time.Time
}

// Follow is an effective follow edge, unique per (follower, followee).
type Follow struct {
	FollowerID string
	FolloweeID string
	CreatedAt  time.Time
}

// FollowRequest is a Follow activity that is not yet effective. URI is
// the id of the originating Follow activity. Incoming requests were
// sent by a remote actor to a local followee; outgoing is the reverse.
type FollowRequest struct {
	ID         string
	URI        string
	FollowerID string
	FolloweeID string
	Incoming   bool
	CreatedAt  time.Time
}

// Post is a note. Content == nil denotes a pure repost. URI is set
// verbatim for remote posts and empty for local ones.
type Post struct {
	ID         string
	URI        string
	AuthorID   string
	Content    *string
	Visibility Visibility
	ReplyToID  *string
	RepostOfID *string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// IsPureRepost reports whether the post is a repost with no content of
// its own.
func (p *Post) IsPureRepost() bool { return p.Content == nil && p.RepostOfID != nil }

// DeliveryJob is one queued outbound POST to a single inbox. The
// signing material travels with the job so a worker can sign without
// touching the users table.
type DeliveryJob struct {
	ID            string
	Activity      string
	Inbox         string
	KeyID         string
	PrivateKeyPEM string
	OnSuccess     string
	Attempts      int
	NotBefore     time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
}
