package fed

import (
	"strings"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/db"
)

// Audience is a delivery plan for one outbound activity: the to/cc
// addressing written into the activity and the deduplicated set of
// remote inboxes to deliver it to.
type Audience struct {
	To      []string
	Cc      []string
	Inboxes []string
}

// PlanAudience computes addressing and delivery targets for a post by a
// local author.
//
//	public    to: Public            cc: followers, mentions
//	unlisted  to: followers         cc: Public, mentions
//	follower  to: followers         cc: mentions
//	private   to: mentions          cc: (none)
//
// Followers receive every visibility except private, which goes only to
// the mentioned users. Local recipients are excluded from the inbox
// list; they see the post through the database.
func PlanAudience(vis db.Visibility, followersURI string, followers, mentioned []*db.User) Audience {
	mentionURIs := make([]string, 0, len(mentioned))
	for _, m := range mentioned {
		mentionURIs = append(mentionURIs, m.URI)
	}

	var a Audience
	switch vis {
	case db.VisibilityPublic:
		a.To = []string{ap.PublicURI}
		a.Cc = append([]string{followersURI}, mentionURIs...)
	case db.VisibilityUnlisted:
		a.To = []string{followersURI}
		a.Cc = append([]string{ap.PublicURI}, mentionURIs...)
	case db.VisibilityFollower:
		a.To = []string{followersURI}
		a.Cc = mentionURIs
	case db.VisibilityPrivate:
		a.To = mentionURIs
	}

	recipients := mentioned
	if vis != db.VisibilityPrivate {
		recipients = append(followers, mentioned...)
	}
	seen := make(map[string]bool)
	for _, u := range recipients {
		if u == nil || u.IsLocal() {
			continue
		}
		inbox := u.PreferredInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		a.Inboxes = append(a.Inboxes, inbox)
	}
	return a
}

// InferVisibility classifies an inbound note from its addressing,
// inverting the scheme PlanAudience writes. followersURI is the
// author's followers collection when known; when unknown, any address
// under the author's origin ending in /followers is taken as it.
func InferVisibility(to, cc []string, followersURI string) db.Visibility {
	if containsURI(to, ap.PublicURI) {
		return db.VisibilityPublic
	}
	if containsURI(cc, ap.PublicURI) {
		return db.VisibilityUnlisted
	}
	if hasFollowers(to, followersURI) || hasFollowers(cc, followersURI) {
		return db.VisibilityFollower
	}
	return db.VisibilityPrivate
}

func containsURI(uris []string, target string) bool {
	for _, u := range uris {
		if u == target {
			return true
		}
	}
	return false
}

func hasFollowers(uris []string, followersURI string) bool {
	for _, u := range uris {
		if followersURI != "" && u == followersURI {
			return true
		}
		if followersURI == "" && strings.HasSuffix(u, "/followers") {
			return true
		}
	}
	return false
}
