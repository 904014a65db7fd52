package fed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/db"
)

func remoteUser(uri, inbox, shared string) *db.User {
	return &db.User{ID: uri, Host: "remote.test", URI: uri, Inbox: inbox, SharedInbox: shared}
}

func TestPlanAudience(t *testing.T) {
	followersURI := "https://local.test/api/users/u1/followers"
	f1 := remoteUser("https://remote.test/users/a", "https://remote.test/users/a/inbox", "https://remote.test/inbox")
	f2 := remoteUser("https://remote.test/users/b", "https://remote.test/users/b/inbox", "https://remote.test/inbox")
	mentioned := remoteUser("https://other.test/users/c", "https://other.test/users/c/inbox", "")
	local := &db.User{ID: "u2", Inbox: ""}
	followers := []*db.User{f1, f2, local}

	t.Run("public", func(t *testing.T) {
		a := PlanAudience(db.VisibilityPublic, followersURI, followers, []*db.User{mentioned})
		assert.Equal(t, []string{ap.PublicURI}, a.To)
		assert.Equal(t, []string{followersURI, mentioned.URI}, a.Cc)
		// Both followers share one shared inbox.
		assert.ElementsMatch(t, []string{"https://remote.test/inbox", mentioned.Inbox}, a.Inboxes)
	})

	t.Run("unlisted", func(t *testing.T) {
		a := PlanAudience(db.VisibilityUnlisted, followersURI, followers, nil)
		assert.Equal(t, []string{followersURI}, a.To)
		assert.Equal(t, []string{ap.PublicURI}, a.Cc)
		assert.Equal(t, []string{"https://remote.test/inbox"}, a.Inboxes)
	})

	t.Run("follower", func(t *testing.T) {
		a := PlanAudience(db.VisibilityFollower, followersURI, followers, []*db.User{mentioned})
		assert.Equal(t, []string{followersURI}, a.To)
		assert.Equal(t, []string{mentioned.URI}, a.Cc)
		assert.ElementsMatch(t, []string{"https://remote.test/inbox", mentioned.Inbox}, a.Inboxes)
	})

	t.Run("private", func(t *testing.T) {
		a := PlanAudience(db.VisibilityPrivate, followersURI, followers, []*db.User{mentioned})
		assert.Equal(t, []string{mentioned.URI}, a.To)
		assert.Empty(t, a.Cc)
		// Followers are not delivery targets for a private note.
		assert.Equal(t, []string{mentioned.Inbox}, a.Inboxes)
	})
}

func TestInferVisibilityInvertsPlan(t *testing.T) {
	followersURI := "https://remote.test/users/a/followers"
	mention := remoteUser("https://other.test/users/c", "https://other.test/users/c/inbox", "")

	for _, vis := range []db.Visibility{
		db.VisibilityPublic, db.VisibilityUnlisted, db.VisibilityFollower, db.VisibilityPrivate,
	} {
		a := PlanAudience(vis, followersURI, nil, []*db.User{mention})
		assert.Equal(t, vis, InferVisibility(a.To, a.Cc, followersURI), "visibility %s", vis)
	}
}

func TestInferVisibilityFollowersSuffixHeuristic(t *testing.T) {
	to := []string{"https://remote.test/users/a/followers"}
	assert.Equal(t, db.VisibilityFollower, InferVisibility(to, nil, ""))

	// Without a followers-shaped address the note is direct.
	assert.Equal(t, db.VisibilityPrivate, InferVisibility([]string{"https://local.test/api/users/u1"}, nil, ""))
}
