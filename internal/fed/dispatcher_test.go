package fed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/db"
)

// acceptingInbox is a fake remote inbox that records every delivered
// activity body.
type acceptingInbox struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (a *acceptingInbox) serve(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		a.mu.Lock()
		a.bodies = append(a.bodies, body)
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (a *acceptingInbox) activities(t *testing.T) []map[string]any {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]any, 0, len(a.bodies))
	for _, b := range a.bodies {
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func TestInboundFollowAutoAccepted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inbox := &acceptingInbox{}
	ts := inbox.serve(t)

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", ts.URL+"/inbox")

	followID := "https://remote.test/activities/f1"
	ierr := env.deliver(t, signer, followActivity(followID, alice.URI, env.cfg.UserURI(bob.ID)), "")
	require.Nil(t, ierr)

	// The edge is not effective until the Accept has been delivered.
	exists, err := env.store.FollowExists(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, env.queue.ProcessDue(ctx))

	acts := inbox.activities(t)
	require.Len(t, acts, 1)
	assert.Equal(t, "Accept", acts[0]["type"])
	obj := acts[0]["object"].(map[string]any)
	assert.Equal(t, followID, obj["id"])
	assert.Equal(t, "Follow", obj["type"])

	exists, err = env.store.FollowExists(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	fr, err := env.store.FollowRequestByURI(ctx, followID)
	require.NoError(t, err)
	assert.Nil(t, fr)
	depth, err := env.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestInboundFollowRedeliveryIsDeduped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	act := followActivity("https://remote.test/activities/f1", alice.URI, env.cfg.UserURI(bob.ID))
	require.Nil(t, env.deliver(t, signer, act, ""))
	require.Nil(t, env.deliver(t, signer, act, ""))

	depth, err := env.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "one Accept queued for two deliveries of the same Follow")
}

func TestInboxDigestValidation(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	body, err := json.Marshal(followActivity("https://remote.test/activities/f1", alice.URI, env.cfg.UserURI(bob.ID)))
	require.NoError(t, err)

	t.Run("missing digest", func(t *testing.T) {
		req := httptest.NewRequest("POST", env.cfg.SharedInboxURI(), bytes.NewReader(body))
		ierr := env.disp.HandleInbox(context.Background(), req, body, "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusBadRequest, ierr.Status)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		req := httptest.NewRequest("POST", env.cfg.SharedInboxURI(), bytes.NewReader(body))
		req.Header.Set("Digest", "MD5=abc")
		ierr := env.disp.HandleInbox(context.Background(), req, body, "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusBadRequest, ierr.Status)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := httptest.NewRequest("POST", env.cfg.SharedInboxURI(), bytes.NewReader(body))
		req.Header.Set("Content-Type", ap.ContentType)
		require.NoError(t, signer.SignPost(req, body))
		tampered := append(bytes.Clone(body), ' ')
		ierr := env.disp.HandleInbox(context.Background(), req, tampered, "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusUnauthorized, ierr.Status)
	})

	t.Run("digest without signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", env.cfg.SharedInboxURI(), bytes.NewReader(body))
		req.Header.Set("Digest", ap.MakeDigest(body))
		ierr := env.disp.HandleInbox(context.Background(), req, body, "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusUnauthorized, ierr.Status)
	})
}

func TestInboxRejectsUnsupportedActivity(t *testing.T) {
	env := newTestEnv(t)
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/like-1",
		"type":     "Like",
		"actor":    alice.URI,
		"object":   env.cfg.PostURI("p1"),
	}, "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusMethodNotAllowed, ierr.Status)
}

func TestInboxRejectsActorKeyMismatch(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localUser(t, "bob")
	_, signer := env.remoteActor(t, "alice", "remote.test", "")

	// Signed with alice's key but claiming another actor.
	ierr := env.deliver(t, signer,
		followActivity("https://remote.test/activities/f1", "https://remote.test/users/mallory", env.cfg.UserURI(bob.ID)), "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusForbidden, ierr.Status)
}

func TestInboxRejectsUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	ierr := env.deliver(t, signer,
		followActivity("https://remote.test/activities/f1", alice.URI, env.cfg.UserURI(bob.ID)), "nope")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusNotFound, ierr.Status)
}

func TestInboundAcceptConfirmsFollow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")
	require.NoError(t, env.pub.Follow(ctx, bob, alice))

	fr, err := env.store.FollowRequestByPair(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, fr)

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/a1",
		"type":     "Accept",
		"actor":    alice.URI,
		"object": map[string]any{
			"id":     fr.URI,
			"type":   "Follow",
			"actor":  env.cfg.UserURI(bob.ID),
			"object": alice.URI,
		},
	}, "")
	require.Nil(t, ierr)

	exists, err := env.store.FollowExists(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	fr, err = env.store.FollowRequestByURI(ctx, fr.URI)
	require.NoError(t, err)
	assert.Nil(t, fr)
}

func TestInboundAcceptWithoutPendingRequest(t *testing.T) {
	env := newTestEnv(t)
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/a1",
		"type":     "Accept",
		"actor":    alice.URI,
		"object":   env.cfg.BaseURL("/api/activities/ghost"),
	}, "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusNotFound, ierr.Status)
}

func TestInboundRejectRetiresPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")
	require.NoError(t, env.pub.Follow(ctx, bob, alice))
	fr, err := env.store.FollowRequestByPair(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, fr)

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/r1",
		"type":     "Reject",
		"actor":    alice.URI,
		"object":   fr.URI,
	}, "")
	require.Nil(t, ierr)

	exists, err := env.store.FollowExists(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	fr, err = env.store.FollowRequestByURI(ctx, fr.URI)
	require.NoError(t, err)
	assert.Nil(t, fr)
}

func createNoteActivity(actorURI, noteID string, to, cc []string, content string) map[string]any {
	return map[string]any{
		"@context": []any{
			"https://www.w3.org/ns/activitystreams",
			map[string]any{"Hashtag": "as:Hashtag", "sensitive": "as:sensitive"},
		},
		"id":    noteID + "/activity",
		"type":  "Create",
		"actor": actorURI,
		"to":    to,
		"cc":    cc,
		"object": map[string]any{
			"id":           noteID,
			"type":         "Note",
			"attributedTo": actorURI,
			"content":      content,
			"published":    "2026-08-20T10:00:00Z",
			"to":           to,
			"cc":           cc,
			"tag": []any{
				map[string]any{"type": "Hashtag", "name": "#moss"},
			},
		},
	}
}

func TestInboundCreateStoresNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	noteID := "https://remote.test/notes/n1"
	ierr := env.deliver(t, signer, createNoteActivity(alice.URI, noteID,
		[]string{ap.PublicURI}, []string{alice.URI + "/followers"}, "<p>hello #moss</p>"), "")
	require.Nil(t, ierr)

	post, err := env.store.PostByURI(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, alice.ID, post.AuthorID)
	assert.Equal(t, db.VisibilityPublic, post.Visibility)
	require.NotNil(t, post.Content)
	assert.Equal(t, "<p>hello #moss</p>", *post.Content)

	tags, err := env.store.HashtagsOf(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"moss"}, tags)
}

func TestInboundCreateInfersFollowerVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	noteID := "https://remote.test/notes/n2"
	ierr := env.deliver(t, signer, createNoteActivity(alice.URI, noteID,
		[]string{alice.URI + "/followers"}, nil, "followers only"), "")
	require.Nil(t, ierr)

	post, err := env.store.PostByURI(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, db.VisibilityFollower, post.Visibility)
}

func TestInboundCreateRejectsForgedAttribution(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.remoteActor(t, "alice", "remote.test", "")
	carol, carolSigner := env.remoteActor(t, "carol", "remote.test", "")

	act := createNoteActivity(alice.URI, "https://remote.test/notes/n3",
		[]string{ap.PublicURI}, nil, "forged")
	act["actor"] = carol.URI
	ierr := env.deliver(t, carolSigner, act, "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusForbidden, ierr.Status)
}

func TestInboundAnnounceAndUndo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	post, err := env.pub.CreateNote(ctx, bob, NoteDraft{Content: "hello", Visibility: db.VisibilityPublic})
	require.NoError(t, err)

	announceID := "https://remote.test/activities/boost-1"
	ierr := env.deliver(t, signer, map[string]any{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        announceID,
		"type":      "Announce",
		"actor":     alice.URI,
		"object":    env.cfg.PostURI(post.ID),
		"to":        []string{ap.PublicURI},
		"published": "2026-08-20T10:00:00Z",
	}, "")
	require.Nil(t, ierr)

	repost, err := env.store.PostByURI(ctx, announceID)
	require.NoError(t, err)
	require.NotNil(t, repost)
	assert.Equal(t, alice.ID, repost.AuthorID)
	require.NotNil(t, repost.RepostOfID)
	assert.Equal(t, post.ID, *repost.RepostOfID)
	assert.True(t, repost.IsPureRepost())

	ierr = env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/undo-1",
		"type":     "Undo",
		"actor":    alice.URI,
		"object": map[string]any{
			"id":     announceID,
			"type":   "Announce",
			"actor":  alice.URI,
			"object": env.cfg.PostURI(post.ID),
		},
	}, "")
	require.Nil(t, ierr)

	repost, err = env.store.PostByURI(ctx, announceID)
	require.NoError(t, err)
	require.NotNil(t, repost)
	assert.NotNil(t, repost.DeletedAt)
}

func TestInboundAnnounceOfUnknownObject(t *testing.T) {
	env := newTestEnv(t)
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/boost-2",
		"type":     "Announce",
		"actor":    alice.URI,
		"object":   env.cfg.PostURI("ghost"),
		"to":       []string{ap.PublicURI},
	}, "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusNotFound, ierr.Status)
}

func TestInboundUndoFollowRemovesEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")
	require.NoError(t, env.store.InsertFollow(ctx, alice.ID, bob.ID, time.Now()))

	undo := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/undo-f1",
		"type":     "Undo",
		"actor":    alice.URI,
		"object": map[string]any{
			"id":     "https://remote.test/activities/f1",
			"type":   "Follow",
			"actor":  alice.URI,
			"object": env.cfg.UserURI(bob.ID),
		},
	}
	require.Nil(t, env.deliver(t, signer, undo, ""))

	exists, err := env.store.FollowExists(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// Undo of absent state is still a success.
	undo["id"] = "https://remote.test/activities/undo-f2"
	require.Nil(t, env.deliver(t, signer, undo, ""))
}

func TestInboundUndoFollowByThirdParty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, aliceSigner := env.remoteActor(t, "alice", "remote.test", "")
	mallory, mallorySigner := env.remoteActor(t, "mallory", "remote.test", "")

	followID := "https://remote.test/activities/f1"
	require.Nil(t, env.deliver(t, aliceSigner,
		followActivity(followID, alice.URI, env.cfg.UserURI(bob.ID)), ""))

	// Mallory knows alice's follow id and tries to revoke it.
	ierr := env.deliver(t, mallorySigner, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/undo-m1",
		"type":     "Undo",
		"actor":    mallory.URI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  alice.URI,
			"object": env.cfg.UserURI(bob.ID),
		},
	}, "")
	require.NotNil(t, ierr)
	assert.Equal(t, http.StatusForbidden, ierr.Status)

	fr, err := env.store.FollowRequestByURI(ctx, followID)
	require.NoError(t, err)
	assert.NotNil(t, fr, "alice's pending follow request survives")
}

func TestInboundAnnounceOfRepostBoostsOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, aliceSigner := env.remoteActor(t, "alice", "remote.test", "")
	carol, carolSigner := env.remoteActor(t, "carol", "remote.test", "")

	post, err := env.pub.CreateNote(ctx, bob, NoteDraft{Content: "original", Visibility: db.VisibilityPublic})
	require.NoError(t, err)

	firstBoost := "https://remote.test/activities/boost-3"
	require.Nil(t, env.deliver(t, aliceSigner, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       firstBoost,
		"type":     "Announce",
		"actor":    alice.URI,
		"object":   env.cfg.PostURI(post.ID),
		"to":       []string{ap.PublicURI},
	}, ""))

	secondBoost := "https://remote.test/activities/boost-4"
	require.Nil(t, env.deliver(t, carolSigner, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       secondBoost,
		"type":     "Announce",
		"actor":    carol.URI,
		"object":   firstBoost,
		"to":       []string{ap.PublicURI},
	}, ""))

	repost, err := env.store.PostByURI(ctx, secondBoost)
	require.NoError(t, err)
	require.NotNil(t, repost)
	require.NotNil(t, repost.RepostOfID)
	assert.Equal(t, post.ID, *repost.RepostOfID, "announcing a repost boosts the original")

	original, err := env.store.PostByID(ctx, *repost.RepostOfID)
	require.NoError(t, err)
	require.NotNil(t, original)
	assert.Nil(t, original.RepostOfID)
}

func TestInboundDeleteNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")
	_, carolSigner := env.remoteActor(t, "carol", "remote.test", "")

	noteID := "https://remote.test/notes/n4"
	require.Nil(t, env.deliver(t, signer, createNoteActivity(alice.URI, noteID,
		[]string{ap.PublicURI}, nil, "soon gone"), ""))

	deleteAct := func(id, actor, object string) map[string]any {
		return map[string]any{
			"@context":  "https://www.w3.org/ns/activitystreams",
			"id":        id,
			"type":      "Delete",
			"actor":     actor,
			"object":    object,
			"published": "2026-08-21T09:00:00Z",
		}
	}

	t.Run("wrong author", func(t *testing.T) {
		carolURI := "https://remote.test/users/carol"
		ierr := env.deliver(t, carolSigner, deleteAct("https://remote.test/activities/d0", carolURI, noteID), "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusForbidden, ierr.Status)
	})

	t.Run("unknown object", func(t *testing.T) {
		ierr := env.deliver(t, signer, deleteAct("https://remote.test/activities/d1", alice.URI, "https://remote.test/notes/ghost"), "")
		require.NotNil(t, ierr)
		assert.Equal(t, http.StatusNotFound, ierr.Status)
	})

	t.Run("author deletes own note", func(t *testing.T) {
		require.Nil(t, env.deliver(t, signer, deleteAct("https://remote.test/activities/d2", alice.URI, noteID), ""))
		post, err := env.store.PostByURI(ctx, noteID)
		require.NoError(t, err)
		require.NotNil(t, post)
		require.NotNil(t, post.DeletedAt)
		// The deletion carries the activity's published timestamp.
		want := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
		assert.WithinDuration(t, want, *post.DeletedAt, time.Second)
	})
}

func TestInboundActorDeleteRetractsPosts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, signer := env.remoteActor(t, "alice", "remote.test", "")

	noteID := "https://remote.test/notes/n5"
	require.Nil(t, env.deliver(t, signer, createNoteActivity(alice.URI, noteID,
		[]string{ap.PublicURI}, nil, "whole account goes away"), ""))

	ierr := env.deliver(t, signer, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://remote.test/activities/d3",
		"type":     "Delete",
		"actor":    alice.URI,
		"object":   alice.URI,
	}, "")
	require.Nil(t, ierr)

	post, err := env.store.PostByURI(ctx, noteID)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.NotNil(t, post.DeletedAt)
}
