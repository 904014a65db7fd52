package fed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/db"
)

func TestAcceptFollowRequestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, _ := env.remoteActor(t, "alice", "remote.test", "")

	fr := &db.FollowRequest{
		ID:         uuid.NewString(),
		URI:        "https://remote.test/activities/f1",
		FollowerID: alice.ID,
		FolloweeID: bob.ID,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, env.store.InsertFollowRequest(ctx, fr))

	require.NoError(t, env.rec.AcceptFollowRequest(ctx, fr.ID))
	exists, err := env.store.FollowExists(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	stored, err := env.store.FollowRequestByID(ctx, fr.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// A second run, as after a redelivered Accept, changes nothing.
	require.NoError(t, env.rec.AcceptFollowRequest(ctx, fr.ID))
	exists, err = env.store.FollowExists(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStoreRemoteNoteRedeliveryKeepsRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, _ := env.remoteActor(t, "alice", "remote.test", "")

	note := &ap.Note{
		ID:           "https://remote.test/notes/n1",
		AttributedTo: alice.URI,
		Content:      "<p>hi #twice</p>",
		To:           []string{ap.PublicURI},
		Hashtags:     []string{"twice"},
	}

	first, err := env.rec.StoreRemoteNote(ctx, note, alice, nil, nil)
	require.NoError(t, err)
	second, err := env.rec.StoreRemoteNote(ctx, note, alice, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	tags, err := env.store.HashtagsOf(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"twice"}, tags)
}

func TestRetireFollowPrefersRequestOverEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, _ := env.remoteActor(t, "alice", "remote.test", "")

	// Pending request and no edge: the request goes.
	fr := &db.FollowRequest{
		ID:         uuid.NewString(),
		URI:        "https://remote.test/activities/f1",
		FollowerID: alice.ID,
		FolloweeID: bob.ID,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, env.store.InsertFollowRequest(ctx, fr))
	removed, err := env.rec.RetireFollow(ctx, fr.URI, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	// Edge only: the edge goes, found by pair even without a URI match.
	require.NoError(t, env.store.InsertFollow(ctx, alice.ID, bob.ID, time.Now()))
	removed, err = env.rec.RetireFollow(ctx, "https://remote.test/activities/other", alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	// Nothing left.
	removed, err = env.rec.RetireFollow(ctx, "", alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRetireFollowIgnoresOtherPairsRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bob := env.localUser(t, "bob")
	alice, _ := env.remoteActor(t, "alice", "remote.test", "")
	mallory, _ := env.remoteActor(t, "mallory", "remote.test", "")

	fr := &db.FollowRequest{
		ID:         uuid.NewString(),
		URI:        "https://remote.test/activities/f1",
		FollowerID: alice.ID,
		FolloweeID: bob.ID,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, env.store.InsertFollowRequest(ctx, fr))

	// A URI match for another follower must not touch alice's request.
	removed, err := env.rec.RetireFollow(ctx, fr.URI, mallory.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	stored, err := env.store.FollowRequestByURI(ctx, fr.URI)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}
