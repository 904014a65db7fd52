package ap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expand(t *testing.T, raw string) map[string]any {
	t.Helper()
	node, err := NewJSONLD(nil).Expand([]byte(raw))
	require.NoError(t, err)
	return node
}

func TestParseFollow(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/1",
		"type": "Follow",
		"actor": "https://remote.test/users/alice",
		"object": "https://local.test/api/users/u1"
	}`)

	act, err := ParseActivity(node)
	require.NoError(t, err)
	assert.Equal(t, "Follow", act.Kind)
	assert.Equal(t, "https://remote.test/activities/1", act.ID)
	assert.Equal(t, "https://remote.test/users/alice", act.Actor)
	assert.Equal(t, "https://local.test/api/users/u1", act.TargetURI)
}

func TestParseAcceptWithEmbeddedFollow(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/2",
		"type": "Accept",
		"actor": "https://remote.test/users/alice",
		"object": {
			"id": "https://local.test/api/activities/f1",
			"type": "Follow",
			"actor": "https://local.test/api/users/u1",
			"object": "https://remote.test/users/alice"
		}
	}`)

	act, err := ParseActivity(node)
	require.NoError(t, err)
	assert.Equal(t, "Accept", act.Kind)
	require.NotNil(t, act.Inner)
	assert.Equal(t, "Follow", act.Inner.Kind)
	assert.Equal(t, "https://local.test/api/activities/f1", act.Inner.ID)
	assert.Equal(t, "https://local.test/api/users/u1", act.Inner.Actor)
}

func TestParseAcceptWithBareIRI(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/3",
		"type": "Accept",
		"actor": "https://remote.test/users/alice",
		"object": "https://local.test/api/activities/f1"
	}`)

	act, err := ParseActivity(node)
	require.NoError(t, err)
	assert.Nil(t, act.Inner)
	assert.Equal(t, "https://local.test/api/activities/f1", act.TargetURI)
}

func TestParseCreateNote(t *testing.T) {
	node := expand(t, `{
		"@context": ["https://www.w3.org/ns/activitystreams", {"Hashtag": "as:Hashtag", "sensitive": "as:sensitive"}],
		"id": "https://remote.test/activities/4",
		"type": "Create",
		"actor": "https://remote.test/users/alice",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"cc": ["https://remote.test/users/alice/followers"],
		"object": {
			"id": "https://remote.test/notes/n1",
			"type": "Note",
			"attributedTo": "https://remote.test/users/alice",
			"content": "<p>hello #go</p>",
			"published": "2026-08-20T10:00:00Z",
			"to": ["https://www.w3.org/ns/activitystreams#Public"],
			"cc": ["https://remote.test/users/alice/followers"],
			"tag": [
				{"type": "Hashtag", "name": "#go"},
				{"type": "Mention", "href": "https://local.test/api/users/u1", "name": "@bob"}
			]
		}
	}`)

	act, err := ParseActivity(node)
	require.NoError(t, err)
	assert.Equal(t, "Create", act.Kind)
	require.NotNil(t, act.Note)
	assert.Equal(t, "https://remote.test/notes/n1", act.Note.ID)
	assert.Equal(t, "<p>hello #go</p>", act.Note.Content)
	assert.Equal(t, []string{"go"}, act.Note.Hashtags)
	assert.Equal(t, []string{"https://local.test/api/users/u1"}, act.Note.MentionURIs)
	assert.Contains(t, act.Note.To, PublicURI)
	assert.Equal(t, 2026, act.Note.Published.Year())
}

func TestParseUndoOfUnhandledKindKeepsReference(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/5",
		"type": "Undo",
		"actor": "https://remote.test/users/alice",
		"object": {
			"id": "https://remote.test/activities/like-1",
			"type": "Like",
			"actor": "https://remote.test/users/alice",
			"object": "https://local.test/api/posts/p1"
		}
	}`)

	act, err := ParseActivity(node)
	require.NoError(t, err)
	assert.Equal(t, "Undo", act.Kind)
	assert.Nil(t, act.Inner)
	assert.Equal(t, "https://remote.test/activities/like-1", act.TargetURI)
}

func TestParseActivityRejectsUnknownType(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/6",
		"type": "Like",
		"actor": "https://remote.test/users/alice",
		"object": "https://local.test/api/posts/p1"
	}`)

	_, err := ParseActivity(node)
	assert.ErrorIs(t, err, ErrUnknownActivity)
}

func TestParseActivityRequiresActor(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/activities/7",
		"type": "Follow",
		"object": "https://local.test/api/users/u1"
	}`)

	_, err := ParseActivity(node)
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestParseActorDoc(t *testing.T) {
	node := expand(t, `{
		"@context": ["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"],
		"id": "https://remote.test/users/alice",
		"type": "Person",
		"preferredUsername": "alice",
		"name": "Alice",
		"summary": "hi",
		"inbox": "https://remote.test/users/alice/inbox",
		"outbox": "https://remote.test/users/alice/outbox",
		"followers": "https://remote.test/users/alice/followers",
		"endpoints": {"sharedInbox": "https://remote.test/inbox"},
		"publicKey": {
			"id": "https://remote.test/users/alice#main-key",
			"owner": "https://remote.test/users/alice",
			"publicKeyPem": "-----BEGIN PUBLIC KEY-----\nxxx\n-----END PUBLIC KEY-----"
		}
	}`)

	doc, err := ParseActorDoc(node)
	require.NoError(t, err)
	assert.Equal(t, "Person", doc.Kind)
	assert.Equal(t, "alice", doc.PreferredUsername)
	assert.Equal(t, "https://remote.test/users/alice/inbox", doc.Inbox)
	assert.Equal(t, "https://remote.test/inbox", doc.SharedInbox)
	require.Len(t, doc.PublicKeys, 1)
	assert.Equal(t, "https://remote.test/users/alice#main-key", doc.PublicKeys[0].ID)
	assert.Contains(t, doc.PublicKeys[0].PEM, "BEGIN PUBLIC KEY")
}

func TestParseActorDocRejectsMissingInbox(t *testing.T) {
	node := expand(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.test/users/alice",
		"type": "Person",
		"preferredUsername": "alice"
	}`)

	_, err := ParseActorDoc(node)
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestExpandRejectsMultipleNodes(t *testing.T) {
	_, err := NewJSONLD(nil).Expand([]byte(`[
		{"@context": "https://www.w3.org/ns/activitystreams", "id": "https://a.test/1", "type": "Note", "attributedTo": "https://a.test/u", "content": "a"},
		{"@context": "https://www.w3.org/ns/activitystreams", "id": "https://a.test/2", "type": "Note", "attributedTo": "https://a.test/u", "content": "b"}
	]`))
	assert.ErrorIs(t, err, ErrMalformedDocument)
}
