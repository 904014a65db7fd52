package fed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
)

type testEnv struct {
	cfg      *config.Config
	store    *db.Store
	rec      *Reconciler
	resolver *Resolver
	pub      *Publisher
	disp     *Dispatcher
	queue    *Queue
	ld       *ap.JSONLD
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Hostname:            "local.test",
		HTTPScheme:          "https",
		DatabaseURL:         ":memory:",
		OutboundTimeout:     2 * time.Second,
		RemoteActorTTL:      time.Hour,
		DeliveryMaxAttempts: 3,
		DeliveryBackoffBase: time.Millisecond,
		DeliveryWorkers:     1,
		ResolveDepthLimit:   2,
	}
	store, err := db.Open(cfg.DatabaseURL)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	instKey := testKeyPair(t)
	signer := &ap.Signer{KeyID: config.KeyURI(cfg.InstanceActorURI()), Key: instKey.Private}
	client := ap.NewClient(cfg.OutboundTimeout, "http", false)
	ld := ap.NewJSONLD(nil)
	rec := NewReconciler(store)
	resolver := NewResolver(cfg, store, client, ld, rec, signer)
	pub := NewPublisher(cfg, store, resolver)

	return &testEnv{
		cfg:      cfg,
		store:    store,
		rec:      rec,
		resolver: resolver,
		pub:      pub,
		disp:     NewDispatcher(cfg, store, resolver, rec, pub, ld),
		queue:    NewQueue(cfg, store, client, rec),
		ld:       ld,
	}
}

var keyCache *ap.KeyPair

// testKeyPair hands out one shared small key; the tests exercise
// signing logic, not key strength.
func testKeyPair(t *testing.T) *ap.KeyPair {
	t.Helper()
	if keyCache == nil {
		pair, err := ap.GenerateKeyPair(1024)
		require.NoError(t, err)
		keyCache = pair
	}
	return keyCache
}

// remoteActor stores a remote user together with its signing key, as
// if the resolver had fetched it, and returns a signer for it.
func (env *testEnv) remoteActor(t *testing.T, username, host, inbox string) (*db.User, *ap.Signer) {
	t.Helper()
	pair := testKeyPair(t)
	uri := "https://" + host + "/users/" + username
	if inbox == "" {
		inbox = uri + "/inbox"
	}
	ctx := context.Background()

	user, err := env.store.UpsertRemoteUser(ctx, &db.User{
		ID:           uuid.NewString(),
		Username:     username,
		Host:         host,
		URI:          uri,
		Inbox:        inbox,
		PublicKeyPEM: pair.PublicPEM,
	})
	require.NoError(t, err)
	keyID := uri + "#main-key"
	require.NoError(t, env.store.ReplacePublicKeys(ctx, user.ID, []db.RemotePublicKey{
		{KeyID: keyID, PEM: pair.PublicPEM, FetchedAt: time.Now()},
	}))
	return user, &ap.Signer{KeyID: keyID, Key: pair.Private}
}

func (env *testEnv) localUser(t *testing.T, username string) *db.User {
	t.Helper()
	pair := testKeyPair(t)
	u := &db.User{
		ID:            uuid.NewString(),
		Username:      username,
		PublicKeyPEM:  pair.PublicPEM,
		PrivateKeyPEM: pair.PrivatePEM,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, env.store.InsertUser(context.Background(), u))
	return u
}

// deliver signs an activity as the given remote actor and runs it
// through the dispatcher.
func (env *testEnv) deliver(t *testing.T, signer *ap.Signer, activity map[string]any, recipientID string) *InboxError {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", env.cfg.SharedInboxURI(), bytes.NewReader(body))
	req.Header.Set("Content-Type", ap.ContentType)
	require.NoError(t, signer.SignPost(req, body))

	return env.disp.HandleInbox(context.Background(), req, body, recipientID)
}

func followActivity(id string, actorURI, targetURI string) map[string]any {
	return map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   targetURI,
	}
}
