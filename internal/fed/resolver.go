package fed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/metrics"
)

// Resolver turns actor and object URIs into database rows, fetching
// from the remote host when the stored copy is missing or stale.
// Fetches are signed with the instance actor key so peers that require
// authorized fetch answer them.
type Resolver struct {
	cfg        *config.Config
	store      *db.Store
	client     *ap.Client
	ld         *ap.JSONLD
	rec        *Reconciler
	signer     *ap.Signer
	actors     gcache.Cache
	ttl        time.Duration
	depthLimit int
}

func NewResolver(cfg *config.Config, store *db.Store, client *ap.Client, ld *ap.JSONLD, rec *Reconciler, signer *ap.Signer) *Resolver {
	return &Resolver{
		cfg:        cfg,
		store:      store,
		client:     client,
		ld:         ld,
		rec:        rec,
		signer:     signer,
		actors:     gcache.New(1024).LRU().Expiration(cfg.RemoteActorTTL).Build(),
		ttl:        cfg.RemoteActorTTL,
		depthLimit: cfg.ResolveDepthLimit,
	}
}

// ResolveActor returns the user behind an actor URI. Local URIs
// short-circuit to the database. Remote actors are served from the
// stored copy while it is fresh; force bypasses both caches.
func (r *Resolver) ResolveActor(ctx context.Context, uri string, force bool) (*db.User, error) {
	if r.cfg.IsLocalURI(uri) {
		id, ok := r.cfg.LocalUserID(uri)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an actor URI", ErrRemoteObjectNotFound, uri)
		}
		u, err := r.store.UserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, uri)
		}
		return u, nil
	}

	if !force {
		if cached, err := r.actors.Get(uri); err == nil {
			return cached.(*db.User), nil
		}
		u, err := r.store.UserByURI(ctx, uri)
		if err != nil {
			return nil, err
		}
		if u != nil && r.fresh(u) {
			_ = r.actors.Set(uri, u)
			return u, nil
		}
	}

	node, err := r.fetch(ctx, uri)
	if err != nil {
		metrics.ResolverFetches.WithLabelValues("actor", "error").Inc()
		// A stale copy beats a dead remote.
		if stale, dbErr := r.store.UserByURI(ctx, uri); dbErr == nil && stale != nil && errors.Is(err, ErrRemoteDown) {
			return stale, nil
		}
		return nil, err
	}
	doc, err := ap.ParseActorDoc(node)
	if err != nil {
		metrics.ResolverFetches.WithLabelValues("actor", "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}

	u, err := r.storeActor(ctx, doc)
	if err != nil {
		return nil, err
	}
	metrics.ResolverFetches.WithLabelValues("actor", "ok").Inc()
	_ = r.actors.Set(u.URI, u)
	return u, nil
}

// ResolveHandle returns the user behind a user@host handle, going
// through WebFinger for unknown or stale remote handles. host == ""
// or the local hostname looks up a local user.
func (r *Resolver) ResolveHandle(ctx context.Context, username, host string, force bool) (*db.User, error) {
	if host == "" || host == r.cfg.Hostname {
		u, err := r.store.UserByHandle(ctx, username, "")
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("%w: @%s", ErrRemoteObjectNotFound, username)
		}
		return u, nil
	}

	if !force {
		u, err := r.store.UserByHandle(ctx, username, host)
		if err != nil {
			return nil, err
		}
		if u != nil && r.fresh(u) {
			return u, nil
		}
	}

	actorURI, err := r.client.WebFinger(ctx, username, host)
	if err != nil {
		if errors.Is(err, ap.ErrGone) {
			return nil, fmt.Errorf("%w: @%s@%s", ErrRemoteObjectNotFound, username, host)
		}
		return nil, fmt.Errorf("%w: webfinger @%s@%s: %v", ErrRemoteDown, username, host, err)
	}
	return r.ResolveActor(ctx, actorURI, true)
}

// ResolvePost returns the post behind an object URI, fetching it and
// its reply ancestry (up to the depth limit) when unknown. Posts are
// immutable, so a stored copy is always fresh.
func (r *Resolver) ResolvePost(ctx context.Context, uri string) (*db.Post, error) {
	return r.resolvePost(ctx, uri, 0)
}

func (r *Resolver) resolvePost(ctx context.Context, uri string, depth int) (*db.Post, error) {
	if r.cfg.IsLocalURI(uri) {
		id, ok := r.cfg.LocalPostID(uri)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a post URI", ErrRemoteObjectNotFound, uri)
		}
		p, err := r.store.PostByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil || p.DeletedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, uri)
		}
		return p, nil
	}

	p, err := r.store.PostByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if p != nil {
		if p.DeletedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, uri)
		}
		return p, nil
	}

	if depth >= r.depthLimit {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrResolveDepth, uri, depth)
	}

	node, err := r.fetch(ctx, uri)
	if err != nil {
		metrics.ResolverFetches.WithLabelValues("post", "error").Inc()
		return nil, err
	}
	note, err := ap.ParseNote(node)
	if err != nil {
		metrics.ResolverFetches.WithLabelValues("post", "malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}

	author, err := r.ResolveActor(ctx, note.AttributedTo, false)
	if err != nil {
		return nil, err
	}

	var replyToID *string
	if note.InReplyTo != "" {
		parent, err := r.resolvePost(ctx, note.InReplyTo, depth+1)
		if err != nil {
			// Keep the post even when its ancestry is unreachable.
			slog.Warn("reply parent unavailable", "post", note.ID, "parent", note.InReplyTo, "error", err)
		} else {
			replyToID = &parent.ID
		}
	}

	stored, err := r.rec.StoreRemoteNote(ctx, note, author, replyToID, r.localMentions(ctx, note.MentionURIs))
	if err != nil {
		return nil, err
	}
	metrics.ResolverFetches.WithLabelValues("post", "ok").Inc()
	return stored, nil
}

// KeyFetch adapts the resolver for signature verification: unknown key
// ids trigger a forced refetch of the owning actor.
func (r *Resolver) KeyFetch() ap.KeyFetch {
	return func(ctx context.Context, keyID string) (string, string, error) {
		u, pem, err := r.store.UserByKeyID(ctx, keyID)
		if err != nil {
			return "", "", err
		}
		if u != nil {
			return pem, u.ID, nil
		}

		actorURI := keyID
		if i := strings.IndexAny(actorURI, "#?"); i >= 0 {
			actorURI = actorURI[:i]
		}
		if _, err := r.ResolveActor(ctx, actorURI, true); err != nil {
			return "", "", err
		}
		u, pem, err = r.store.UserByKeyID(ctx, keyID)
		if err != nil {
			return "", "", err
		}
		if u == nil {
			return "", "", fmt.Errorf("actor %s does not list key %s", actorURI, keyID)
		}
		return pem, u.ID, nil
	}
}

// localMentions maps mention hrefs onto known local users.
func (r *Resolver) localMentions(ctx context.Context, hrefs []string) []string {
	var ids []string
	for _, href := range hrefs {
		id, ok := r.cfg.LocalUserID(href)
		if !ok {
			continue
		}
		u, err := r.store.UserByID(ctx, id)
		if err != nil || u == nil {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func (r *Resolver) storeActor(ctx context.Context, doc *ap.ActorDoc) (*db.User, error) {
	parsed, err := url.Parse(doc.ID)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: actor id %q", ErrMalformedRemoteResponse, doc.ID)
	}

	u := &db.User{
		ID:          uuid.NewString(),
		Username:    doc.PreferredUsername,
		Host:        parsed.Host,
		Nickname:    doc.Name,
		Bio:         doc.Summary,
		URI:         doc.ID,
		Inbox:       doc.Inbox,
		SharedInbox: doc.SharedInbox,
		Outbox:      doc.Outbox,
	}
	if len(doc.PublicKeys) > 0 {
		u.PublicKeyPEM = doc.PublicKeys[0].PEM
	}

	now := time.Now()
	keys := make([]db.RemotePublicKey, 0, len(doc.PublicKeys))
	for _, k := range doc.PublicKeys {
		keys = append(keys, db.RemotePublicKey{KeyID: k.ID, PEM: k.PEM, FetchedAt: now})
	}

	var stored *db.User
	err = r.store.WithTx(ctx, func(tx *db.Tx) error {
		var txErr error
		stored, txErr = tx.UpsertRemoteUser(ctx, u)
		if txErr != nil {
			return txErr
		}
		return tx.ReplacePublicKeys(ctx, stored.ID, keys)
	})
	if err != nil {
		return nil, fmt.Errorf("store actor %s: %w", doc.ID, err)
	}
	return stored, nil
}

func (r *Resolver) fetch(ctx context.Context, uri string) (map[string]any, error) {
	body, status, err := r.client.Get(ctx, uri, r.signer)
	switch {
	case errors.Is(err, ap.ErrGone), status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, uri)
	case err != nil && (status == 0 || status >= 500):
		return nil, fmt.Errorf("%w: %v", ErrRemoteDown, err)
	case err != nil:
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}

	node, err := r.ld.Expand(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRemoteResponse, err)
	}
	return node, nil
}

func (r *Resolver) fresh(u *db.User) bool {
	return u.FetchedAt != nil && time.Since(*u.FetchedAt) < r.ttl
}
