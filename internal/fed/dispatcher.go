package fed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/metrics"
)

// seenTTL bounds the shared-inbox dedupe window. Activities stored in
// the database stay idempotent past it.
const seenTTL = 30 * time.Minute

// Dispatcher authenticates and applies inbound activities. One
// instance serves both the per-user inboxes and the shared inbox.
type Dispatcher struct {
	cfg      *config.Config
	store    *db.Store
	resolver *Resolver
	rec      *Reconciler
	pub      *Publisher
	ld       *ap.JSONLD
	seen     gcache.Cache
}

func NewDispatcher(cfg *config.Config, store *db.Store, resolver *Resolver, rec *Reconciler, pub *Publisher, ld *ap.JSONLD) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		rec:      rec,
		pub:      pub,
		ld:       ld,
		seen:     gcache.New(4096).LRU().Expiration(seenTTL).Build(),
	}
}

// HandleInbox processes one inbox POST. recipientID is the local user
// whose inbox was addressed, or "" for the shared inbox. A nil return
// means the activity was accepted (204).
func (d *Dispatcher) HandleInbox(ctx context.Context, r *http.Request, body []byte, recipientID string) *InboxError {
	if ierr := checkDigest(r.Header.Get("Digest"), body); ierr != nil {
		metrics.InboxActivities.WithLabelValues("unknown", "rejected").Inc()
		return ierr
	}

	ownerID, err := ap.VerifyRequest(ctx, r, d.resolver.KeyFetch())
	if err != nil {
		metrics.InboxActivities.WithLabelValues("unknown", "rejected").Inc()
		return inboxErr(http.StatusUnauthorized, "signature verification failed: %v", err)
	}

	node, err := d.ld.Expand(body)
	if err != nil {
		metrics.InboxActivities.WithLabelValues("unknown", "rejected").Inc()
		return inboxErr(http.StatusBadRequest, "unparsable document: %v", err)
	}
	act, err := ap.ParseActivity(node)
	if err != nil {
		metrics.InboxActivities.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, ap.ErrUnknownActivity) {
			return inboxErr(http.StatusMethodNotAllowed, "unsupported activity: %v", err)
		}
		return inboxErr(http.StatusBadRequest, "malformed activity: %v", err)
	}

	outcome := "rejected"
	defer func() {
		metrics.InboxActivities.WithLabelValues(act.Kind, outcome).Inc()
	}()

	keyOwner, err := d.store.UserByID(ctx, ownerID)
	if err != nil || keyOwner == nil {
		return inboxErr(http.StatusUnauthorized, "signing key owner unknown")
	}
	if keyOwner.URI != act.Actor {
		return inboxErr(http.StatusForbidden, "signer %s is not the activity actor %s", keyOwner.URI, act.Actor)
	}

	if recipientID != "" {
		recipient, err := d.store.UserByID(ctx, recipientID)
		if err != nil {
			return inboxErr(http.StatusInternalServerError, "recipient lookup: %v", err)
		}
		if recipient == nil || !recipient.IsLocal() {
			return inboxErr(http.StatusNotFound, "no such inbox")
		}
	}

	if act.ID != "" {
		if _, err := d.seen.Get(act.ID); err == nil {
			outcome = "duplicate"
			return nil
		}
	}

	slog.Info("inbox activity", "type", act.Kind, "id", act.ID, "actor", act.Actor)
	var ierr *InboxError
	switch act.Kind {
	case "Follow":
		ierr = d.handleFollow(ctx, act, keyOwner)
	case "Accept":
		ierr = d.handleAccept(ctx, act, keyOwner)
	case "Reject":
		ierr = d.handleReject(ctx, act, keyOwner)
	case "Undo":
		ierr = d.handleUndo(ctx, act, keyOwner)
	case "Create":
		ierr = d.handleCreate(ctx, act, keyOwner)
	case "Announce":
		ierr = d.handleAnnounce(ctx, act, keyOwner)
	case "Delete":
		ierr = d.handleDelete(ctx, act, keyOwner)
	}
	if ierr != nil {
		return ierr
	}

	if act.ID != "" {
		_ = d.seen.Set(act.ID, struct{}{})
	}
	outcome = "accepted"
	return nil
}

// checkDigest distinguishes a digest that was never usable (400) from
// one that does not match the body (401, a tamper signal).
func checkDigest(header string, body []byte) *InboxError {
	if header == "" {
		return inboxErr(http.StatusBadRequest, "missing Digest header")
	}
	algo, _, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(algo, "SHA-256") {
		return inboxErr(http.StatusBadRequest, "unsupported digest %q", header)
	}
	if !ap.DigestMatches(header, body) {
		return inboxErr(http.StatusUnauthorized, "digest does not match body")
	}
	return nil
}

func (d *Dispatcher) handleFollow(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	followee, ierr := d.localUserByURI(ctx, act.TargetURI)
	if ierr != nil {
		return ierr
	}

	fr := &db.FollowRequest{
		ID:         uuid.NewString(),
		URI:        act.ID,
		FollowerID: actor.ID,
		FolloweeID: followee.ID,
		Incoming:   true,
		CreatedAt:  time.Now(),
	}
	if err := d.store.InsertFollowRequest(ctx, fr); err != nil {
		return inboxErr(http.StatusInternalServerError, "store follow request: %v", err)
	}
	// Redelivery, or a second Follow for an already pending pair:
	// answer with an Accept for whichever request is actually stored.
	stored, err := d.store.FollowRequestByURI(ctx, act.ID)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "load follow request: %v", err)
	}
	if stored == nil {
		stored, err = d.store.FollowRequestByPair(ctx, actor.ID, followee.ID)
		if err != nil || stored == nil {
			return inboxErr(http.StatusInternalServerError, "load follow request: %v", err)
		}
	}

	if err := d.pub.SendAccept(ctx, followee, actor, stored); err != nil {
		return inboxErr(http.StatusInternalServerError, "queue accept: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleAccept(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	followURI, ierr := d.wrappedFollowURI(act)
	if ierr != nil {
		return ierr
	}
	fr, err := d.store.FollowRequestByURI(ctx, followURI)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "load follow request: %v", err)
	}
	if fr == nil || fr.Incoming {
		return inboxErr(http.StatusNotFound, "no pending follow %s", followURI)
	}
	if fr.FolloweeID != actor.ID {
		return inboxErr(http.StatusForbidden, "accept from %s for a follow aimed at another actor", actor.URI)
	}

	confirmed, err := d.rec.ConfirmOutgoingFollow(ctx, followURI)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "confirm follow: %v", err)
	}
	if !confirmed {
		return inboxErr(http.StatusNotFound, "no pending follow %s", followURI)
	}
	return nil
}

func (d *Dispatcher) handleReject(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	followURI, ierr := d.wrappedFollowURI(act)
	if ierr != nil {
		return ierr
	}

	followerID := ""
	if fr, err := d.store.FollowRequestByURI(ctx, followURI); err != nil {
		return inboxErr(http.StatusInternalServerError, "load follow request: %v", err)
	} else if fr != nil {
		if fr.FolloweeID != actor.ID {
			return inboxErr(http.StatusForbidden, "reject from %s for a follow aimed at another actor", actor.URI)
		}
		followerID = fr.FollowerID
	} else if act.Inner != nil {
		id, ok := d.cfg.LocalUserID(act.Inner.Actor)
		if !ok {
			return inboxErr(http.StatusNotFound, "no follow state for %s", followURI)
		}
		followerID = id
	} else {
		return inboxErr(http.StatusNotFound, "no follow state for %s", followURI)
	}

	removed, err := d.rec.RetireFollow(ctx, followURI, followerID, actor.ID)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "retire follow: %v", err)
	}
	if !removed {
		return inboxErr(http.StatusNotFound, "no follow state for %s", followURI)
	}
	return nil
}

func (d *Dispatcher) handleUndo(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	if act.Inner == nil {
		// A bare reference, or a wrapped activity kind we don't track.
		return d.undoByURI(ctx, act.TargetURI, actor)
	}

	switch act.Inner.Kind {
	case "Follow":
		if act.Inner.Actor != actor.URI {
			return inboxErr(http.StatusForbidden, "undo by %s of someone else's follow", actor.URI)
		}
		followee, ierr := d.localUserByURI(ctx, act.Inner.TargetURI)
		if ierr != nil {
			return ierr
		}
		// Undo is idempotent: absent state is still success.
		if _, err := d.rec.RetireFollow(ctx, act.Inner.ID, actor.ID, followee.ID); err != nil {
			return inboxErr(http.StatusInternalServerError, "retire follow: %v", err)
		}
		return nil
	case "Announce":
		return d.undoRepost(ctx, act.Inner.ID, actor)
	default:
		return nil
	}
}

// undoByURI handles an Undo whose object is just an IRI. It may name a
// follow activity or an announce; anything else is ignored.
func (d *Dispatcher) undoByURI(ctx context.Context, uri string, actor *db.User) *InboxError {
	if uri == "" {
		return nil
	}
	fr, err := d.store.FollowRequestByURI(ctx, uri)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "load follow request: %v", err)
	}
	if fr != nil {
		if fr.FollowerID != actor.ID {
			return inboxErr(http.StatusForbidden, "undo by %s of someone else's follow", actor.URI)
		}
		if _, err := d.rec.RetireFollow(ctx, uri, fr.FollowerID, fr.FolloweeID); err != nil {
			return inboxErr(http.StatusInternalServerError, "retire follow: %v", err)
		}
		return nil
	}
	return d.undoRepost(ctx, uri, actor)
}

func (d *Dispatcher) undoRepost(ctx context.Context, announceURI string, actor *db.User) *InboxError {
	if announceURI == "" {
		return nil
	}
	post, err := d.store.PostByURI(ctx, announceURI)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "load repost: %v", err)
	}
	if post == nil || post.DeletedAt != nil {
		return nil
	}
	if post.AuthorID != actor.ID {
		return inboxErr(http.StatusForbidden, "undo by %s of someone else's announce", actor.URI)
	}
	if _, err := d.store.SoftDeletePost(ctx, post.ID, time.Now()); err != nil {
		return inboxErr(http.StatusInternalServerError, "retract repost: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	note := act.Note
	if note.AttributedTo != actor.URI {
		return inboxErr(http.StatusForbidden, "note by %s delivered by %s", note.AttributedTo, actor.URI)
	}

	var replyToID *string
	if note.InReplyTo != "" {
		parent, err := d.resolver.ResolvePost(ctx, note.InReplyTo)
		if err != nil {
			slog.Warn("reply parent unavailable", "post", note.ID, "parent", note.InReplyTo, "error", err)
		} else {
			replyToID = &parent.ID
		}
	}

	if _, err := d.rec.StoreRemoteNote(ctx, note, actor, replyToID, d.resolver.localMentions(ctx, note.MentionURIs)); err != nil {
		return inboxErr(http.StatusInternalServerError, "store note: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	target, err := d.resolver.ResolvePost(ctx, act.TargetURI)
	switch {
	case errors.Is(err, ErrRemoteObjectNotFound), errors.Is(err, ErrResolveDepth):
		return inboxErr(http.StatusNotFound, "announced object %s not found", act.TargetURI)
	case errors.Is(err, ErrRemoteDown):
		return inboxErr(http.StatusBadGateway, "announced object %s unreachable", act.TargetURI)
	case err != nil:
		return inboxErr(http.StatusBadRequest, "announced object %s: %v", act.TargetURI, err)
	}
	// Announcing a repost boosts the original; a stored repost never
	// points at another repost.
	if target.IsPureRepost() {
		orig, err := d.store.PostByID(ctx, *target.RepostOfID)
		if err != nil {
			return inboxErr(http.StatusInternalServerError, "load repost target: %v", err)
		}
		if orig == nil || orig.DeletedAt != nil {
			return inboxErr(http.StatusNotFound, "announced object %s not found", act.TargetURI)
		}
		target = orig
	}

	vis := InferVisibility(act.To, act.Cc, "")
	if _, err := d.rec.StoreRemoteRepost(ctx, act.ID, actor, target, vis, act.Published); err != nil {
		return inboxErr(http.StatusInternalServerError, "store repost: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, act *ap.Activity, actor *db.User) *InboxError {
	deletedAt := act.Published
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}

	if act.TargetURI == actor.URI {
		// Actor self-deletion retracts everything they posted here.
		if _, err := d.store.SoftDeletePostsByAuthor(ctx, actor.ID, deletedAt); err != nil {
			return inboxErr(http.StatusInternalServerError, "retract posts: %v", err)
		}
		return nil
	}

	post, err := d.store.PostByURI(ctx, act.TargetURI)
	if err != nil {
		return inboxErr(http.StatusInternalServerError, "load post: %v", err)
	}
	if post == nil {
		return inboxErr(http.StatusNotFound, "unknown object %s", act.TargetURI)
	}
	if post.AuthorID != actor.ID {
		return inboxErr(http.StatusForbidden, "delete by %s of someone else's post", actor.URI)
	}
	if _, err := d.store.SoftDeletePost(ctx, post.ID, deletedAt); err != nil {
		return inboxErr(http.StatusInternalServerError, "delete post: %v", err)
	}
	return nil
}

// localUserByURI maps a local actor URI to its user row, or answers
// 404 for anything that is not a known local actor.
func (d *Dispatcher) localUserByURI(ctx context.Context, uri string) (*db.User, *InboxError) {
	id, ok := d.cfg.LocalUserID(uri)
	if !ok {
		return nil, inboxErr(http.StatusNotFound, "%s is not a local actor", uri)
	}
	u, err := d.store.UserByID(ctx, id)
	if err != nil {
		return nil, inboxErr(http.StatusInternalServerError, "user lookup: %v", err)
	}
	if u == nil || !u.IsLocal() {
		return nil, inboxErr(http.StatusNotFound, "no local actor %s", uri)
	}
	return u, nil
}

// wrappedFollowURI extracts the Follow activity URI an Accept or
// Reject refers to.
func (d *Dispatcher) wrappedFollowURI(act *ap.Activity) (string, *InboxError) {
	if act.Inner != nil {
		if act.Inner.Kind != "Follow" {
			return "", inboxErr(http.StatusBadRequest, "%s wraps a %s, expected a Follow", act.Kind, act.Inner.Kind)
		}
		if act.Inner.ID == "" {
			return "", inboxErr(http.StatusBadRequest, "%s wraps a Follow without id", act.Kind)
		}
		return act.Inner.ID, nil
	}
	if act.TargetURI == "" {
		return "", inboxErr(http.StatusBadRequest, "%s without object", act.Kind)
	}
	return act.TargetURI, nil
}
