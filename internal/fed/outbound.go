package fed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
)

// ErrRepostVisibility rejects reposting a post whose audience does not
// include the reposter's followers.
var ErrRepostVisibility = errors.New("only public and unlisted posts can be reposted")

// deliveryExpiry bounds how long a job may sit in the queue before it
// is dropped regardless of remaining attempts.
const deliveryExpiry = 7 * 24 * time.Hour

var (
	hashtagRe = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_]+)`)
	mentionRe = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_]+)(?:@([A-Za-z0-9.\-:]+))?`)
)

// jobQueue is the slice of the data layer the publisher enqueues
// through, satisfied by both Store and Tx.
type jobQueue interface {
	EnqueueJob(ctx context.Context, j *db.DeliveryJob) error
}

// NoteDraft is the input for publishing a note.
type NoteDraft struct {
	Content    string
	Visibility db.Visibility
	ReplyToURI string
}

// Publisher turns local actions into stored state plus queued outbound
// activities. State change and enqueue always share one transaction.
type Publisher struct {
	cfg      *config.Config
	store    *db.Store
	resolver *Resolver
}

func NewPublisher(cfg *config.Config, store *db.Store, resolver *Resolver) *Publisher {
	return &Publisher{cfg: cfg, store: store, resolver: resolver}
}

// CreateNote publishes a note by a local author: parses hashtags and
// mentions out of the content, resolves the reply target and mentioned
// handles, stores the post and queues a Create to every planned inbox.
func (p *Publisher) CreateNote(ctx context.Context, author *db.User, draft NoteDraft) (*db.Post, error) {
	if !author.IsLocal() {
		return nil, ErrNotLocal
	}

	var replyToID *string
	var replyAuthor *db.User
	replyToURI := ""
	if draft.ReplyToURI != "" {
		parent, err := p.resolver.ResolvePost(ctx, draft.ReplyToURI)
		if err != nil {
			return nil, fmt.Errorf("resolve reply target: %w", err)
		}
		replyToID = &parent.ID
		replyToURI = p.canonicalPostURI(parent)
		if replyAuthor, err = p.store.UserByID(ctx, parent.AuthorID); err != nil {
			return nil, err
		}
	}

	tags := extractHashtags(draft.Content)
	mentioned := p.resolveMentions(ctx, draft.Content)
	followers, err := p.store.Followers(ctx, author.ID)
	if err != nil {
		return nil, err
	}
	aud := PlanAudience(draft.Visibility, p.cfg.FollowersURI(author.ID), followers, mentioned)
	addReplyTarget(&aud, replyAuthor)

	postID := uuid.NewString()
	now := time.Now()
	post := &db.Post{
		ID:         postID,
		AuthorID:   author.ID,
		Content:    &draft.Content,
		Visibility: draft.Visibility,
		ReplyToID:  replyToID,
		CreatedAt:  now,
	}

	note := &ap.NoteObject{
		ID:           p.cfg.PostURI(postID),
		Type:         "Note",
		AttributedTo: p.cfg.UserURI(author.ID),
		Content:      renderContent(draft.Content),
		Published:    now.UTC().Format(time.RFC3339),
		To:           aud.To,
		CC:           aud.Cc,
		InReplyTo:    replyToURI,
		Tag:          noteTags(p.cfg, tags, mentioned),
	}
	activity := &ap.ActivityObject{
		Context:   ap.DefaultContext,
		ID:        p.cfg.PostURI(postID) + "/activity",
		Type:      "Create",
		Actor:     p.cfg.UserURI(author.ID),
		Object:    note,
		To:        aud.To,
		CC:        aud.Cc,
		Published: note.Published,
	}

	err = p.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.InsertPost(ctx, post); err != nil {
			return err
		}
		for _, tag := range tags {
			if err := tx.InsertHashtag(ctx, postID, tag); err != nil {
				return err
			}
		}
		for _, m := range mentioned {
			if err := tx.InsertMention(ctx, postID, m.ID); err != nil {
				return err
			}
		}
		return p.enqueue(ctx, tx, activity, aud.Inboxes, author, "")
	})
	if err != nil {
		return nil, fmt.Errorf("publish note: %w", err)
	}
	return post, nil
}

// Repost publishes a pure repost of a public or unlisted post and
// queues an Announce to the author's followers and the original
// author. Reposting twice returns the existing repost.
func (p *Publisher) Repost(ctx context.Context, author *db.User, targetURI string) (*db.Post, error) {
	if !author.IsLocal() {
		return nil, ErrNotLocal
	}
	target, err := p.resolver.ResolvePost(ctx, targetURI)
	if err != nil {
		return nil, err
	}
	// Reposting a repost boosts the original.
	if target.IsPureRepost() {
		orig, err := p.store.PostByID(ctx, *target.RepostOfID)
		if err != nil {
			return nil, err
		}
		if orig == nil || orig.DeletedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrRemoteObjectNotFound, targetURI)
		}
		target = orig
	}
	if target.Visibility != db.VisibilityPublic && target.Visibility != db.VisibilityUnlisted {
		return nil, ErrRepostVisibility
	}
	if existing, err := p.store.PureRepostByPair(ctx, author.ID, target.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	origAuthor, err := p.store.UserByID(ctx, target.AuthorID)
	if err != nil {
		return nil, err
	}
	followers, err := p.store.Followers(ctx, author.ID)
	if err != nil {
		return nil, err
	}
	// The repost carries no content of its own; it surfaces in tag
	// timelines through the original's hashtags.
	inheritedTags, err := p.store.HashtagsOf(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	targetID := &target.ID
	postID := uuid.NewString()
	now := time.Now()
	post := &db.Post{
		ID:         postID,
		AuthorID:   author.ID,
		Visibility: db.VisibilityPublic,
		RepostOfID: targetID,
		CreatedAt:  now,
	}

	to := []string{ap.PublicURI}
	cc := []string{p.cfg.FollowersURI(author.ID)}
	recipients := followers
	if origAuthor != nil {
		cc = append(cc, p.actorURI(origAuthor))
		recipients = append(recipients, origAuthor)
	}
	aud := PlanAudience(db.VisibilityPublic, p.cfg.FollowersURI(author.ID), recipients, nil)

	activity := &ap.ActivityObject{
		Context:   ap.DefaultContext,
		ID:        p.cfg.PostURI(postID) + "/activity",
		Type:      "Announce",
		Actor:     p.cfg.UserURI(author.ID),
		Object:    p.canonicalPostURI(target),
		To:        to,
		CC:        cc,
		Published: now.UTC().Format(time.RFC3339),
	}

	err = p.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.InsertPost(ctx, post); err != nil {
			return err
		}
		for _, tag := range inheritedTags {
			if err := tx.InsertHashtag(ctx, postID, tag); err != nil {
				return err
			}
		}
		return p.enqueue(ctx, tx, activity, aud.Inboxes, author, "")
	})
	if err != nil {
		return nil, fmt.Errorf("publish repost: %w", err)
	}
	return post, nil
}

// DeleteNote retracts a local post. Notes federate a Delete with a
// Tombstone; pure reposts federate an Undo of the Announce.
func (p *Publisher) DeleteNote(ctx context.Context, author *db.User, postID string) error {
	if !author.IsLocal() {
		return ErrNotLocal
	}
	post, err := p.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil || post.DeletedAt != nil || post.AuthorID != author.ID {
		return fmt.Errorf("%w: post %s", ErrRemoteObjectNotFound, postID)
	}

	followers, err := p.store.Followers(ctx, author.ID)
	if err != nil {
		return err
	}
	aud := PlanAudience(db.VisibilityPublic, p.cfg.FollowersURI(author.ID), followers, nil)
	actorURI := p.cfg.UserURI(author.ID)
	activityID := p.cfg.PostURI(postID) + "/delete"

	var activity *ap.ActivityObject
	if post.IsPureRepost() {
		activity = &ap.ActivityObject{
			Context: ap.DefaultContext,
			ID:      activityID,
			Type:    "Undo",
			Actor:   actorURI,
			Object: &ap.ActivityObject{
				ID:     p.cfg.PostURI(postID) + "/activity",
				Type:   "Announce",
				Actor:  actorURI,
				Object: p.repostTargetURI(ctx, post),
			},
			To: aud.To,
			CC: aud.Cc,
		}
	} else {
		activity = &ap.ActivityObject{
			Context: ap.DefaultContext,
			ID:      activityID,
			Type:    "Delete",
			Actor:   actorURI,
			Object:  &ap.Tombstone{ID: p.cfg.PostURI(postID), Type: "Tombstone", FormerType: "Note"},
			To:      aud.To,
			CC:      aud.Cc,
		}
	}

	err = p.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.SoftDeletePost(ctx, postID, time.Now()); err != nil {
			return err
		}
		return p.enqueue(ctx, tx, activity, aud.Inboxes, author, "")
	})
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// Follow has a local user follow target. Remote targets get a pending
// request plus a queued Follow activity; the edge becomes effective
// when the remote Accept arrives. Local targets take effect at once.
func (p *Publisher) Follow(ctx context.Context, follower, target *db.User) error {
	if !follower.IsLocal() {
		return ErrNotLocal
	}
	if exists, err := p.store.FollowExists(ctx, follower.ID, target.ID); err != nil || exists {
		return err
	}

	if target.IsLocal() {
		return p.store.InsertFollow(ctx, follower.ID, target.ID, time.Now())
	}

	if fr, err := p.store.FollowRequestByPair(ctx, follower.ID, target.ID); err != nil || fr != nil {
		return err
	}

	now := time.Now()
	fr := &db.FollowRequest{
		ID:         uuid.NewString(),
		URI:        p.cfg.BaseURL("/api/activities/" + uuid.NewString()),
		FollowerID: follower.ID,
		FolloweeID: target.ID,
		Incoming:   false,
		CreatedAt:  now,
	}
	activity := &ap.ActivityObject{
		Context: ap.DefaultContext,
		ID:      fr.URI,
		Type:    "Follow",
		Actor:   p.cfg.UserURI(follower.ID),
		Object:  target.URI,
		To:      []string{target.URI},
	}

	err := p.store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertFollowRequest(ctx, fr); err != nil {
			return err
		}
		return p.enqueue(ctx, tx, activity, []string{target.PreferredInbox()}, follower, "")
	})
	if err != nil {
		return fmt.Errorf("follow %s: %w", target.URI, err)
	}
	return nil
}

// Unfollow retracts a follow or a pending follow request, queuing an
// Undo(Follow) for remote targets.
func (p *Publisher) Unfollow(ctx context.Context, follower, target *db.User) error {
	if !follower.IsLocal() {
		return ErrNotLocal
	}

	followURI := ""
	fr, err := p.store.FollowRequestByPair(ctx, follower.ID, target.ID)
	if err != nil {
		return err
	}
	if fr != nil {
		followURI = fr.URI
	}

	inner := &ap.ActivityObject{
		ID:     followURI,
		Type:   "Follow",
		Actor:  p.cfg.UserURI(follower.ID),
		Object: target.URI,
	}
	activity := &ap.ActivityObject{
		Context: ap.DefaultContext,
		ID:      p.cfg.BaseURL("/api/activities/" + uuid.NewString()),
		Type:    "Undo",
		Actor:   p.cfg.UserURI(follower.ID),
		Object:  inner,
		To:      []string{target.URI},
	}

	return p.store.WithTx(ctx, func(tx *db.Tx) error {
		removedEdge, err := tx.DeleteFollow(ctx, follower.ID, target.ID)
		if err != nil {
			return err
		}
		removedReq := false
		if fr != nil {
			if removedReq, err = tx.DeleteFollowRequest(ctx, fr.ID); err != nil {
				return err
			}
		}
		if !removedEdge && !removedReq {
			return nil
		}
		if target.IsLocal() {
			return nil
		}
		return p.enqueue(ctx, tx, activity, []string{target.PreferredInbox()}, follower, "")
	})
}

// SendAccept queues an Accept of an incoming follow request. The
// pending request stays in place until the Accept lands; the queue's
// success hook then makes the edge effective in one transaction.
func (p *Publisher) SendAccept(ctx context.Context, followee, follower *db.User, fr *db.FollowRequest) error {
	activity := p.followResponse("Accept", followee, follower, fr)
	return p.enqueue(ctx, p.store, activity, []string{follower.PreferredInbox()},
		followee, "accept_follow:"+fr.ID)
}

// SendReject retires an incoming follow request and queues a Reject.
func (p *Publisher) SendReject(ctx context.Context, followee, follower *db.User, fr *db.FollowRequest) error {
	activity := p.followResponse("Reject", followee, follower, fr)
	return p.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.DeleteFollowRequest(ctx, fr.ID); err != nil {
			return err
		}
		return p.enqueue(ctx, tx, activity, []string{follower.PreferredInbox()}, followee, "")
	})
}

func (p *Publisher) followResponse(kind string, followee, follower *db.User, fr *db.FollowRequest) *ap.ActivityObject {
	followeeURI := p.cfg.UserURI(followee.ID)
	return &ap.ActivityObject{
		Context: ap.DefaultContext,
		ID:      p.cfg.BaseURL("/api/activities/" + uuid.NewString()),
		Type:    kind,
		Actor:   followeeURI,
		Object: &ap.ActivityObject{
			ID:     fr.URI,
			Type:   "Follow",
			Actor:  follower.URI,
			Object: followeeURI,
		},
		To: []string{follower.URI},
	}
}

// enqueue serializes an activity once and stores one job per inbox.
// The author's key material rides along so workers sign without a
// users table read.
func (p *Publisher) enqueue(ctx context.Context, q jobQueue, activity *ap.ActivityObject, inboxes []string, author *db.User, onSuccess string) error {
	if len(inboxes) == 0 {
		return nil
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity %s: %w", activity.ID, err)
	}
	now := time.Now()
	for _, inbox := range inboxes {
		job := &db.DeliveryJob{
			ID:            uuid.NewString(),
			Activity:      string(body),
			Inbox:         inbox,
			KeyID:         config.KeyURI(p.cfg.UserURI(author.ID)),
			PrivateKeyPEM: author.PrivateKeyPEM,
			OnSuccess:     onSuccess,
			NotBefore:     now,
			ExpiresAt:     now.Add(deliveryExpiry),
			CreatedAt:     now,
		}
		if err := q.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue to %s: %w", inbox, err)
		}
	}
	return nil
}

// addReplyTarget addresses the author of the post being replied to and
// adds their inbox to the plan. Replies reach the parent author at any
// visibility.
func addReplyTarget(aud *Audience, replyAuthor *db.User) {
	if replyAuthor == nil || replyAuthor.IsLocal() {
		return
	}
	if !containsURI(aud.To, replyAuthor.URI) && !containsURI(aud.Cc, replyAuthor.URI) {
		aud.To = append(aud.To, replyAuthor.URI)
	}
	inbox := replyAuthor.PreferredInbox()
	if inbox != "" && !containsURI(aud.Inboxes, inbox) {
		aud.Inboxes = append(aud.Inboxes, inbox)
	}
}

func (p *Publisher) actorURI(u *db.User) string {
	if u.IsLocal() {
		return p.cfg.UserURI(u.ID)
	}
	return u.URI
}

func (p *Publisher) canonicalPostURI(post *db.Post) string {
	if post.URI != "" {
		return post.URI
	}
	return p.cfg.PostURI(post.ID)
}

func (p *Publisher) repostTargetURI(ctx context.Context, repost *db.Post) string {
	if repost.RepostOfID == nil {
		return ""
	}
	target, err := p.store.PostByID(ctx, *repost.RepostOfID)
	if err != nil || target == nil {
		return ""
	}
	return p.canonicalPostURI(target)
}

// resolveMentions extracts @user@host handles and resolves them,
// dropping the ones that cannot be resolved.
func (p *Publisher) resolveMentions(ctx context.Context, content string) []*db.User {
	var users []*db.User
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		username, host := m[1], m[2]
		key := username + "@" + host
		if seen[key] {
			continue
		}
		seen[key] = true
		u, err := p.resolver.ResolveHandle(ctx, username, host, false)
		if err != nil {
			slog.Warn("mention did not resolve", "handle", key, "error", err)
			continue
		}
		users = append(users, u)
	}
	return users
}

func extractHashtags(content string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range hashtagRe.FindAllStringSubmatch(content, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func noteTags(cfg *config.Config, hashtags []string, mentioned []*db.User) []interface{} {
	var out []interface{}
	for _, tag := range hashtags {
		out = append(out, ap.TagHashtag{Type: "Hashtag", Name: "#" + tag})
	}
	for _, u := range mentioned {
		href := u.URI
		name := "@" + u.Username + "@" + u.Host
		if u.IsLocal() {
			href = cfg.UserURI(u.ID)
			name = "@" + u.Username
		}
		out = append(out, ap.TagMention{Type: "Mention", Href: href, Name: name})
	}
	return out
}

// renderContent turns plain text into minimal HTML for the wire.
func renderContent(content string) string {
	escaped := html.EscapeString(content)
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}
