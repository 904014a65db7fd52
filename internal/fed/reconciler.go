package fed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/db"
)

// Reconciler applies inbound federation state changes as single
// transactions, so a crash between statements never leaves a half
// applied activity.
type Reconciler struct {
	store *db.Store
}

func NewReconciler(store *db.Store) *Reconciler {
	return &Reconciler{store: store}
}

// StoreRemoteNote persists a fetched or delivered remote note with its
// hashtags and local mentions. Duplicate deliveries collapse onto the
// stored row.
func (r *Reconciler) StoreRemoteNote(ctx context.Context, note *ap.Note, author *db.User, replyToID *string, mentionIDs []string) (*db.Post, error) {
	createdAt := note.Published
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	content := note.Content
	post := &db.Post{
		ID:         uuid.NewString(),
		URI:        note.ID,
		AuthorID:   author.ID,
		Content:    &content,
		Visibility: InferVisibility(note.To, note.Cc, ""),
		ReplyToID:  replyToID,
		CreatedAt:  createdAt,
	}

	var stored *db.Post
	err := r.store.WithTx(ctx, func(tx *db.Tx) error {
		var txErr error
		stored, txErr = tx.InsertPost(ctx, post)
		if txErr != nil {
			return txErr
		}
		if stored.ID != post.ID {
			// Redelivery of a known note; tags are already in place.
			return nil
		}
		for _, tag := range note.Hashtags {
			if txErr := tx.InsertHashtag(ctx, stored.ID, tag); txErr != nil {
				return txErr
			}
		}
		for _, userID := range mentionIDs {
			if txErr := tx.InsertMention(ctx, stored.ID, userID); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store remote note %s: %w", note.ID, err)
	}
	return stored, nil
}

// StoreRemoteRepost persists an Announce as a pure repost keyed by the
// activity URI.
func (r *Reconciler) StoreRemoteRepost(ctx context.Context, announceURI string, author *db.User, target *db.Post, vis db.Visibility, at time.Time) (*db.Post, error) {
	if at.IsZero() {
		at = time.Now()
	}
	post := &db.Post{
		ID:         uuid.NewString(),
		URI:        announceURI,
		AuthorID:   author.ID,
		Visibility: vis,
		RepostOfID: &target.ID,
		CreatedAt:  at,
	}
	stored, err := r.store.InsertPost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("store repost %s: %w", announceURI, err)
	}
	return stored, nil
}

// AcceptFollowRequest turns a pending request into an effective follow
// edge and retires the request, atomically. A request that is already
// gone is a no-op, so the delivery hook that calls this is idempotent.
func (r *Reconciler) AcceptFollowRequest(ctx context.Context, requestID string) error {
	return r.store.WithTx(ctx, func(tx *db.Tx) error {
		fr, err := tx.FollowRequestByID(ctx, requestID)
		if err != nil {
			return err
		}
		if fr == nil {
			return nil
		}
		if err := tx.InsertFollow(ctx, fr.FollowerID, fr.FolloweeID, time.Now()); err != nil {
			return err
		}
		_, err = tx.DeleteFollowRequest(ctx, fr.ID)
		return err
	})
}

// ConfirmOutgoingFollow applies a remote Accept of a Follow this node
// sent. Returns false when no matching outgoing request is pending.
func (r *Reconciler) ConfirmOutgoingFollow(ctx context.Context, followURI string) (bool, error) {
	confirmed := false
	err := r.store.WithTx(ctx, func(tx *db.Tx) error {
		fr, err := tx.FollowRequestByURI(ctx, followURI)
		if err != nil {
			return err
		}
		if fr == nil || fr.Incoming {
			return nil
		}
		if err := tx.InsertFollow(ctx, fr.FollowerID, fr.FolloweeID, time.Now()); err != nil {
			return err
		}
		if _, err := tx.DeleteFollowRequest(ctx, fr.ID); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	return confirmed, err
}

// RetireFollow removes whatever state a Follow activity left behind:
// the pending request when one exists, otherwise the effective edge.
// Serves both Reject and Undo(Follow). Only state belonging to the
// given follower/followee pair is touched; a URI match for another
// pair is ignored. Returns false when neither existed.
func (r *Reconciler) RetireFollow(ctx context.Context, followURI, followerID, followeeID string) (bool, error) {
	removed := false
	err := r.store.WithTx(ctx, func(tx *db.Tx) error {
		if followURI != "" {
			fr, err := tx.FollowRequestByURI(ctx, followURI)
			if err != nil {
				return err
			}
			if fr != nil && fr.FollowerID == followerID && fr.FolloweeID == followeeID {
				removed, err = tx.DeleteFollowRequest(ctx, fr.ID)
				return err
			}
		}
		if fr, err := tx.FollowRequestByPair(ctx, followerID, followeeID); err != nil {
			return err
		} else if fr != nil {
			removed, err = tx.DeleteFollowRequest(ctx, fr.ID)
			return err
		}
		var err error
		removed, err = tx.DeleteFollow(ctx, followerID, followeeID)
		return err
	})
	return removed, err
}
