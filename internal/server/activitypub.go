package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/florapub/florapub/internal/ap"
	"github.com/florapub/florapub/internal/config"
	"github.com/florapub/florapub/internal/db"
)

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	user, ok := s.localUser(w, r)
	if !ok {
		return
	}
	apResponse(w, s.actorDoc(user))
}

func (s *Server) actorDoc(user *db.User) *ap.Actor {
	uri := s.cfg.UserURI(user.ID)
	return &ap.Actor{
		Context:           ap.DefaultContext,
		ID:                uri,
		Type:              "Person",
		Name:              user.Nickname,
		PreferredUsername: user.Username,
		Summary:           user.Bio,
		Inbox:             s.cfg.InboxURI(user.ID),
		Outbox:            s.cfg.OutboxURI(user.ID),
		Followers:         s.cfg.FollowersURI(user.ID),
		Following:         s.cfg.FollowingURI(user.ID),
		URL:               uri,
		Endpoints:         &ap.Endpoints{SharedInbox: s.cfg.SharedInboxURI()},
		PublicKey: &ap.PublicKey{
			ID:           config.KeyURI(uri),
			Owner:        uri,
			PublicKeyPem: user.PublicKeyPEM,
		},
	}
}

// handleInstanceActor serves the service actor that signs this node's
// resolver fetches.
func (s *Server) handleInstanceActor(w http.ResponseWriter, r *http.Request) {
	uri := s.cfg.InstanceActorURI()
	apResponse(w, &ap.Actor{
		Context:           ap.DefaultContext,
		ID:                uri,
		Type:              "Application",
		PreferredUsername: s.cfg.Hostname,
		Inbox:             s.cfg.SharedInboxURI(),
		Endpoints:         &ap.Endpoints{SharedInbox: s.cfg.SharedInboxURI()},
		PublicKey: &ap.PublicKey{
			ID:           config.KeyURI(uri),
			Owner:        uri,
			PublicKeyPem: s.engine.InstanceKey.PublicPEM,
		},
	})
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.PostByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if post == nil || post.URI != "" {
		http.NotFound(w, r)
		return
	}
	if post.DeletedAt != nil {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	// Non-addressable posts are not served to the world; followers get
	// them by delivery only.
	if post.Visibility == db.VisibilityFollower || post.Visibility == db.VisibilityPrivate {
		http.NotFound(w, r)
		return
	}
	apResponse(w, s.noteDoc(post))
}

func (s *Server) noteDoc(post *db.Post) *ap.NoteObject {
	content := ""
	if post.Content != nil {
		content = *post.Content
	}
	note := &ap.NoteObject{
		Context:      ap.DefaultContext,
		ID:           s.cfg.PostURI(post.ID),
		Type:         "Note",
		AttributedTo: s.cfg.UserURI(post.AuthorID),
		Content:      content,
		Published:    post.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch post.Visibility {
	case db.VisibilityPublic:
		note.To = []string{ap.PublicURI}
		note.CC = []string{s.cfg.FollowersURI(post.AuthorID)}
	case db.VisibilityUnlisted:
		note.To = []string{s.cfg.FollowersURI(post.AuthorID)}
		note.CC = []string{ap.PublicURI}
	}
	return note
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	user, ok := s.localUser(w, r)
	if !ok {
		return
	}
	users, err := s.store.Followers(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	apResponse(w, s.userCollection(s.cfg.FollowersURI(user.ID), users))
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	user, ok := s.localUser(w, r)
	if !ok {
		return
	}
	users, err := s.store.Following(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	apResponse(w, s.userCollection(s.cfg.FollowingURI(user.ID), users))
}

func (s *Server) userCollection(id string, users []*db.User) *ap.OrderedCollection {
	items := make([]interface{}, 0, len(users))
	for _, u := range users {
		uri := u.URI
		if u.IsLocal() {
			uri = s.cfg.UserURI(u.ID)
		}
		items = append(items, uri)
	}
	return &ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}
}

// handleOutbox serves the author's recent public notes as Create
// activities.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	user, ok := s.localUser(w, r)
	if !ok {
		return
	}
	posts, err := s.store.PostsByAuthor(r.Context(), user.ID, 20)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actorURI := s.cfg.UserURI(user.ID)
	var items []interface{}
	for _, p := range posts {
		if p.Visibility != db.VisibilityPublic || p.IsPureRepost() {
			continue
		}
		note := s.noteDoc(p)
		note.Context = nil
		items = append(items, &ap.ActivityObject{
			ID:        note.ID + "/activity",
			Type:      "Create",
			Actor:     actorURI,
			Object:    note,
			To:        note.To,
			CC:        note.CC,
			Published: note.Published,
		})
	}
	if items == nil {
		items = []interface{}{}
	}
	apResponse(w, &ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           s.cfg.OutboxURI(user.ID),
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

// handleInbox serves both the per-user inboxes and the shared inbox;
// chi leaves {id} empty for the latter.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	select {
	case s.inboxSem <- struct{}{}:
		defer func() { <-s.inboxSem }()
	default:
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if ierr := s.engine.Dispatcher.HandleInbox(r.Context(), r, body, chi.URLParam(r, "id")); ierr != nil {
		http.Error(w, ierr.Msg, ierr.Status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// localUser loads the local user addressed by the {id} URL parameter,
// answering 404 itself when there is none.
func (s *Server) localUser(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	user, err := s.store.UserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if user == nil || !user.IsLocal() {
		http.NotFound(w, r)
		return nil, false
	}
	return user, true
}
