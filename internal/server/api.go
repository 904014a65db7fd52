package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/florapub/florapub/internal/db"
	"github.com/florapub/florapub/internal/fed"
)

type ctxKey int

const ctxUser ctxKey = iota

// bearerAuth resolves the Authorization bearer token to a local user.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, found, err := s.store.UserIDByToken(r.Context(), token)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		user, err := s.store.UserByID(r.Context(), userID)
		if err != nil || user == nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
	})
}

func currentUser(r *http.Request) *db.User {
	u, _ := r.Context().Value(ctxUser).(*db.User)
	return u
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowRegister {
		http.Error(w, "registration is closed", http.StatusForbidden)
		return
	}
	var req struct {
		Username string `json:"username"`
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validUsername(req.Username) {
		http.Error(w, "invalid username", http.StatusBadRequest)
		return
	}

	user, err := s.engine.CreateLocalUser(r.Context(), req.Username, req.Nickname)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	token := uuid.NewString()
	if err := s.store.InsertUserToken(r.Context(), uuid.NewString(), user.ID, token, time.Now()); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"user_id": user.ID, "token": token}, http.StatusCreated)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string `json:"content"`
		Visibility string `json:"visibility"`
		ReplyToURI string `json:"reply_to_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "missing content", http.StatusBadRequest)
		return
	}
	vis := db.Visibility(req.Visibility)
	if req.Visibility == "" {
		vis = db.VisibilityPublic
	}
	switch vis {
	case db.VisibilityPublic, db.VisibilityUnlisted, db.VisibilityFollower, db.VisibilityPrivate:
	default:
		http.Error(w, "invalid visibility", http.StatusBadRequest)
		return
	}

	post, err := s.engine.Publisher.CreateNote(r.Context(), currentUser(r), fed.NoteDraft{
		Content:    req.Content,
		Visibility: vis,
		ReplyToURI: req.ReplyToURI,
	})
	if err != nil {
		s.apiError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": post.ID, "uri": s.cfg.PostURI(post.ID)}, http.StatusCreated)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Publisher.DeleteNote(r.Context(), currentUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRepost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		http.Error(w, "missing uri", http.StatusBadRequest)
		return
	}
	post, err := s.engine.Publisher.Repost(r.Context(), currentUser(r), req.URI)
	if err != nil {
		s.apiError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": post.ID}, http.StatusCreated)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	target, ok := s.followTarget(w, r)
	if !ok {
		return
	}
	if err := s.engine.Publisher.Follow(r.Context(), currentUser(r), target); err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	target, ok := s.followTarget(w, r)
	if !ok {
		return
	}
	if err := s.engine.Publisher.Unfollow(r.Context(), currentUser(r), target); err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// followTarget resolves the "handle" (user@host) or "uri" of a follow
// request body to a user.
func (s *Server) followTarget(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	var req struct {
		Handle string `json:"handle"`
		URI    string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Handle == "" && req.URI == "") {
		http.Error(w, "missing handle or uri", http.StatusBadRequest)
		return nil, false
	}

	var target *db.User
	var err error
	if req.URI != "" {
		target, err = s.engine.Resolver.ResolveActor(r.Context(), req.URI, false)
	} else {
		handle := strings.TrimPrefix(req.Handle, "@")
		username, host, _ := strings.Cut(handle, "@")
		target, err = s.engine.Resolver.ResolveHandle(r.Context(), username, host, false)
	}
	if err != nil {
		s.apiError(w, err)
		return nil, false
	}
	return target, true
}

func (s *Server) apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fed.ErrRemoteObjectNotFound), errors.Is(err, fed.ErrResolveDepth):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, fed.ErrRemoteDown):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, fed.ErrMalformedRemoteResponse), errors.Is(err, fed.ErrRepostVisibility):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func validUsername(s string) bool {
	if len(s) < 1 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
