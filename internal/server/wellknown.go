package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/florapub/florapub/internal/ap"
)

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	username, host := parts[0], parts[1]

	if host != s.cfg.Hostname {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	user, err := s.store.UserByHandle(r.Context(), username, "")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.NotFound(w, r)
		return
	}

	actorURL := s.cfg.UserURI(user.ID)
	resp := ap.WebFingerResponse{
		Subject: "acct:" + username + "@" + s.cfg.Hostname,
		Aliases: []string{actorURL},
		Links: []ap.WebFingerLink{
			{
				Rel:  "self",
				Type: activityJSONType,
				Href: actorURL,
			},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.BaseURL(""))
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := ap.NodeInfoDiscovery{
		Links: []ap.NodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: s.cfg.BaseURL("/nodeinfo/2.0"),
			},
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				Href: s.cfg.BaseURL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	users, err := s.store.CountLocalUsers(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	info := ap.NodeInfo{
		Version: v,
		Software: ap.NodeInfoSoftware{
			Name:    "florapub",
			Version: version,
		},
		Protocols: []string{"activitypub"},
		Services: ap.NodeInfoServices{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: s.cfg.AllowRegister,
		Usage: ap.NodeInfoUsage{
			Users: ap.NodeInfoUsers{Total: users},
		},
		Metadata: map[string]string{
			"nodeName":        s.cfg.InstanceName,
			"nodeDescription": s.cfg.InstanceDescription,
		},
	}
	if v == "2.1" {
		info.Software.Repository = "https://github.com/florapub/florapub"
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}
