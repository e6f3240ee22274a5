package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mkarls/soloist/internal/ap"
)

// handleWebFinger resolves acct: lookups. Only the single local account
// exists; everything else is 404.
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
	if parts[0] != s.cfg.UserHandle || !strings.EqualFold(parts[1], s.cfg.Domain) {
		http.NotFound(w, r)
		return
	}

	actorURL := s.urls.Actor()
	resp := ap.WebFingerResponse{
		Subject: "acct:" + s.cfg.UserHandle + "@" + s.cfg.Domain,
		Aliases: []string{actorURL},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURL},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="https://%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.Domain)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.cfg.BaseURL("/nodeinfo/2.0"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "version") != "2.0" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	localPosts, err := s.store.CountLocalPosts()
	if err != nil {
		slog.Error("count local posts", "error", err)
	}

	info := ap.NodeInfo{
		Version: "2.0",
		Software: ap.NodeInfoSoftware{
			Name:    "soloist",
			Version: version,
		},
		Protocols: []string{"activitypub"},
		Usage: ap.NodeInfoUsage{
			Users:      ap.NodeInfoUsers{Total: 1},
			LocalPosts: localPosts,
		},
		OpenRegistrations: false,
	}

	setting, err := s.store.GetSetting()
	if err == nil {
		if setting.InstanceName != nil {
			info.Metadata.NodeName = *setting.InstanceName
		}
		if setting.InstanceDescription != nil {
			info.Metadata.NodeDescription = *setting.InstanceDescription
		}
		if setting.ThemeColor != nil {
			info.Metadata.ThemeColor = *setting.ThemeColor
		}
		if setting.MaintainerName != nil {
			info.Metadata.Maintainer.Name = *setting.MaintainerName
		}
		if setting.MaintainerEmail != nil {
			info.Metadata.Maintainer.Email = *setting.MaintainerEmail
		}
	}

	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}
