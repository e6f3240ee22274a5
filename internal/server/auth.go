package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mkarls/soloist/internal/apperr"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

const accessKeyCookie = "ACCESS_KEY"

// handleLogin checks the instance password and issues an access key,
// set as a cookie and returned in the body for non-browser clients.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		KeyName  string `json:"keyName"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if s.cfg.UserPasswordBcrypt == "" {
		renderError(w, apperr.New(apperr.Unauthorized, "no password configured"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.UserPasswordBcrypt), []byte(req.Password)); err != nil {
		renderError(w, apperr.New(apperr.Unauthorized, "wrong password"))
		return
	}

	name := req.KeyName
	if name == "" {
		name = r.UserAgent()
	}
	key, err := s.store.CreateAccessKey(name)
	if err != nil {
		renderError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     accessKeyCookie,
		Value:    model.IDString(key.ID),
		Path:     "/",
		Expires:  time.Now().Add(365 * 24 * time.Hour),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{
		"id":   model.IDString(key.ID),
		"name": key.Name,
	}, http.StatusOK)
}

// requireAccessKey gates the admin API on a valid access-key cookie.
// Each hit refreshes the key's last-used timestamp.
func (s *Server) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(accessKeyCookie)
		if err != nil {
			renderError(w, apperr.New(apperr.Unauthorized, "missing access key"))
			return
		}
		id, err := model.ParseID(c.Value)
		if err != nil {
			renderError(w, apperr.New(apperr.Unauthorized, "malformed access key"))
			return
		}
		if err := s.store.TouchAccessKey(id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				renderError(w, apperr.New(apperr.Unauthorized, "access key revoked"))
				return
			}
			renderError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListAccessKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAccessKeys()
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		entry := map[string]any{
			"id":        model.IDString(k.ID),
			"createdAt": k.CreatedAt.UTC().Format(time.RFC3339),
			"name":      k.Name,
		}
		if k.LastUsedAt != nil {
			entry["lastUsedAt"] = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleDeleteAccessKey(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	deleted, err := s.store.DeleteAccessKey(id)
	if err != nil {
		renderError(w, err)
		return
	}
	if !deleted {
		renderError(w, apperr.New(apperr.NotFound, "no such access key"))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}
