package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mkarls/soloist/internal/ap"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

// handlePerson serves the local actor document.
func (s *Server) handlePerson(w http.ResponseWriter, r *http.Request) {
	setting, err := s.store.GetSetting()
	if err != nil {
		renderError(w, err)
		return
	}

	actorURL := s.urls.Actor()
	actor := &ap.Actor{
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: s.cfg.UserHandle,
		Inbox:             s.urls.Inbox(),
		Followers:         s.urls.Followers(),
		PublicKey: &ap.PublicKey{
			ID:           s.urls.KeyID(),
			Owner:        actorURL,
			PublicKeyPem: setting.UserPublicKey,
		},
		Endpoints: &ap.Endpoints{SharedInbox: s.urls.Inbox()},
	}
	if setting.UserName != nil {
		actor.Name = *setting.UserName
	}
	if setting.UserDescription != nil {
		actor.Summary = *setting.UserDescription
	}
	if img := s.fileURL(setting.AvatarFileID); img != nil {
		actor.Icon = img
	}
	if img := s.fileURL(setting.BannerFileID); img != nil {
		actor.Image = img
	}

	cacheHeaders(w, 300)
	apResponse(w, ap.WithContext(actor))
}

// fileURL resolves an optional local file reference to an AP Image.
func (s *Server) fileURL(id *uuid.UUID) *ap.Image {
	if id == nil {
		return nil
	}
	f, err := s.store.GetLocalFile(*id)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Error("load profile image", "error", err)
		}
		return nil
	}
	return &ap.Image{Type: "Image", URL: f.URL, MediaType: f.MediaType}
}

func (s *Server) handleFollowersCollection(w http.ResponseWriter, r *http.Request) {
	uris, err := s.store.FollowerURIs()
	if err != nil {
		renderError(w, err)
		return
	}
	if uris == nil {
		uris = []string{}
	}
	apResponse(w, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           s.urls.Followers(),
		Type:         "OrderedCollection",
		TotalItems:   len(uris),
		OrderedItems: uris,
	})
}

// servableNote loads a local post that may be shown to anonymous
// fetchers. Remote posts and restricted visibilities stay private.
func (s *Server) servableNote(r *http.Request) (*db.PostBundle, error) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetPost(id)
	if err != nil {
		return nil, err
	}
	if !b.Post.IsLocal() {
		return nil, db.ErrNotFound
	}
	switch b.Post.Visibility {
	case model.VisibilityPublic, model.VisibilityHome:
		return b, nil
	default:
		return nil, db.ErrNotFound
	}
}

// noteRefs resolves the uris a bundle serialization needs.
func (s *Server) noteRefs(b *db.PostBundle) ap.NoteRefs {
	refs := ap.NoteRefs{AuthorURI: s.urls.Actor()}
	if b.Post.ReplyID != nil {
		if parent, err := s.store.GetPost(*b.Post.ReplyID); err == nil {
			refs.ReplyURI = parent.Post.URI
		}
	}
	if b.Post.RepostID != nil {
		if target, err := s.store.GetPost(*b.Post.RepostID); err == nil {
			refs.QuoteURI = target.Post.URI
		}
	}
	return refs
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	b, err := s.servableNote(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	note := ap.NoteFromBundle(b, s.noteRefs(b), s.urls)
	apResponse(w, ap.WithContext(note))
}

// handleNoteActivity serves the Create wrapper some servers fetch when
// dereferencing an activity id.
func (s *Server) handleNoteActivity(w http.ResponseWriter, r *http.Request) {
	b, err := s.servableNote(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	note := ap.NoteFromBundle(b, s.noteRefs(b), s.urls)
	activity := &ap.Activity{
		ID:        s.urls.Activity(note.ID),
		Type:      "Create",
		Actor:     s.urls.Actor(),
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: note.Published,
	}
	apResponse(w, ap.WithContext(activity))
}

// handleUserRedirect bounces a local user reference to the canonical
// remote actor document.
func (s *Server) handleUserRedirect(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	u, err := s.store.GetUser(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, u.URI, http.StatusFound)
}
