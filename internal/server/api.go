package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mkarls/soloist/internal/ap"
	"github.com/mkarls/soloist/internal/apperr"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
	"github.com/mkarls/soloist/internal/notify"
)

var (
	mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_.-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	hashtagPattern = regexp.MustCompile(`(?:^|\s)#(\w+)`)
	emojiPattern   = regexp.MustCompile(`:(\w+):`)
)

const maxUploadSize = 10 << 20

// ─── Posts ────────────────────────────────────────────────────────────────────

type createPostRequest struct {
	Text       string   `json:"text"`
	Title      *string  `json:"title"`
	Visibility string   `json:"visibility"`
	ReplyID    string   `json:"replyId"`
	RepostID   string   `json:"repostId"`
	FileIDs    []string `json:"fileIds"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	vis := model.Visibility(req.Visibility)
	if req.Visibility == "" {
		vis = model.VisibilityPublic
	}
	if !vis.Valid() {
		renderError(w, apperr.New(apperr.BadRequest, "unknown visibility "+req.Visibility))
		return
	}

	id := model.NewID()
	b := &db.PostBundle{Post: model.Post{
		ID:          id,
		CreatedAt:   time.Now(),
		Text:        req.Text,
		Title:       req.Title,
		Visibility:  vis,
		IsSensitive: req.Title != nil,
		URI:         s.urls.Note(id),
	}}

	if req.ReplyID != "" {
		replyID, err := s.localPostID(req.ReplyID)
		if err != nil {
			renderError(w, err)
			return
		}
		b.Post.ReplyID = &replyID
	}
	if req.RepostID != "" {
		repostID, err := s.localPostID(req.RepostID)
		if err != nil {
			renderError(w, err)
			return
		}
		b.Post.RepostID = &repostID
	}
	if req.Text == "" && b.Post.RepostID == nil {
		renderError(w, apperr.New(apperr.BadRequest, "post needs text or a repost target"))
		return
	}

	fileIDs, err := parseIDList(req.FileIDs)
	if err != nil {
		renderError(w, err)
		return
	}

	s.extractEntities(r, b)

	if err := s.store.CreateLocalPost(b, fileIDs); err != nil {
		renderError(w, err)
		return
	}
	if err := s.outbox.SendCreate(b, s.noteRefs(b)); err != nil {
		slog.Error("queue create", "post", model.IDString(b.Post.ID), "error", err)
	}
	s.bus.Publish(notify.ForPost(notify.CreatePost, b.Post.ID))
	jsonResponse(w, s.postJSON(b), http.StatusOK)
}

// extractEntities pulls mentions, hashtags and local custom emoji out
// of the post text. Mention resolution goes through WebFinger; handles
// that fail to resolve are dropped with a warning rather than failing
// the whole post.
func (s *Server) extractEntities(r *http.Request, b *db.PostBundle) {
	for _, m := range mentionPattern.FindAllStringSubmatch(b.Post.Text, -1) {
		handle := m[1] + "@" + m[2]
		uri, err := s.client.ResolveHandle(r.Context(), handle)
		if err != nil {
			slog.Warn("mention did not resolve", "handle", handle, "error", err)
			continue
		}
		u, err := s.client.GetOrFetchUser(r.Context(), uri)
		if err != nil {
			slog.Warn("mentioned actor fetch failed", "handle", handle, "error", err)
			continue
		}
		b.Mentions = append(b.Mentions, model.Mention{UserURI: u.URI, Name: "@" + handle})
	}

	seen := make(map[string]bool)
	for _, m := range hashtagPattern.FindAllStringSubmatch(b.Post.Text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			b.Hashtags = append(b.Hashtags, model.Hashtag{Name: m[1]})
		}
	}

	for _, m := range emojiPattern.FindAllStringSubmatch(b.Post.Text, -1) {
		e, err := s.store.GetEmojiByName(m[1])
		if err != nil {
			continue
		}
		b.Emojis = append(b.Emojis, model.PostEmoji{
			Name:      e.Emoji.Name,
			URI:       s.urls.Emoji(e.Emoji.ID),
			MediaType: e.MediaType,
			ImageURL:  e.ImageURL,
		})
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit := 40
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	posts, err := s.store.ListPosts(limit)
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(posts))
	for i := range posts {
		out = append(out, s.postJSON(&posts[i]))
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	b, err := s.store.GetPost(id)
	if err != nil {
		renderError(w, err)
		return
	}
	body := s.postJSON(b)

	reactions, err := s.store.ListReactionsForPost(id)
	if err != nil {
		renderError(w, err)
		return
	}
	rs := make([]map[string]any, 0, len(reactions))
	for _, re := range reactions {
		entry := map[string]any{
			"id":        model.IDString(re.ID),
			"createdAt": re.CreatedAt.UTC().Format(time.RFC3339),
			"content":   re.Content,
		}
		if re.UserID != nil {
			entry["userId"] = model.IDString(*re.UserID)
		}
		if re.EmojiImageURL != nil {
			entry["emojiImageUrl"] = *re.EmojiImageURL
		}
		rs = append(rs, entry)
	}
	body["reactions"] = rs
	jsonResponse(w, body, http.StatusOK)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	b, err := s.store.GetPost(id)
	if err != nil {
		renderError(w, err)
		return
	}
	if !b.Post.IsLocal() {
		renderError(w, apperr.New(apperr.BadRequest, "cannot delete a remote post"))
		return
	}
	if _, err := s.store.DeletePost(id); err != nil {
		renderError(w, err)
		return
	}
	if err := s.outbox.SendDelete(b.Post.URI); err != nil {
		slog.Error("queue delete", "post", model.IDString(id), "error", err)
	}
	s.bus.Publish(notify.ForPost(notify.DeletePost, id))
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ─── Reactions ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateReaction(w http.ResponseWriter, r *http.Request) {
	postID, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	var req struct {
		Content   string `json:"content"`
		EmojiName string `json:"emojiName"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	b, err := s.store.GetPost(postID)
	if err != nil {
		renderError(w, err)
		return
	}

	reaction := &model.Reaction{PostID: postID, Content: req.Content}
	if reaction.Content == "" {
		reaction.Content = "👍"
	}
	if req.EmojiName != "" {
		e, err := s.store.GetEmojiByName(req.EmojiName)
		if err != nil {
			renderError(w, apperr.Wrap(apperr.BadRequest, "unknown emoji "+req.EmojiName, err))
			return
		}
		uri := s.urls.Emoji(e.Emoji.ID)
		reaction.Content = ":" + e.Emoji.Name + ":"
		reaction.EmojiURI = &uri
		reaction.EmojiImageURL = &e.ImageURL
		reaction.EmojiMediaType = &e.MediaType
	}

	if err := s.store.CreateLocalReaction(reaction); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			renderError(w, apperr.New(apperr.Conflict, "already reacted to this post"))
			return
		}
		renderError(w, err)
		return
	}

	if b.Post.UserID != nil {
		author, err := s.store.GetUser(*b.Post.UserID)
		if err == nil {
			if err := s.outbox.SendLike(reaction, b.Post.URI, author); err != nil {
				slog.Error("queue like", "post", model.IDString(postID), "error", err)
			}
		}
	}
	s.bus.Publish(notify.ForPost(notify.CreateReaction, postID))
	jsonResponse(w, map[string]string{
		"id":      model.IDString(reaction.ID),
		"content": reaction.Content,
	}, http.StatusOK)
}

func (s *Server) handleDeleteReaction(w http.ResponseWriter, r *http.Request) {
	postID, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	reaction, deleted, err := s.store.DeleteLocalReaction(postID)
	if err != nil {
		renderError(w, err)
		return
	}
	if !deleted {
		renderError(w, apperr.New(apperr.NotFound, "no reaction on this post"))
		return
	}

	if b, err := s.store.GetPost(postID); err == nil && b.Post.UserID != nil {
		if author, err := s.store.GetUser(*b.Post.UserID); err == nil {
			if err := s.outbox.SendUndoLike(reaction, b.Post.URI, author); err != nil {
				slog.Error("queue undo like", "post", model.IDString(postID), "error", err)
			}
		}
	}
	s.bus.Publish(notify.ForPost(notify.DeleteReaction, postID))
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ─── Follows ──────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFollow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToID   string `json:"toId"`
		Handle string `json:"handle"`
		URI    string `json:"uri"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	var target *model.User
	if req.ToID != "" {
		id, err := model.ParseID(req.ToID)
		if err != nil {
			renderError(w, apperr.New(apperr.BadRequest, "invalid user id"))
			return
		}
		target, err = s.store.GetUser(id)
		if err != nil {
			renderError(w, err)
			return
		}
	} else {
		uri := req.URI
		if uri == "" {
			if req.Handle == "" {
				renderError(w, apperr.New(apperr.BadRequest, "toId, handle or uri required"))
				return
			}
			resolved, err := s.client.ResolveHandle(r.Context(), req.Handle)
			if err != nil {
				renderError(w, apperr.Wrap(apperr.BadRequest, "could not resolve "+req.Handle, err))
				return
			}
			uri = resolved
		}
		var err error
		target, err = s.client.GetOrFetchUser(r.Context(), uri)
		if err != nil {
			renderError(w, apperr.Wrap(apperr.BadRequest, "could not fetch actor", err))
			return
		}
	}

	f, err := s.store.CreateFollow(target.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			renderError(w, apperr.New(apperr.Conflict, "already following "+target.Acct()))
			return
		}
		renderError(w, err)
		return
	}
	if err := s.outbox.SendFollow(f, target); err != nil {
		slog.Error("queue follow", "target", target.Acct(), "error", err)
	}
	jsonResponse(w, map[string]any{
		"id":       model.IDString(f.ID),
		"accepted": f.Accepted,
		"user":     userJSON(target),
	}, http.StatusOK)
}

func (s *Server) handleDeleteFollow(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	entry, deleted, err := s.store.DeleteFollow(id)
	if err != nil {
		renderError(w, err)
		return
	}
	if !deleted {
		renderError(w, apperr.New(apperr.NotFound, "no such follow"))
		return
	}
	if err := s.outbox.SendUndoFollow(&entry.Follow, &entry.User); err != nil {
		slog.Error("queue undo follow", "target", entry.User.Acct(), "error", err)
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	follows, err := s.store.ListFollows()
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(follows))
	for i := range follows {
		e := &follows[i]
		out = append(out, map[string]any{
			"id":        model.IDString(e.Follow.ID),
			"createdAt": e.Follow.CreatedAt.UTC().Format(time.RFC3339),
			"accepted":  e.Follow.Accepted,
			"user":      userJSON(&e.User),
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleListFollowers(w http.ResponseWriter, r *http.Request) {
	followers, err := s.store.ListFollowers()
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(followers))
	for i := range followers {
		e := &followers[i]
		out = append(out, map[string]any{
			"id":        model.IDString(e.Follower.ID),
			"createdAt": e.Follower.CreatedAt.UTC().Format(time.RFC3339),
			"user":      userJSON(&e.User),
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

// ─── Files and emoji ──────────────────────────────────────────────────────────

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		renderError(w, apperr.Wrap(apperr.BadRequest, "malformed upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, apperr.Wrap(apperr.BadRequest, "missing file field", err))
		return
	}
	defer file.Close()

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	id := model.NewID()
	key := model.IDString(id) + strings.ToLower(filepath.Ext(header.Filename))
	url, err := s.files.Put(r.Context(), key, io.LimitReader(file, maxUploadSize), mediaType)
	if err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "store upload", err))
		return
	}

	f := &model.LocalFile{
		ID:              id,
		ObjectStoreKey:  key,
		ObjectStoreType: s.cfg.ObjectStore,
		MediaType:       mediaType,
		URL:             url,
	}
	if err := s.store.CreateLocalFile(f); err != nil {
		renderError(w, err)
		return
	}
	jsonResponse(w, fileJSON(f), http.StatusOK)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListLocalFiles(100)
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(files))
	for i := range files {
		out = append(out, fileJSON(&files[i]))
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed id"))
		return
	}
	f, deleted, err := s.store.DeleteLocalFile(id)
	if err != nil {
		renderError(w, err)
		return
	}
	if !deleted {
		renderError(w, apperr.New(apperr.NotFound, "no such file"))
		return
	}
	if err := s.files.Delete(r.Context(), f.ObjectStoreKey); err != nil {
		slog.Warn("object store delete failed", "key", f.ObjectStoreKey, "error", err)
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleCreateEmoji(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		FileID string `json:"fileId"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	if req.Name == "" || req.FileID == "" {
		renderError(w, apperr.New(apperr.BadRequest, "name and fileId required"))
		return
	}
	fileID, err := model.ParseID(req.FileID)
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed fileId"))
		return
	}

	e, err := s.store.CreateEmoji(req.Name, fileID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrDuplicate):
			renderError(w, apperr.New(apperr.Conflict, "emoji "+req.Name+" already exists"))
		case errors.Is(err, db.ErrNotFound):
			renderError(w, apperr.New(apperr.BadRequest, "file missing or already attached"))
		default:
			renderError(w, err)
		}
		return
	}
	jsonResponse(w, map[string]string{
		"id":   model.IDString(e.ID),
		"name": e.Name,
	}, http.StatusOK)
}

func (s *Server) handleListEmojis(w http.ResponseWriter, r *http.Request) {
	emojis, err := s.store.ListEmojis()
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(emojis))
	for _, e := range emojis {
		out = append(out, map[string]any{
			"id":        model.IDString(e.Emoji.ID),
			"name":      e.Emoji.Name,
			"imageUrl":  e.ImageURL,
			"mediaType": e.MediaType,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

// ─── Reports ──────────────────────────────────────────────────────────────────

// handleCreateReport files a Flag against a remote actor at their
// server. Inbound reports arrive through the inbox instead.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"userId"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}
	id, err := model.ParseID(req.UserID)
	if err != nil {
		renderError(w, apperr.New(apperr.BadRequest, "malformed userId"))
		return
	}
	target, err := s.store.GetUser(id)
	if err != nil {
		renderError(w, err)
		return
	}
	if err := s.outbox.SendFlag(req.Content, target); err != nil {
		renderError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports()
	if err != nil {
		renderError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(reports))
	for _, e := range reports {
		out = append(out, map[string]any{
			"id":        model.IDString(e.Report.ID),
			"createdAt": e.Report.CreatedAt.UTC().Format(time.RFC3339),
			"from":      e.Acct,
			"content":   e.Report.Content,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

// ─── Settings ─────────────────────────────────────────────────────────────────

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := s.store.GetSetting()
	if err != nil {
		renderError(w, err)
		return
	}
	jsonResponse(w, settingJSON(setting), http.StatusOK)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceName        *string `json:"instanceName"`
		InstanceDescription *string `json:"instanceDescription"`
		UserName            *string `json:"userName"`
		UserDescription     *string `json:"userDescription"`
		AvatarFileID        *string `json:"avatarFileId"`
		BannerFileID        *string `json:"bannerFileId"`
		MaintainerName      *string `json:"maintainerName"`
		MaintainerEmail     *string `json:"maintainerEmail"`
		ThemeColor          *string `json:"themeColor"`
	}
	if err := decodeBody(r, &req); err != nil {
		renderError(w, err)
		return
	}

	setting, err := s.store.GetSetting()
	if err != nil {
		renderError(w, err)
		return
	}
	setting.InstanceName = req.InstanceName
	setting.InstanceDescription = req.InstanceDescription
	setting.UserName = req.UserName
	setting.UserDescription = req.UserDescription
	setting.MaintainerName = req.MaintainerName
	setting.MaintainerEmail = req.MaintainerEmail
	setting.ThemeColor = req.ThemeColor

	setting.AvatarFileID, err = parseOptionalID(req.AvatarFileID)
	if err != nil {
		renderError(w, err)
		return
	}
	setting.BannerFileID, err = parseOptionalID(req.BannerFileID)
	if err != nil {
		renderError(w, err)
		return
	}

	if err := s.store.UpdateSetting(setting); err != nil {
		renderError(w, err)
		return
	}

	// Broadcast the refreshed profile so followers' caches update.
	actor := s.actorDocument(setting)
	if err := s.outbox.SendUpdatePerson(actor); err != nil {
		slog.Error("queue update person", "error", err)
	}
	jsonResponse(w, settingJSON(setting), http.StatusOK)
}

// actorDocument builds the local actor in its outbound form.
func (s *Server) actorDocument(setting *model.Setting) *ap.Actor {
	actor := &ap.Actor{
		ID:                s.urls.Actor(),
		Type:              "Person",
		PreferredUsername: s.cfg.UserHandle,
		Inbox:             s.urls.Inbox(),
		Followers:         s.urls.Followers(),
		PublicKey: &ap.PublicKey{
			ID:           s.urls.KeyID(),
			Owner:        s.urls.Actor(),
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
	return actor
}

// ─── JSON shapes ──────────────────────────────────────────────────────────────

func (s *Server) postJSON(b *db.PostBundle) map[string]any {
	p := &b.Post
	body := map[string]any{
		"id":         model.IDString(p.ID),
		"createdAt":  p.CreatedAt.UTC().Format(time.RFC3339),
		"text":       p.Text,
		"visibility": p.Visibility,
		"sensitive":  p.IsSensitive,
		"uri":        p.URI,
		"local":      p.IsLocal(),
	}
	if p.UserID != nil {
		body["userId"] = model.IDString(*p.UserID)
	}
	if p.ReplyID != nil {
		body["replyId"] = model.IDString(*p.ReplyID)
	}
	if p.RepostID != nil {
		body["repostId"] = model.IDString(*p.RepostID)
	}
	if p.Title != nil {
		body["title"] = *p.Title
	}

	files := make([]map[string]any, 0, len(b.RemoteFiles)+len(b.LocalFiles))
	for _, f := range b.RemoteFiles {
		files = append(files, map[string]any{"url": f.URL, "mediaType": f.MediaType})
	}
	for i := range b.LocalFiles {
		files = append(files, fileJSON(&b.LocalFiles[i]))
	}
	body["files"] = files

	mentions := make([]map[string]any, 0, len(b.Mentions))
	for _, m := range b.Mentions {
		mentions = append(mentions, map[string]any{"uri": m.UserURI, "name": m.Name})
	}
	body["mentions"] = mentions

	hashtags := make([]string, 0, len(b.Hashtags))
	for _, h := range b.Hashtags {
		hashtags = append(hashtags, h.Name)
	}
	body["hashtags"] = hashtags
	return body
}

func userJSON(u *model.User) map[string]any {
	body := map[string]any{
		"id":     model.IDString(u.ID),
		"handle": u.Handle,
		"host":   u.Host,
		"acct":   u.Acct(),
		"uri":    u.URI,
		"bot":    u.IsBot,
	}
	if u.Name != nil {
		body["name"] = *u.Name
	}
	if u.AvatarURL != nil {
		body["avatarUrl"] = *u.AvatarURL
	}
	if u.Description != nil {
		body["description"] = *u.Description
	}
	return body
}

func fileJSON(f *model.LocalFile) map[string]any {
	return map[string]any{
		"id":        model.IDString(f.ID),
		"url":       f.URL,
		"mediaType": f.MediaType,
	}
}

func settingJSON(st *model.Setting) map[string]any {
	body := map[string]any{}
	put := func(key string, v *string) {
		if v != nil {
			body[key] = *v
		}
	}
	put("instanceName", st.InstanceName)
	put("instanceDescription", st.InstanceDescription)
	put("userName", st.UserName)
	put("userDescription", st.UserDescription)
	put("maintainerName", st.MaintainerName)
	put("maintainerEmail", st.MaintainerEmail)
	put("themeColor", st.ThemeColor)
	if st.AvatarFileID != nil {
		body["avatarFileId"] = model.IDString(*st.AvatarFileID)
	}
	if st.BannerFileID != nil {
		body["bannerFileId"] = model.IDString(*st.BannerFileID)
	}
	return body
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// localPostID resolves a ULID route/body reference to an existing post.
func (s *Server) localPostID(raw string) (uuid.UUID, error) {
	id, err := model.ParseID(raw)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.BadRequest, "malformed post id "+raw)
	}
	if _, err := s.store.GetPost(id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func parseIDList(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := model.ParseID(r)
		if err != nil {
			return nil, apperr.New(apperr.BadRequest, "malformed file id "+r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOptionalID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := model.ParseID(*raw)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "malformed file id "+*raw)
	}
	return &id, nil
}
