package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/apperr"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
	"github.com/mkarls/soloist/internal/notify"
)

// maxDereferenceDepth caps reply/quote chain resolution so hostile
// cycles cannot recurse forever.
const maxDereferenceDepth = 16

// Inbox applies verified inbound activities: domain checks, lazy
// dereference of referenced objects, idempotent upserts keyed by uri,
// and post-commit notifications. Every handler tolerates replays.
type Inbox struct {
	store  *db.Store
	client *Client
	outbox *Outbox
	bus    *notify.Bus
	urls   URLs
}

// NewInbox wires the inbox engine.
func NewInbox(store *db.Store, client *Client, outbox *Outbox, bus *notify.Bus, urls URLs) *Inbox {
	return &Inbox{store: store, client: client, outbox: outbox, bus: bus, urls: urls}
}

// HandleActivity parses and applies one inbound activity. signer is the
// actor uri recovered from the HTTP signature; the envelope's actor
// must match it.
func (in *Inbox) HandleActivity(ctx context.Context, body []byte, signer string) error {
	var a IncomingActivity
	if err := json.Unmarshal(body, &a); err != nil {
		return apperr.Wrap(apperr.BadRequest, "malformed activity", err)
	}
	if a.Type == "" || a.Actor == "" || a.ID == "" {
		return apperr.New(apperr.BadRequest, "activity missing type, id or actor")
	}
	if signer != "" && a.Actor != signer {
		return apperr.New(apperr.BadRequest, "activity actor does not match signature")
	}

	switch a.Type {
	case "Create":
		return in.handleCreate(ctx, &a)
	case "Announce":
		return in.handleAnnounce(ctx, &a)
	case "Follow":
		return in.handleFollow(ctx, &a)
	case "Accept":
		return in.handleAccept(ctx, &a)
	case "Reject":
		return in.handleReject(ctx, &a)
	case "Undo":
		return in.handleUndo(ctx, &a)
	case "Delete":
		return in.handleDelete(ctx, &a)
	case "Like", "EmojiReact":
		return in.handleLike(ctx, &a)
	case "Flag":
		return in.handleFlag(ctx, &a)
	case "Update":
		return in.handleUpdate(ctx, &a)
	default:
		slog.Warn("unhandled activity type", "type", a.Type, "id", a.ID, "actor", a.Actor)
		return apperr.New(apperr.NotImplemented, "unsupported activity type "+a.Type)
	}
}

// noteFromRaw materializes a Note from an activity object that is
// either embedded or a bare reference.
func (in *Inbox) noteFromRaw(ctx context.Context, raw json.RawMessage) (*Note, error) {
	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		obj, err := in.client.FetchObject(ctx, ref)
		if err != nil {
			return nil, err
		}
		raw, err = json.Marshal(obj)
		if err != nil {
			return nil, err
		}
	}
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "malformed note object", err)
	}
	return &note, nil
}

func (in *Inbox) handleCreate(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.ID, a.Actor) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	note, err := in.noteFromRaw(ctx, a.Object)
	if err != nil {
		return err
	}
	if !SameHost(a.Actor, note.ID) {
		return apperr.New(apperr.BadRequest, "note and actor hosts differ")
	}
	if note.AttributedTo == "" {
		note.AttributedTo = a.Actor
	}

	b, err := in.ingestNote(ctx, note, maxDereferenceDepth)
	if err != nil {
		return err
	}

	in.bus.Publish(notify.ForPost(notify.CreatePost, b.Post.ID))
	for _, m := range b.Mentions {
		if m.UserURI == in.urls.Actor() {
			in.bus.Publish(notify.ForPost(notify.Mentioned, b.Post.ID))
			break
		}
	}
	if b.Post.IsQuote() && in.quotesLocalPost(note.QuoteURL) {
		in.bus.Publish(notify.ForPost(notify.Quoted, b.Post.ID))
	}
	return nil
}

func (in *Inbox) quotesLocalPost(quoteURL string) bool {
	kind, _, ok := in.urls.Parse(quoteURL)
	return ok && kind == "note"
}

// ingestNote parses a remote note and upserts it with all associations,
// recursively resolving reply and quote targets.
func (in *Inbox) ingestNote(ctx context.Context, note *Note, depth int) (*db.PostBundle, error) {
	parsed, err := ParseNote(note)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "parse note", err)
	}

	author, err := in.client.GetOrFetchUser(ctx, parsed.AttributedTo)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "resolve author", err)
	}

	p := model.Post{
		CreatedAt:       parsed.Published,
		UserID:          &author.ID,
		Text:            parsed.Text,
		Title:           parsed.Title,
		Visibility:      parsed.Visibility,
		IsSensitive:     parsed.Sensitive,
		URI:             parsed.URI,
		SourceContent:   parsed.SourceText,
		SourceMediaType: parsed.SourceType,
	}

	if parsed.InReplyTo != "" {
		replyID, err := in.resolvePostRef(ctx, parsed.InReplyTo, depth)
		if err != nil {
			return nil, err
		}
		p.ReplyID = &replyID
	}
	if parsed.QuoteURL != "" {
		quoteID, err := in.resolvePostRef(ctx, parsed.QuoteURL, depth)
		if err != nil {
			return nil, err
		}
		p.RepostID = &quoteID
	}

	b := &db.PostBundle{
		Post:        p,
		RemoteFiles: parsed.Attachments,
		Mentions:    parsed.Mentions,
		Hashtags:    parsed.Hashtags,
		Emojis:      parsed.Emojis,
	}
	if err := in.store.UpsertPost(b); err != nil {
		return nil, err
	}
	return b, nil
}

// resolvePostRef turns a post uri into a local row id, fetching and
// ingesting unseen remote posts up to the depth cap.
func (in *Inbox) resolvePostRef(ctx context.Context, uri string, depth int) (uuid.UUID, error) {
	if in.urls.IsLocal(uri) {
		kind, id, ok := in.urls.Parse(uri)
		if !ok || kind != "note" {
			return uuid.Nil, apperr.New(apperr.NotFound, "no local object at "+uri)
		}
		if _, err := in.store.GetPost(id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return uuid.Nil, apperr.New(apperr.NotFound, "no local post at "+uri)
			}
			return uuid.Nil, err
		}
		return id, nil
	}

	if b, err := in.store.GetPostByURI(uri); err == nil {
		return b.Post.ID, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return uuid.Nil, err
	}

	if depth <= 0 {
		return uuid.Nil, apperr.New(apperr.BadRequest, "reference chain too deep at "+uri)
	}

	obj, err := in.client.FetchObject(ctx, uri)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.Internal, "dereference "+uri, err)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return uuid.Nil, err
	}
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return uuid.Nil, apperr.Wrap(apperr.BadRequest, "malformed referenced note", err)
	}
	b, err := in.ingestNote(ctx, &note, depth-1)
	if err != nil {
		return uuid.Nil, err
	}
	return b.Post.ID, nil
}

func (in *Inbox) handleAnnounce(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.ID, a.Actor) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	target := a.ObjectID()
	if target == "" {
		return apperr.New(apperr.BadRequest, "announce has no object")
	}
	targetID, err := in.resolvePostRef(ctx, target, maxDereferenceDepth)
	if err != nil {
		return err
	}
	author, err := in.client.GetOrFetchUser(ctx, a.Actor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "resolve announcer", err)
	}

	var created time.Time
	if a.Published != "" {
		created, _ = time.Parse(time.RFC3339, a.Published)
	}
	b := &db.PostBundle{Post: model.Post{
		CreatedAt:  created,
		UserID:     &author.ID,
		RepostID:   &targetID,
		Text:       "",
		Visibility: InferVisibility(a.To, a.CC),
		URI:        a.ID,
	}}
	if err := in.store.UpsertPost(b); err != nil {
		return err
	}
	in.bus.Publish(notify.ForPost(notify.CreatePost, b.Post.ID))
	return nil
}

func (in *Inbox) handleFollow(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.Actor, a.ID) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	if a.ObjectID() != in.urls.Actor() {
		return apperr.New(apperr.BadRequest, "follow target is not the local actor")
	}
	from, err := in.client.GetOrFetchUser(ctx, a.Actor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "resolve follower", err)
	}

	_, created, err := in.store.UpsertFollower(from.ID, a.ID)
	if err != nil {
		return err
	}
	if created {
		in.bus.Publish(notify.ForUser(notify.CreateFollower, from.ID))
	}
	// Accept is re-sent even on replay; the remote may have missed it.
	if err := in.outbox.SendAccept(a.ID, from); err != nil {
		return fmt.Errorf("queue accept: %w", err)
	}
	return nil
}

// acceptedFollowID extracts and validates the local follow referenced
// by an inbound Accept/Reject.
func (in *Inbox) acceptedFollowID(a *IncomingActivity) (uuid.UUID, error) {
	inner, err := a.InnerActivity()
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.BadRequest, "decode inner follow", err)
	}
	if inner.Type != "" && inner.Type != "Follow" {
		return uuid.Nil, apperr.New(apperr.NotImplemented, a.Type+" of "+inner.Type+" is not supported")
	}
	kind, id, ok := in.urls.Parse(inner.ID)
	if !ok || kind != "follow" {
		return uuid.Nil, apperr.New(apperr.BadRequest, "inner object is not a local follow")
	}
	return id, nil
}

func (in *Inbox) handleAccept(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.ID, a.Actor) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	id, err := in.acceptedFollowID(a)
	if err != nil {
		return err
	}
	ok, err := in.store.AcceptFollow(id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "no follow "+model.IDString(id))
	}
	entry, err := in.store.GetFollow(id)
	if err != nil {
		return err
	}
	in.bus.Publish(notify.ForUser(notify.AcceptFollow, entry.Follow.ToID))
	return nil
}

func (in *Inbox) handleReject(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.ID, a.Actor) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	id, err := in.acceptedFollowID(a)
	if err != nil {
		return err
	}
	entry, deleted, err := in.store.DeleteFollow(id)
	if err != nil {
		return err
	}
	if deleted {
		in.bus.Publish(notify.ForUser(notify.RejectFollow, entry.Follow.ToID))
	}
	return nil
}

func (in *Inbox) handleUndo(ctx context.Context, a *IncomingActivity) error {
	inner, err := a.InnerActivity()
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "decode undone activity", err)
	}
	if inner.ID == "" {
		return apperr.New(apperr.BadRequest, "undo has no inner id")
	}
	if !SameHost(inner.ID, a.ID) {
		return apperr.New(apperr.BadRequest, "undo and inner activity hosts differ")
	}

	switch inner.Type {
	case "Follow", "":
		// Undo of an unknown follower is a success: the end state
		// (no follower row) already holds.
		fromID, deleted, err := in.store.DeleteFollowerByURI(inner.ID)
		if err != nil {
			return err
		}
		if deleted {
			in.bus.Publish(notify.ForUser(notify.DeleteFollower, fromID))
		}
		return nil
	case "Like", "EmojiReact":
		r, deleted, err := in.store.DeleteReactionByURI(inner.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return apperr.New(apperr.NotFound, "no reaction "+inner.ID)
		}
		in.bus.Publish(notify.ForPost(notify.DeleteReaction, r.PostID))
		return nil
	default:
		slog.Warn("unhandled undo", "inner", inner.Type, "id", a.ID)
		return apperr.New(apperr.NotImplemented, "undo of "+inner.Type+" is not supported")
	}
}

func (in *Inbox) handleDelete(ctx context.Context, a *IncomingActivity) error {
	target := a.ObjectID()
	if target == "" {
		return apperr.New(apperr.BadRequest, "delete has no object")
	}
	if !SameHost(target, a.ID) {
		return apperr.New(apperr.BadRequest, "delete and object hosts differ")
	}

	if target == a.Actor {
		u, err := in.store.GetUserByURI(target)
		if errors.Is(err, db.ErrNotFound) {
			return nil // never knew them; nothing to delete
		}
		if err != nil {
			return err
		}
		if _, err := in.store.DeleteUserByURI(target); err != nil {
			return err
		}
		in.bus.Publish(notify.ForUser(notify.DeleteUser, u.ID))
		return nil
	}

	id, deleted, err := in.store.DeletePostByURI(target)
	if err != nil {
		return err
	}
	// Absence is idempotent success: the tombstone state already holds.
	if deleted {
		in.bus.Publish(notify.ForPost(notify.DeletePost, id))
	}
	return nil
}

func (in *Inbox) handleLike(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.Actor, a.ID) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	target := a.ObjectID()
	if target == "" {
		return apperr.New(apperr.BadRequest, "like has no object")
	}

	var postID uuid.UUID
	if in.urls.IsLocal(target) {
		kind, id, ok := in.urls.Parse(target)
		if !ok || kind != "note" {
			return apperr.New(apperr.NotFound, "no local post at "+target)
		}
		if _, err := in.store.GetPost(id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.New(apperr.NotFound, "no local post at "+target)
			}
			return err
		}
		postID = id
	} else {
		b, err := in.store.GetPostByURI(target)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.NotFound, "unknown post "+target)
		}
		if err != nil {
			return err
		}
		postID = b.Post.ID
	}

	from, err := in.client.GetOrFetchUser(ctx, a.Actor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "resolve reactor", err)
	}

	content := a.Content
	if content == "" {
		content = "👍"
	}
	uri := a.ID
	r := &model.Reaction{UserID: &from.ID, PostID: postID, Content: content, URI: &uri}
	for _, t := range a.Tag {
		if t.Type == "Emoji" && t.Icon != nil && t.Name == content {
			href := t.Href
			img := t.Icon.URL
			mt := t.Icon.MediaType
			if mt == "" {
				mt = "image/png"
			}
			r.EmojiURI = &href
			r.EmojiImageURL = &img
			r.EmojiMediaType = &mt
			break
		}
	}
	if err := in.store.UpsertRemoteReaction(r); err != nil {
		return err
	}
	in.bus.Publish(notify.ForPost(notify.CreateReaction, postID))
	return nil
}

func (in *Inbox) handleFlag(ctx context.Context, a *IncomingActivity) error {
	if !SameHost(a.Actor, a.ID) {
		return apperr.New(apperr.BadRequest, "activity and actor hosts differ")
	}
	from, err := in.client.GetOrFetchUser(ctx, a.Actor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "resolve reporter", err)
	}
	content := a.Content
	if content == "" {
		content = a.ObjectID()
	}
	report, err := in.store.CreateReport(from.ID, content)
	if err != nil {
		return err
	}
	in.bus.Publish(notify.ForReport(notify.CreateReport, report.ID))
	return nil
}

func (in *Inbox) handleUpdate(ctx context.Context, a *IncomingActivity) error {
	var actor Actor
	if err := json.Unmarshal(a.Object, &actor); err != nil {
		return apperr.Wrap(apperr.BadRequest, "malformed person object", err)
	}
	if actor.Type != "" && actor.Type != "Person" && actor.Type != "Service" && actor.Type != "Application" {
		slog.Warn("unhandled update", "object", actor.Type, "id", a.ID)
		return apperr.New(apperr.NotImplemented, "update of "+actor.Type+" is not supported")
	}
	if !SameHost(a.ID, actor.ID) || actor.ID != a.Actor {
		return apperr.New(apperr.BadRequest, "update and object hosts differ")
	}

	u, err := UserFromActor(&actor)
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "invalid person", err)
	}
	if err := in.store.UpsertUser(u); err != nil {
		return err
	}
	in.client.cache.Delete(actor.ID)
	in.bus.Publish(notify.ForUser(notify.UpdateUser, u.ID))
	return nil
}
