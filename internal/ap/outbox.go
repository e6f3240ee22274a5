package ap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

// Outbox builds activities from local state changes and queues them for
// delivery. Queueing is durable (a deliveries row per inbox); the
// delivery worker signs and POSTs asynchronously, so admin requests
// return as soon as the local commit lands.
type Outbox struct {
	store *db.Store
	urls  URLs
}

// NewOutbox wires an Outbox onto the store.
func NewOutbox(store *db.Store, urls URLs) *Outbox {
	return &Outbox{store: store, urls: urls}
}

func (o *Outbox) enqueue(activity *Activity, inboxes []string) error {
	if len(inboxes) == 0 {
		return nil
	}
	body, err := json.Marshal(WithContext(activity))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", activity.Type, err)
	}
	return o.store.EnqueueDeliveries(inboxes, string(body))
}

// followerInboxes resolves the broadcast recipient set: every distinct
// follower inbox, preferring shared inboxes.
func (o *Outbox) followerInboxes() ([]string, error) {
	return o.store.FollowerInboxes()
}

// mentionInboxes resolves the per-actor inboxes of mentioned users that
// are already known locally. Unknown mention targets are skipped; a DM
// to an actor we never interacted with has nowhere sane to go.
func (o *Outbox) mentionInboxes(mentions []model.Mention) []string {
	var inboxes []string
	seen := make(map[string]bool)
	for _, m := range mentions {
		u, err := o.store.GetUserByURI(m.UserURI)
		if err != nil {
			continue
		}
		if !seen[u.Inbox] {
			seen[u.Inbox] = true
			inboxes = append(inboxes, u.Inbox)
		}
	}
	return inboxes
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// SendCreate queues the egress form of a freshly committed local post:
// Announce for a pure repost, Create(Note) otherwise. Broadcast goes to
// followers except direct messages, which go only to the mentioned
// actors.
func (o *Outbox) SendCreate(b *db.PostBundle, refs NoteRefs) error {
	p := &b.Post

	var activity *Activity
	if p.IsRepost() {
		to, cc := Addressing(p.Visibility, nil, o.urls.Followers())
		activity = &Activity{
			ID:        p.URI,
			Type:      "Announce",
			Actor:     o.urls.Actor(),
			Object:    refs.QuoteURI,
			To:        to,
			CC:        cc,
			Published: now(),
		}
	} else {
		note := NoteFromBundle(b, refs, o.urls)
		activity = &Activity{
			ID:        o.urls.Activity(note.ID),
			Type:      "Create",
			Actor:     o.urls.Actor(),
			Object:    note,
			To:        note.To,
			CC:        note.CC,
			Published: note.Published,
		}
	}

	var inboxes []string
	var err error
	if p.Visibility == model.VisibilityDirectMessage {
		inboxes = o.mentionInboxes(b.Mentions)
	} else {
		inboxes, err = o.followerInboxes()
		if err != nil {
			return err
		}
	}
	return o.enqueue(activity, inboxes)
}

// SendDelete queues a Delete(Tombstone) for a removed local post.
func (o *Outbox) SendDelete(postURI string) error {
	inboxes, err := o.followerInboxes()
	if err != nil {
		return err
	}
	return o.enqueue(&Activity{
		ID:        o.urls.Object("delete", model.NewID()),
		Type:      "Delete",
		Actor:     o.urls.Actor(),
		Object:    Tombstone{ID: postURI, Type: "Tombstone"},
		To:        []string{PublicURI},
		Published: now(),
	}, inboxes)
}

// SendLike queues a Like at the reacted post's author.
func (o *Outbox) SendLike(r *model.Reaction, postURI string, author *model.User) error {
	activity := &Activity{
		ID:        o.urls.Like(r.ID),
		Type:      "Like",
		Actor:     o.urls.Actor(),
		Object:    postURI,
		Content:   r.Content,
		Published: now(),
	}
	if r.EmojiURI != nil && r.EmojiImageURL != nil {
		mt := "image/png"
		if r.EmojiMediaType != nil {
			mt = *r.EmojiMediaType
		}
		activity.Tag = []Tag{{
			Type: "Emoji",
			Name: r.Content,
			Href: *r.EmojiURI,
			Icon: &Image{Type: "Image", URL: *r.EmojiImageURL, MediaType: mt},
		}}
	}
	return o.enqueue(activity, []string{author.Inbox})
}

// SendUndoLike queues the retraction of a previously sent Like.
func (o *Outbox) SendUndoLike(r *model.Reaction, postURI string, author *model.User) error {
	return o.enqueue(&Activity{
		ID:    o.urls.Object("undo", model.NewID()),
		Type:  "Undo",
		Actor: o.urls.Actor(),
		Object: Activity{
			ID:     o.urls.Like(r.ID),
			Type:   "Like",
			Actor:  o.urls.Actor(),
			Object: postURI,
		},
		Published: now(),
	}, []string{author.Inbox})
}

// SendFollow queues a Follow at the target actor.
func (o *Outbox) SendFollow(f *model.Follow, target *model.User) error {
	return o.enqueue(&Activity{
		ID:        o.urls.Follow(f.ID),
		Type:      "Follow",
		Actor:     o.urls.Actor(),
		Object:    target.URI,
		Published: now(),
	}, []string{target.Inbox})
}

// SendUndoFollow queues the retraction of a previously sent Follow.
func (o *Outbox) SendUndoFollow(f *model.Follow, target *model.User) error {
	return o.enqueue(&Activity{
		ID:    o.urls.Object("undo", model.NewID()),
		Type:  "Undo",
		Actor: o.urls.Actor(),
		Object: Activity{
			ID:     o.urls.Follow(f.ID),
			Type:   "Follow",
			Actor:  o.urls.Actor(),
			Object: target.URI,
		},
		Published: now(),
	}, []string{target.Inbox})
}

// SendAccept queues the Accept reply to an inbound Follow, echoing the
// original activity so the remote can match it.
func (o *Outbox) SendAccept(followURI string, from *model.User) error {
	return o.enqueue(&Activity{
		ID:    o.urls.Object("accept", model.NewID()),
		Type:  "Accept",
		Actor: o.urls.Actor(),
		Object: Activity{
			ID:     followURI,
			Type:   "Follow",
			Actor:  from.URI,
			Object: o.urls.Actor(),
		},
		Published: now(),
	}, []string{from.Inbox})
}

// SendUpdatePerson broadcasts the local actor's refreshed profile.
func (o *Outbox) SendUpdatePerson(actor *Actor) error {
	inboxes, err := o.followerInboxes()
	if err != nil {
		return err
	}
	return o.enqueue(&Activity{
		ID:        o.urls.Object("update", model.NewID()),
		Type:      "Update",
		Actor:     o.urls.Actor(),
		Object:    actor,
		To:        []string{PublicURI},
		Published: now(),
	}, inboxes)
}

// SendFlag queues a Flag (report) at the offending actor's server.
func (o *Outbox) SendFlag(content string, target *model.User) error {
	return o.enqueue(&Activity{
		ID:        o.urls.Object("flag", model.NewID()),
		Type:      "Flag",
		Actor:     o.urls.Actor(),
		Object:    target.URI,
		Content:   content,
		Published: now(),
	}, []string{target.Inbox})
}
