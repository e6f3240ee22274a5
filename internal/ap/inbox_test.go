package ap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarls/soloist/internal/apperr"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
	"github.com/mkarls/soloist/internal/notify"
)

// fakeRemote serves ActivityPub objects over httptest so dereferences
// hit a real HTTP round trip.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string]map[string]any
	srv     *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{objects: map[string]map[string]any{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		obj, ok := f.objects[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(obj)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) url(path string) string { return f.srv.URL + path }

func (f *fakeRemote) add(path string, obj map[string]any) string {
	f.mu.Lock()
	f.objects[path] = obj
	f.mu.Unlock()
	return f.url(path)
}

func (f *fakeRemote) addActor(path, handle, publicPEM string) string {
	id := f.url(path)
	f.add(path, map[string]any{
		"id":                id,
		"type":              "Person",
		"preferredUsername": handle,
		"inbox":             id + "/inbox",
		"publicKey": map[string]any{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": publicPEM,
		},
	})
	return id
}

type inboxEnv struct {
	store  *db.Store
	inbox  *Inbox
	events <-chan notify.Event
	remote *fakeRemote
	urls   URLs
	pubPEM string
}

func newInboxEnv(t *testing.T) *inboxEnv {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := ParsePrivateKey(priv)
	require.NoError(t, err)

	urls := URLs{Domain: "soloist.example"}
	client := NewClient(store, urls, key)
	bus := notify.NewBus()
	t.Cleanup(bus.Close)
	events, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	env := &inboxEnv{
		store:  store,
		events: events,
		remote: newFakeRemote(t),
		urls:   urls,
		pubPEM: pub,
	}
	env.inbox = NewInbox(store, client, NewOutbox(store, urls), bus, urls)
	return env
}

func (e *inboxEnv) deliver(t *testing.T, activity map[string]any) error {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	signer, _ := activity["actor"].(string)
	return e.inbox.HandleActivity(context.Background(), body, signer)
}

// drainEvents collects everything published so far.
func (e *inboxEnv) drainEvents() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []notify.Event) []notify.EventType {
	var types []notify.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestCreateStoresPostAndAuthor(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	noteURI := env.remote.url("/notes/1")

	err := env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/1"),
		"type":  "Create",
		"actor": alice,
		"object": map[string]any{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": alice,
			"content":      "<p>hello @admin</p>",
			"summary":      "politics",
			"published":    "2026-08-25T10:00:00Z",
			"to":           []string{PublicURI},
			"cc":           []string{alice + "/followers"},
			"tag": []map[string]any{
				{"type": "Mention", "href": env.urls.Actor(), "name": "@admin@soloist.example"},
				{"type": "Hashtag", "name": "#go"},
			},
			"attachment": []map[string]any{
				{"type": "Document", "url": env.remote.url("/media/a.png"), "mediaType": "image/png"},
			},
		},
	})
	require.NoError(t, err)

	b, err := env.store.GetPostByURI(noteURI)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityPublic, b.Post.Visibility)
	require.NotNil(t, b.Post.Title)
	assert.Equal(t, "politics", *b.Post.Title)
	assert.True(t, b.Post.IsSensitive)
	require.Len(t, b.RemoteFiles, 1)
	require.Len(t, b.Mentions, 1)
	require.Len(t, b.Hashtags, 1)

	author, err := env.store.GetUserByURI(alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", author.Handle)

	types := eventTypes(env.drainEvents())
	assert.Contains(t, types, notify.CreatePost)
	assert.Contains(t, types, notify.Mentioned)
}

func TestCreateIsIdempotent(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	noteURI := env.remote.url("/notes/1")

	activity := map[string]any{
		"id":    env.remote.url("/activities/1"),
		"type":  "Create",
		"actor": alice,
		"object": map[string]any{
			"id":           noteURI,
			"type":         "Note",
			"attributedTo": alice,
			"content":      "once",
			"to":           []string{PublicURI},
		},
	}
	require.NoError(t, env.deliver(t, activity))
	first, err := env.store.GetPostByURI(noteURI)
	require.NoError(t, err)

	require.NoError(t, env.deliver(t, activity))
	second, err := env.store.GetPostByURI(noteURI)
	require.NoError(t, err)
	assert.Equal(t, first.Post.ID, second.Post.ID)

	posts, err := env.store.ListPosts(10)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestCreateRejectsCrossHostNote(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	other := newFakeRemote(t)

	err := env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/1"),
		"type":  "Create",
		"actor": alice,
		"object": map[string]any{
			"id":           other.url("/notes/1"),
			"type":         "Note",
			"attributedTo": alice,
			"content":      "spoofed",
			"to":           []string{PublicURI},
		},
	})
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestActorMustMatchSigner(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	mallory := env.remote.addActor("/users/mallory", "mallory", env.pubPEM)

	body, err := json.Marshal(map[string]any{
		"id":     env.remote.url("/activities/1"),
		"type":   "Create",
		"actor":  alice,
		"object": map[string]any{"id": env.remote.url("/notes/1"), "type": "Note"},
	})
	require.NoError(t, err)
	err = env.inbox.HandleActivity(context.Background(), body, mallory)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestAnnounceDereferencesTarget(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	bob := env.remote.addActor("/users/bob", "bob", env.pubPEM)
	noteURI := env.remote.add("/notes/orig", map[string]any{
		"id":           env.remote.url("/notes/orig"),
		"type":         "Note",
		"attributedTo": alice,
		"content":      "the original",
		"to":           []string{PublicURI},
	})

	boostURI := env.remote.url("/activities/boost")
	err := env.deliver(t, map[string]any{
		"id":     boostURI,
		"type":   "Announce",
		"actor":  bob,
		"object": noteURI,
		"to":     []string{PublicURI},
	})
	require.NoError(t, err)

	orig, err := env.store.GetPostByURI(noteURI)
	require.NoError(t, err)
	boost, err := env.store.GetPostByURI(boostURI)
	require.NoError(t, err)
	require.NotNil(t, boost.Post.RepostID)
	assert.Equal(t, orig.Post.ID, *boost.Post.RepostID)
	assert.True(t, boost.Post.IsRepost())
}

func TestReplyCycleIsBounded(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	aURI := env.remote.url("/notes/a")
	bURI := env.remote.url("/notes/b")
	env.remote.add("/notes/a", map[string]any{
		"id": aURI, "type": "Note", "attributedTo": alice,
		"content": "a", "inReplyTo": bURI, "to": []string{PublicURI},
	})
	env.remote.add("/notes/b", map[string]any{
		"id": bURI, "type": "Note", "attributedTo": alice,
		"content": "b", "inReplyTo": aURI, "to": []string{PublicURI},
	})

	err := env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/1"),
		"type":   "Create",
		"actor":  alice,
		"object": aURI,
	})
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestFollowCreatesFollowerAndQueuesAccept(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	followURI := env.remote.url("/activities/follow-1")

	follow := map[string]any{
		"id":     followURI,
		"type":   "Follow",
		"actor":  alice,
		"object": env.urls.Actor(),
	}
	require.NoError(t, env.deliver(t, follow))

	followers, err := env.store.ListFollowers()
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, followURI, followers[0].Follower.URI)

	due, err := env.store.DueDeliveries(time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, alice+"/inbox", due[0].InboxURL)
	assert.Contains(t, due[0].Payload, `"Accept"`)
	assert.Contains(t, due[0].Payload, followURI)

	types := eventTypes(env.drainEvents())
	assert.Contains(t, types, notify.CreateFollower)

	// Replay refreshes the accept but not the follower or the event.
	require.NoError(t, env.deliver(t, follow))
	followers, err = env.store.ListFollowers()
	require.NoError(t, err)
	assert.Len(t, followers, 1)
	assert.NotContains(t, eventTypes(env.drainEvents()), notify.CreateFollower)
}

func TestFollowOfForeignTargetRejected(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	err := env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/follow-1"),
		"type":   "Follow",
		"actor":  alice,
		"object": "https://elsewhere.example/ap/person",
	})
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestAcceptMarksFollowAccepted(t *testing.T) {
	env := newInboxEnv(t)
	bob := env.remote.addActor("/users/bob", "bob", env.pubPEM)

	target := &model.User{Handle: "bob", Host: "remote.example", Inbox: bob + "/inbox", URI: bob}
	require.NoError(t, env.store.UpsertUser(target))
	f, err := env.store.CreateFollow(target.ID)
	require.NoError(t, err)

	err = env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/accept-1"),
		"type":  "Accept",
		"actor": bob,
		"object": map[string]any{
			"id":   env.urls.Follow(f.ID),
			"type": "Follow",
		},
	})
	require.NoError(t, err)

	entry, err := env.store.GetFollow(f.ID)
	require.NoError(t, err)
	assert.True(t, entry.Follow.Accepted)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.AcceptFollow)
}

func TestRejectDeletesFollow(t *testing.T) {
	env := newInboxEnv(t)
	bob := env.remote.addActor("/users/bob", "bob", env.pubPEM)

	target := &model.User{Handle: "bob", Host: "remote.example", Inbox: bob + "/inbox", URI: bob}
	require.NoError(t, env.store.UpsertUser(target))
	f, err := env.store.CreateFollow(target.ID)
	require.NoError(t, err)

	err = env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/reject-1"),
		"type":  "Reject",
		"actor": bob,
		"object": map[string]any{
			"id":   env.urls.Follow(f.ID),
			"type": "Follow",
		},
	})
	require.NoError(t, err)

	_, err = env.store.GetFollow(f.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.RejectFollow)
}

func TestUndoFollow(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	followURI := env.remote.url("/activities/follow-1")

	undo := map[string]any{
		"id":     env.remote.url("/activities/undo-1"),
		"type":   "Undo",
		"actor":  alice,
		"object": map[string]any{"id": followURI, "type": "Follow"},
	}

	// Undoing a follow that never landed is still a success.
	require.NoError(t, env.deliver(t, undo))
	assert.Empty(t, eventTypes(env.drainEvents()))

	require.NoError(t, env.deliver(t, map[string]any{
		"id": followURI, "type": "Follow", "actor": alice, "object": env.urls.Actor(),
	}))
	env.drainEvents()

	require.NoError(t, env.deliver(t, undo))
	followers, err := env.store.ListFollowers()
	require.NoError(t, err)
	assert.Empty(t, followers)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.DeleteFollower)
}

func TestUndoUnknownLikeIsNotFound(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	err := env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/undo-1"),
		"type":  "Undo",
		"actor": alice,
		"object": map[string]any{
			"id":   env.remote.url("/activities/like-1"),
			"type": "Like",
		},
	})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestLikeAndUndoOnLocalPost(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	postID := model.NewID()
	b := &db.PostBundle{Post: model.Post{
		ID: postID, Text: "likeable", Visibility: model.VisibilityPublic,
		URI: env.urls.Note(postID),
	}}
	require.NoError(t, env.store.CreateLocalPost(b, nil))

	likeURI := env.remote.url("/activities/like-1")
	err := env.deliver(t, map[string]any{
		"id":      likeURI,
		"type":    "Like",
		"actor":   alice,
		"object":  env.urls.Note(postID),
		"content": "🔥",
	})
	require.NoError(t, err)

	reactions, err := env.store.ListReactionsForPost(postID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "🔥", reactions[0].Content)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.CreateReaction)

	err = env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/undo-1"),
		"type":   "Undo",
		"actor":  alice,
		"object": map[string]any{"id": likeURI, "type": "Like"},
	})
	require.NoError(t, err)
	reactions, err = env.store.ListReactionsForPost(postID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.DeleteReaction)
}

func TestRelikeUnderFreshActivityID(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	postID := model.NewID()
	b := &db.PostBundle{Post: model.Post{
		ID: postID, Text: "likeable", Visibility: model.VisibilityPublic,
		URI: env.urls.Note(postID),
	}}
	require.NoError(t, env.store.CreateLocalPost(b, nil))

	require.NoError(t, env.deliver(t, map[string]any{
		"id":      env.remote.url("/activities/like-1"),
		"type":    "Like",
		"actor":   alice,
		"object":  env.urls.Note(postID),
		"content": "🔥",
	}))

	// The Undo for like-1 was lost in transit; the actor likes again
	// under a new activity id. One reaction per actor per post holds.
	relikeURI := env.remote.url("/activities/like-2")
	require.NoError(t, env.deliver(t, map[string]any{
		"id":      relikeURI,
		"type":    "Like",
		"actor":   alice,
		"object":  env.urls.Note(postID),
		"content": "❤️",
	}))

	reactions, err := env.store.ListReactionsForPost(postID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "❤️", reactions[0].Content)
	require.NotNil(t, reactions[0].URI)
	assert.Equal(t, relikeURI, *reactions[0].URI)

	// The stored uri moved to the new activity, so its Undo lands.
	require.NoError(t, env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/undo-2"),
		"type":   "Undo",
		"actor":  alice,
		"object": map[string]any{"id": relikeURI, "type": "Like"},
	}))
	reactions, err = env.store.ListReactionsForPost(postID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestLikeOnUnknownPostIsNotFound(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	err := env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/like-1"),
		"type":   "Like",
		"actor":  alice,
		"object": env.urls.Note(model.NewID()),
	})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeletePost(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)
	noteURI := env.remote.url("/notes/1")

	require.NoError(t, env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/1"),
		"type":  "Create",
		"actor": alice,
		"object": map[string]any{
			"id": noteURI, "type": "Note", "attributedTo": alice,
			"content": "soon gone", "to": []string{PublicURI},
		},
	}))
	env.drainEvents()

	del := map[string]any{
		"id":     env.remote.url("/activities/del-1"),
		"type":   "Delete",
		"actor":  alice,
		"object": map[string]any{"id": noteURI, "type": "Tombstone"},
	}
	require.NoError(t, env.deliver(t, del))
	_, err := env.store.GetPostByURI(noteURI)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.DeletePost)

	// Replay is a tolerated no-op.
	require.NoError(t, env.deliver(t, del))
	assert.Empty(t, eventTypes(env.drainEvents()))
}

func TestDeleteActorRemovesUser(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	require.NoError(t, env.deliver(t, map[string]any{
		"id": env.remote.url("/activities/follow-1"), "type": "Follow",
		"actor": alice, "object": env.urls.Actor(),
	}))
	env.drainEvents()

	require.NoError(t, env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/del-1"),
		"type":   "Delete",
		"actor":  alice,
		"object": alice,
	}))

	_, err := env.store.GetUserByURI(alice)
	assert.ErrorIs(t, err, db.ErrNotFound)
	followers, err := env.store.ListFollowers()
	require.NoError(t, err)
	assert.Empty(t, followers)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.DeleteUser)
}

func TestFlagCreatesReport(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	err := env.deliver(t, map[string]any{
		"id":      env.remote.url("/activities/flag-1"),
		"type":    "Flag",
		"actor":   alice,
		"object":  env.urls.Actor(),
		"content": "rude posts",
	})
	require.NoError(t, err)

	reports, err := env.store.ListReports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "rude posts", reports[0].Report.Content)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.CreateReport)
}

func TestUpdatePersonRefreshesProfile(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	require.NoError(t, env.deliver(t, map[string]any{
		"id": env.remote.url("/activities/follow-1"), "type": "Follow",
		"actor": alice, "object": env.urls.Actor(),
	}))
	env.drainEvents()

	err := env.deliver(t, map[string]any{
		"id":    env.remote.url("/activities/update-1"),
		"type":  "Update",
		"actor": alice,
		"object": map[string]any{
			"id":                alice,
			"type":              "Person",
			"preferredUsername": "alice",
			"name":              "Alice Renamed",
			"inbox":             alice + "/inbox",
		},
	})
	require.NoError(t, err)

	u, err := env.store.GetUserByURI(alice)
	require.NoError(t, err)
	require.NotNil(t, u.Name)
	assert.Equal(t, "Alice Renamed", *u.Name)
	assert.Contains(t, eventTypes(env.drainEvents()), notify.UpdateUser)
}

func TestUnknownActivityTypeRejected(t *testing.T) {
	env := newInboxEnv(t)
	alice := env.remote.addActor("/users/alice", "alice", env.pubPEM)

	err := env.deliver(t, map[string]any{
		"id":     env.remote.url("/activities/move-1"),
		"type":   "Move",
		"actor":  alice,
		"object": alice,
	})
	assert.Equal(t, apperr.NotImplemented, apperr.KindOf(err))
}
