package ap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

func TestAddressingRoundTrip(t *testing.T) {
	followers := "https://soloist.example/ap/person/followers"
	mentions := []string{"https://remote.example/users/alice"}

	for _, vis := range []model.Visibility{
		model.VisibilityPublic,
		model.VisibilityHome,
		model.VisibilityFollowers,
		model.VisibilityDirectMessage,
	} {
		to, cc := Addressing(vis, mentions, followers)
		assert.Equal(t, vis, InferVisibility(to, cc), "visibility %s", vis)
	}
}

func TestInferVisibilityForeignEnvelopes(t *testing.T) {
	// Peers use several spellings of the public collection.
	assert.Equal(t, model.VisibilityPublic, InferVisibility([]string{"as:Public"}, nil))
	assert.Equal(t, model.VisibilityPublic, InferVisibility([]string{"Public"}, nil))
	assert.Equal(t, model.VisibilityHome, InferVisibility(
		[]string{"https://remote.example/users/alice/followers"},
		[]string{PublicURI}))
	assert.Equal(t, model.VisibilityFollowers, InferVisibility(
		[]string{"https://remote.example/users/alice/followers"}, nil))
	assert.Equal(t, model.VisibilityDirectMessage, InferVisibility(
		[]string{"https://soloist.example/ap/person"}, nil))
}

func TestNoteRoundTrip(t *testing.T) {
	urls := URLs{Domain: "soloist.example"}
	title := "lunch"
	src := "*markdown*"
	postID := model.NewID()

	b := &db.PostBundle{
		Post: model.Post{
			ID:            postID,
			CreatedAt:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
			Text:          "<p>hello</p>",
			Title:         &title,
			Visibility:    model.VisibilityHome,
			URI:           urls.Note(postID),
			SourceContent: &src,
		},
		Mentions: []model.Mention{{UserURI: "https://remote.example/users/alice", Name: "@alice@remote.example"}},
		Hashtags: []model.Hashtag{{Name: "food"}},
		Emojis: []model.PostEmoji{{
			Name: "yum", URI: "https://remote.example/emoji/yum",
			MediaType: "image/png", ImageURL: "https://remote.example/media/yum.png",
		}},
		RemoteFiles: []model.RemoteFile{
			{Order: 0, URL: "https://remote.example/media/1.png", MediaType: "image/png"},
			{Order: 1, URL: "https://remote.example/media/2.jpg", MediaType: "image/jpeg"},
		},
	}

	n := NoteFromBundle(b, NoteRefs{AuthorURI: urls.Actor()}, urls)
	assert.Equal(t, "lunch", n.Summary)
	assert.True(t, n.Sensitive)
	require.NotNil(t, n.Source)
	assert.Equal(t, "text/markdown", n.Source.MediaType)
	require.Len(t, n.Attachment, 2)
	require.Len(t, n.Tag, 3)
	assert.Equal(t, []string{"Mention", "Emoji", "Hashtag"},
		[]string{n.Tag[0].Type, n.Tag[1].Type, n.Tag[2].Type})

	p, err := ParseNote(n)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityHome, p.Visibility)
	require.NotNil(t, p.Title)
	assert.Equal(t, "lunch", *p.Title)
	assert.True(t, p.Sensitive)
	require.Len(t, p.Mentions, 1)
	assert.Equal(t, "https://remote.example/users/alice", p.Mentions[0].UserURI)
	require.Len(t, p.Hashtags, 1)
	assert.Equal(t, "food", p.Hashtags[0].Name)
	require.Len(t, p.Emojis, 1)
	assert.Equal(t, "yum", p.Emojis[0].Name)
	require.Len(t, p.Attachments, 2)
	assert.Equal(t, 0, p.Attachments[0].Order)
	assert.Equal(t, 1, p.Attachments[1].Order)
}

func TestParseNoteDefaults(t *testing.T) {
	p, err := ParseNote(&Note{
		ID:           "https://remote.example/notes/1",
		AttributedTo: "https://remote.example/users/alice",
		Content:      "plain",
		Attachment:   []Attachment{{URL: "https://remote.example/media/x"}},
		Tag: []Tag{
			{Type: "Emoji", Name: ":wave:", Href: "https://remote.example/emoji/wave",
				Icon: &Image{URL: "https://remote.example/media/wave.png"}},
			{Type: "Emoji", Name: ":broken:"}, // no icon, dropped
		},
	})
	require.NoError(t, err)
	// No addressing at all reads as a direct message.
	assert.Equal(t, model.VisibilityDirectMessage, p.Visibility)
	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "application/octet-stream", p.Attachments[0].MediaType)
	require.Len(t, p.Emojis, 1)
	assert.Equal(t, "image/png", p.Emojis[0].MediaType)
}

func TestParseNoteRequiresID(t *testing.T) {
	_, err := ParseNote(&Note{Content: "anonymous"})
	assert.Error(t, err)
}

func TestUserFromActor(t *testing.T) {
	a := &Actor{
		ID:                "https://Remote.Example/users/alice",
		Type:              "Person",
		PreferredUsername: "alice",
		Name:              "Alice",
		Inbox:             "https://remote.example/users/alice/inbox",
		Endpoints:         &Endpoints{SharedInbox: "https://remote.example/inbox"},
		PublicKey:         &PublicKey{PublicKeyPem: "PEM"},
	}
	u, err := UserFromActor(a)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Handle)
	assert.Equal(t, "remote.example", u.Host)
	require.NotNil(t, u.SharedInbox)
	assert.Equal(t, "https://remote.example/inbox", *u.SharedInbox)
	assert.False(t, u.IsBot)

	a.Type = "Service"
	u, err = UserFromActor(a)
	require.NoError(t, err)
	assert.True(t, u.IsBot)

	_, err = UserFromActor(&Actor{ID: "https://remote.example/users/alice"})
	assert.Error(t, err, "actor without inbox")
}
