package ap

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

// The codec maps between entity rows and ActivityPub JSON. It is pure:
// everything that needs a lookup (author uri, reply uri) is resolved by
// the caller and passed in.

// isPublic matches the addressing magic collection in the forms peers
// actually send.
func isPublic(s string) bool {
	return s == PublicURI || s == "as:Public" || s == "Public"
}

// Addressing derives to/cc from a post's visibility.
func Addressing(vis model.Visibility, mentions []string, followersURL string) (to, cc []string) {
	switch vis {
	case model.VisibilityPublic:
		return []string{PublicURI}, append(mentions, followersURL)
	case model.VisibilityHome:
		return []string{followersURL}, append(mentions, PublicURI)
	case model.VisibilityFollowers:
		return []string{followersURL}, mentions
	default: // direct message
		return mentions, []string{}
	}
}

// InferVisibility recovers a visibility class from an inbound envelope.
// It is the exact inverse of Addressing.
func InferVisibility(to, cc []string) model.Visibility {
	for _, t := range to {
		if isPublic(t) {
			return model.VisibilityPublic
		}
	}
	for _, c := range cc {
		if isPublic(c) {
			return model.VisibilityHome
		}
	}
	for _, t := range to {
		if strings.HasSuffix(t, "/followers") {
			return model.VisibilityFollowers
		}
	}
	return model.VisibilityDirectMessage
}

// NoteRefs carries the resolved references a bundle serialization needs.
type NoteRefs struct {
	AuthorURI string // attributedTo
	ReplyURI  string // uri of the post reply_id points at, if any
	QuoteURI  string // uri of the post repost_id points at, for quotes
}

// NoteFromBundle serializes a post bundle as a Note. The post's title
// renders as a content warning (summary + sensitive), matching how the
// rest of the fediverse treats CWs.
func NoteFromBundle(b *db.PostBundle, refs NoteRefs, urls URLs) *Note {
	p := &b.Post

	var mentionHrefs []string
	tags := make([]Tag, 0, len(b.Mentions)+len(b.Hashtags)+len(b.Emojis))
	for _, m := range b.Mentions {
		mentionHrefs = append(mentionHrefs, m.UserURI)
		tags = append(tags, Tag{Type: "Mention", Href: m.UserURI, Name: m.Name})
	}
	for _, e := range b.Emojis {
		tags = append(tags, Tag{
			Type: "Emoji",
			Name: ":" + e.Name + ":",
			Href: e.URI,
			Icon: &Image{Type: "Image", URL: e.ImageURL, MediaType: e.MediaType},
		})
	}
	for _, h := range b.Hashtags {
		tags = append(tags, Tag{
			Type: "Hashtag",
			Name: "#" + h.Name,
			Href: "https://" + urls.Domain + "/tags/" + h.Name,
		})
	}

	to, cc := Addressing(p.Visibility, mentionHrefs, urls.Followers())

	n := &Note{
		ID:           p.URI,
		Type:         "Note",
		AttributedTo: refs.AuthorURI,
		Content:      p.Text,
		Published:    p.CreatedAt.UTC().Format(time.RFC3339),
		To:           to,
		CC:           cc,
		Tag:          tags,
		InReplyTo:    refs.ReplyURI,
		Sensitive:    p.IsSensitive,
	}
	if p.Title != nil {
		n.Summary = *p.Title
		n.Sensitive = true
	}
	if p.IsQuote() {
		n.QuoteURL = refs.QuoteURI
	}
	if p.SourceContent != nil {
		mt := "text/markdown"
		if p.SourceMediaType != nil {
			mt = *p.SourceMediaType
		}
		n.Source = &Source{Content: *p.SourceContent, MediaType: mt}
	}

	// A post carries remote or local attachments, never both; both
	// serialize in ascending order.
	for _, f := range b.RemoteFiles {
		n.Attachment = append(n.Attachment, Attachment{Type: "Document", URL: f.URL, MediaType: f.MediaType})
	}
	for _, f := range b.LocalFiles {
		n.Attachment = append(n.Attachment, Attachment{Type: "Document", URL: f.URL, MediaType: f.MediaType})
	}
	return n
}

// ParsedNote is the entity-side projection of an inbound Note, before
// reply/quote references are resolved to local rows.
type ParsedNote struct {
	URI          string
	AttributedTo string
	Text         string
	Title        *string
	Sensitive    bool
	Published    time.Time
	InReplyTo    string
	QuoteURL     string
	Visibility   model.Visibility
	SourceText   *string
	SourceType   *string
	Attachments  []model.RemoteFile
	Mentions     []model.Mention
	Hashtags     []model.Hashtag
	Emojis       []model.PostEmoji
}

// ParseNote maps an inbound Note onto entity fields: visibility is
// inferred from the envelope, the summary becomes the title, and the
// tag array is split back into mentions, hashtags and emoji.
func ParseNote(n *Note) (*ParsedNote, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("note has no id")
	}
	p := &ParsedNote{
		URI:          n.ID,
		AttributedTo: n.AttributedTo,
		Text:         n.Content,
		Sensitive:    n.Sensitive,
		InReplyTo:    n.InReplyTo,
		QuoteURL:     n.QuoteURL,
		Visibility:   InferVisibility(n.To, n.CC),
	}
	if n.Summary != "" {
		title := n.Summary
		p.Title = &title
		p.Sensitive = true
	}
	if n.Published != "" {
		if t, err := time.Parse(time.RFC3339, n.Published); err == nil {
			p.Published = t
		}
	}
	if n.Source != nil && n.Source.Content != "" {
		src := n.Source.Content
		mt := n.Source.MediaType
		p.SourceText = &src
		p.SourceType = &mt
	}

	for i, a := range n.Attachment {
		if a.URL == "" {
			continue
		}
		mt := a.MediaType
		if mt == "" {
			mt = "application/octet-stream"
		}
		p.Attachments = append(p.Attachments, model.RemoteFile{Order: i, URL: a.URL, MediaType: mt})
	}

	for _, t := range n.Tag {
		switch t.Type {
		case "Mention":
			if t.Href != "" {
				p.Mentions = append(p.Mentions, model.Mention{UserURI: t.Href, Name: t.Name})
			}
		case "Hashtag":
			name := strings.TrimPrefix(t.Name, "#")
			if name != "" {
				p.Hashtags = append(p.Hashtags, model.Hashtag{Name: name})
			}
		case "Emoji":
			name := strings.Trim(t.Name, ":")
			if name == "" || t.Icon == nil || t.Icon.URL == "" {
				continue
			}
			mt := t.Icon.MediaType
			if mt == "" {
				mt = "image/png"
			}
			p.Emojis = append(p.Emojis, model.PostEmoji{
				Name: name, URI: t.Href, MediaType: mt, ImageURL: t.Icon.URL,
			})
		}
	}
	return p, nil
}

// UserFromActor projects a remote actor document onto a users row.
func UserFromActor(a *Actor) (*model.User, error) {
	if a.ID == "" || a.Inbox == "" {
		return nil, fmt.Errorf("actor missing id or inbox")
	}
	host, err := hostOf(a.ID)
	if err != nil {
		return nil, err
	}
	handle := a.PreferredUsername
	if handle == "" {
		handle = host
	}

	u := &model.User{
		Handle: handle,
		Host:   host,
		Inbox:  a.Inbox,
		URI:    a.ID,
		IsBot:  a.Type == "Service" || a.Type == "Application",

		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
	}
	if a.Name != "" {
		name := a.Name
		u.Name = &name
	}
	if a.Summary != "" {
		d := a.Summary
		u.Description = &d
	}
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		si := a.Endpoints.SharedInbox
		u.SharedInbox = &si
	}
	if a.Icon != nil && a.Icon.URL != "" {
		av := a.Icon.URL
		u.AvatarURL = &av
	}
	if a.Image != nil && a.Image.URL != "" {
		bn := a.Image.URL
		u.BannerURL = &bn
	}
	if a.PublicKey != nil {
		u.PublicKey = a.PublicKey.PublicKeyPem
	}
	return u, nil
}

// hostOf extracts the lowercase host of an AP id.
func hostOf(apID string) (string, error) {
	u, err := url.Parse(apID)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid AP id %q", apID)
	}
	return strings.ToLower(u.Host), nil
}

// SameHost reports whether two AP ids live on the same host. Empty ids
// never match.
func SameHost(a, b string) bool {
	ha, errA := hostOf(a)
	hb, errB := hostOf(b)
	return errA == nil && errB == nil && ha == hb
}
