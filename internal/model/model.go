// Package model holds the row types shared by the store, the ActivityPub
// codec and the admin API. Structs map 1:1 onto tables; no ORM tags.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Visibility is the addressing class of a post.
type Visibility string

const (
	VisibilityPublic        Visibility = "public"
	VisibilityHome          Visibility = "home"
	VisibilityFollowers     Visibility = "followers"
	VisibilityDirectMessage Visibility = "direct_message"
)

// Valid reports whether v is one of the four known classes.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityHome, VisibilityFollowers, VisibilityDirectMessage:
		return true
	}
	return false
}

// User is a cached remote actor. The local account is not a User row; it
// lives in Setting plus config.
type User struct {
	ID                        uuid.UUID
	CreatedAt                 time.Time
	LastFetchedAt             time.Time
	Handle                    string
	Name                      *string
	Host                      string
	Inbox                     string
	SharedInbox               *string
	URI                       string
	PublicKey                 string
	AvatarURL                 *string
	BannerURL                 *string
	Description               *string
	ManuallyApprovesFollowers bool
	IsBot                     bool
}

// Acct renders the user as handle@host.
func (u *User) Acct() string {
	return u.Handle + "@" + u.Host
}

// Post is a local or remote status. UserID nil means the local actor
// authored it. ReplyID and RepostID reference other posts; a row with a
// RepostID and empty Text is a plain repost, with non-empty Text a quote.
type Post struct {
	ID              uuid.UUID
	CreatedAt       time.Time
	UserID          *uuid.UUID
	ReplyID         *uuid.UUID
	RepostID        *uuid.UUID
	Text            string
	Title           *string
	Visibility      Visibility
	IsSensitive     bool
	URI             string
	SourceContent   *string
	SourceMediaType *string
}

// IsLocal reports whether the local actor authored the post.
func (p *Post) IsLocal() bool { return p.UserID == nil }

// IsRepost reports whether the post is a plain (textless) repost.
func (p *Post) IsRepost() bool { return p.RepostID != nil && p.Text == "" }

// IsQuote reports whether the post quotes another post with its own text.
func (p *Post) IsQuote() bool { return p.RepostID != nil && p.Text != "" }

// RemoteFile is an attachment on a remote post, ordered within the post.
type RemoteFile struct {
	PostID    uuid.UUID
	Order     int
	URL       string
	MediaType string
}

// LocalFile is an uploaded object. It starts unattached and is later
// bound to a post slot (PostID+Order) or to an emoji name, never both.
type LocalFile struct {
	ID              uuid.UUID
	CreatedAt       time.Time
	ObjectStoreKey  string
	ObjectStoreType string
	MediaType       string
	URL             string
	PostID          *uuid.UUID
	Order           *int
	EmojiName       *string
}

// Mention records one mentioned actor on a post.
type Mention struct {
	PostID  uuid.UUID
	UserURI string
	Name    string
}

// Hashtag records one hashtag on a post.
type Hashtag struct {
	PostID uuid.UUID
	Name   string
}

// PostEmoji is a custom emoji referenced by a remote post's text.
type PostEmoji struct {
	PostID    uuid.UUID
	Name      string
	URI       string
	MediaType string
	ImageURL  string
}

// Follow is an outbound edge: the local actor follows ToID. Accepted
// flips when the remote side sends Accept(Follow).
type Follow struct {
	ID        uuid.UUID
	CreatedAt time.Time
	ToID      uuid.UUID
	Accepted  bool
}

// Follower is an inbound edge: FromID follows the local actor. URI is
// the remote Follow activity id, echoed back in Accept and matched by
// Undo(Follow).
type Follower struct {
	ID        uuid.UUID
	CreatedAt time.Time
	FromID    uuid.UUID
	URI       string
}

// Reaction is a Like on a post. UserID nil means the local actor
// reacted; remote reactions carry the Like activity URI. The Emoji*
// fields are set when the reaction content is a custom emoji shortcode.
type Reaction struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	UserID         *uuid.UUID
	PostID         uuid.UUID
	Content        string
	URI            *string
	EmojiURI       *string
	EmojiMediaType *string
	EmojiImageURL  *string
}

// Emoji is a locally registered custom emoji; its image is the
// LocalFile whose EmojiName matches Name.
type Emoji struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Name      string
}

// Report is a remote Flag against the local actor or a local post.
type Report struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	FromUserID uuid.UUID
	Content    string
}

// Setting is the singleton instance row (ID is always uuid.Nil). It
// carries the local actor's profile and the instance RSA keypair.
type Setting struct {
	ID                  uuid.UUID
	InstanceName        *string
	InstanceDescription *string
	UserName            *string
	UserDescription     *string
	AvatarFileID        *uuid.UUID
	BannerFileID        *uuid.UUID
	MaintainerName      *string
	MaintainerEmail     *string
	ThemeColor          *string
	UserPublicKey       string
	UserPrivateKey      string
}

// AccessKey is an admin API session credential, carried in a cookie as
// its ULID form.
type AccessKey struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	Name       string
	LastUsedAt *time.Time
}

// Delivery is one pending outbound POST to a remote inbox.
type Delivery struct {
	ID            uuid.UUID
	CreatedAt     time.Time
	InboxURL      string
	Payload       string
	Attempts      int
	NextAttemptAt time.Time
}
