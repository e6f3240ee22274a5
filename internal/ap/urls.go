package ap

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// URLs builds and parses the local identifier scheme. Every local
// artifact has a stable HTTPS URL by kind: /ap/note/{id}, /ap/like/{id},
// /ap/follow/{id}, /ap/emoji/{id}, /ap/object/{id}; the singleton actor
// lives at /ap/person.
type URLs struct {
	Domain string
}

func (u URLs) base() string { return "https://" + u.Domain }

// Actor returns the local Person URL.
func (u URLs) Actor() string { return u.base() + "/ap/person" }

// Followers returns the local followers collection URL.
func (u URLs) Followers() string { return u.Actor() + "/followers" }

// Inbox returns the shared inbox URL.
func (u URLs) Inbox() string { return u.base() + "/inbox" }

// KeyID returns the signature key id of the local actor.
func (u URLs) KeyID() string { return u.Actor() + "#main-key" }

// Object builds a local object URL for the given kind.
func (u URLs) Object(kind string, id uuid.UUID) string {
	return u.base() + "/ap/" + kind + "/" + model.IDString(id)
}

func (u URLs) Note(id uuid.UUID) string   { return u.Object("note", id) }
func (u URLs) User(id uuid.UUID) string   { return u.Object("user", id) }
func (u URLs) Like(id uuid.UUID) string   { return u.Object("like", id) }
func (u URLs) Follow(id uuid.UUID) string { return u.Object("follow", id) }
func (u URLs) Emoji(id uuid.UUID) string  { return u.Object("emoji", id) }

// Activity derives the Create activity id for a local note.
func (u URLs) Activity(noteURL string) string { return noteURL + "/activity" }

// IsLocal reports whether an AP id belongs to this instance.
func (u URLs) IsLocal(apID string) bool {
	return apID == u.base() || strings.HasPrefix(apID, u.base()+"/")
}

// Parse splits a local object URL into kind and id. The boolean is
// false for foreign URLs, the singleton actor, and malformed ids.
func (u URLs) Parse(apID string) (kind string, id uuid.UUID, ok bool) {
	rest, found := strings.CutPrefix(apID, u.base()+"/ap/")
	if !found {
		return "", uuid.Nil, false
	}
	rest = strings.TrimSuffix(rest, "/activity")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", uuid.Nil, false
	}
	parsed, err := model.ParseID(parts[1])
	if err != nil {
		return "", uuid.Nil, false
	}
	return parts[0], parsed, true
}
