// Package ap implements the ActivityPub protocol for soloist: the wire
// types, the codec between activities and entity rows, the inbox and
// outbox engines, and the signed HTTP client.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context for outgoing objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":       "as:Hashtag",
		"sensitive":     "as:sensitive",
		"schema":        "http://schema.org#",
		"PropertyValue": "schema:PropertyValue",
		"value":         "schema:value",
		"Emoji":         "http://joinmastodon.org/ns#Emoji",
		"quoteUrl":      "as:quoteUrl",
	},
}

// Actor represents an ActivityPub actor (Person, Service, etc.).
type Actor struct {
	Context                   interface{} `json:"@context,omitempty"`
	ID                        string      `json:"id"`
	Type                      string      `json:"type"`
	Name                      string      `json:"name,omitempty"`
	PreferredUsername         string      `json:"preferredUsername"`
	Summary                   string      `json:"summary,omitempty"`
	Inbox                     string      `json:"inbox"`
	Outbox                    string      `json:"outbox,omitempty"`
	Followers                 string      `json:"followers,omitempty"`
	Following                 string      `json:"following,omitempty"`
	PublicKey                 *PublicKey  `json:"publicKey,omitempty"`
	Icon                      *Image      `json:"icon,omitempty"`
	Image                     *Image      `json:"image,omitempty"`
	URL                       string      `json:"url,omitempty"`
	Endpoints                 *Endpoints  `json:"endpoints,omitempty"`
	ManuallyApprovesFollowers bool        `json:"manuallyApprovesFollowers"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Endpoints holds shared inbox and other endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Note represents an ActivityPub Note or Article.
type Note struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name,omitempty"` // Article title
	Content      string        `json:"content"`
	Source       *Source       `json:"source,omitempty"`
	Published    string        `json:"published,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	Tag          []Tag         `json:"tag,omitempty"`
	Attachment   []Attachment  `json:"attachment,omitempty"`
	URL          string        `json:"url,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	QuoteURL     string        `json:"quoteUrl,omitempty"`
	Sensitive    bool          `json:"sensitive,omitempty"`
	Summary      string        `json:"summary,omitempty"`
}

// Source carries the pre-rendered markup a Note was composed from.
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// Tag is the union of Mention, Hashtag and Emoji entries in a tag array.
// Type discriminates; unused fields stay empty.
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
	Icon *Image `json:"icon,omitempty"`
}

// Attachment represents media attached to a Note.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"` // alt text
}

// Tombstone is the placeholder object carried by Delete activities.
type Tombstone struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Activity is a generic outgoing ActivityPub activity.
type Activity struct {
	Context   interface{}   `json:"@context,omitempty"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor"`
	Object    interface{}   `json:"object"`
	Content   string        `json:"content,omitempty"`
	Tag       []Tag         `json:"tag,omitempty"`
	To        StringOrArray `json:"to,omitempty"`
	CC        StringOrArray `json:"cc,omitempty"`
	Published string        `json:"published,omitempty"`
}

// IncomingActivity is used for parsing incoming activities where the
// object might be a string reference or an embedded object. Unknown
// types keep their envelope so they can be logged before rejection.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
	Content   string          `json:"content,omitempty"`
	Tag       []Tag           `json:"tag,omitempty"`
}

// ObjectID returns the inner object's id whether the object is a bare
// string reference or an embedded JSON object.
func (a *IncomingActivity) ObjectID() string {
	if len(a.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// InnerActivity decodes an embedded activity object (the T in Undo<T>
// and Accept<T>).
func (a *IncomingActivity) InnerActivity() (*IncomingActivity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s has no object", a.ID)
	}
	var inner IncomingActivity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("decode inner activity: %w", err)
	}
	if inner.ID == "" {
		// A bare string object is just the inner activity's id.
		var s string
		if err := json.Unmarshal(a.Object, &s); err == nil {
			inner.ID = s
		}
	}
	return &inner, nil
}

// OrderedCollection is an unpaginated AP collection.
type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFinger response structures.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures (schema 2.0).
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

type NodeInfoMetadata struct {
	NodeName        string             `json:"nodeName"`
	NodeDescription string             `json:"nodeDescription"`
	Maintainer      NodeInfoMaintainer `json:"maintainer"`
	ThemeColor      string             `json:"themeColor,omitempty"`
}

type NodeInfoMaintainer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
