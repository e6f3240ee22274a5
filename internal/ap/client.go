package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
	"golang.org/x/time/rate"

	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
// This typically means the actor or object has been deleted.
var ErrGone = errors.New("resource gone (410)")

const (
	userAgent      = "soloist/1.0"
	objectCacheTTL = time.Hour
	userRefreshTTL = 24 * time.Hour
)

type cacheEntry struct {
	obj     map[string]interface{}
	expires time.Time
}

// Client performs every remote call: dereferences, WebFinger lookups
// and signed deliveries. Fetches are throttled per host so one hostile
// thread of replies cannot monopolize the instance.
type Client struct {
	store   *db.Store
	urls    URLs
	keyID   string
	privKey *rsa.PrivateKey

	http     *http.Client
	cache    sync.Map // url → cacheEntry
	limiters sync.Map // host → *rate.Limiter
}

// NewClient builds a Client signing outbound POSTs with the local key.
func NewClient(store *db.Store, urls URLs, privKey *rsa.PrivateKey) *Client {
	return &Client{
		store:   store,
		urls:    urls,
		keyID:   urls.KeyID(),
		privKey: privKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	if l, ok := c.limiters.Load(host); ok {
		return l.(*rate.Limiter)
	}
	l, _ := c.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(5), 10))
	return l.(*rate.Limiter)
}

// FetchObject fetches an ActivityPub object from a remote URL.
// Returns the raw JSON or an error. Results are cached.
func (c *Client) FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	if cached, ok := c.cache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		c.cache.Delete(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid object url %q", rawURL)
	}
	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}

	c.cache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// FetchActor fetches and decodes an AP Actor object.
func (c *Client) FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	obj, err := c.FetchObject(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("remarshal actor: %w", err)
	}
	var actor Actor
	if err := json.Unmarshal(data, &actor); err != nil {
		return nil, fmt.Errorf("decode actor %s: %w", actorURL, err)
	}
	return &actor, nil
}

// GetOrFetchUser resolves an actor uri to a users row, fetching and
// upserting when unknown or stale. A failed refresh falls back to the
// cached row so transient remote outages do not break inbound handling.
func (c *Client) GetOrFetchUser(ctx context.Context, actorURI string) (*model.User, error) {
	if c.urls.IsLocal(actorURI) {
		return nil, fmt.Errorf("%s is the local actor, not a remote user", actorURI)
	}

	cached, err := c.store.GetUserByURI(actorURI)
	if err == nil && time.Since(cached.LastFetchedAt) < userRefreshTTL {
		return cached, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	actor, fetchErr := c.FetchActor(ctx, actorURI)
	if fetchErr != nil {
		if cached != nil {
			slog.Warn("actor refresh failed, using cached profile", "uri", actorURI, "error", fetchErr)
			return cached, nil
		}
		return nil, fmt.Errorf("fetch actor %s: %w", actorURI, fetchErr)
	}

	u, err := UserFromActor(actor)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actorURI, err)
	}
	if err := c.store.UpsertUser(u); err != nil {
		return nil, err
	}
	c.cache.Delete(actorURI)
	return u, nil
}

// ResolveHandle resolves a fediverse handle (e.g. "alice@mastodon.social")
// to an AP actor URL via WebFinger.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf WebFingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == "application/activity+json" ||
			link.Type == `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no ActivityPub actor link found for %s", handle)
}

// Deliver POSTs a signed activity body to a remote inbox. The returned
// status is 0 when the request never reached the remote.
func (c *Client) Deliver(ctx context.Context, inbox string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return 0, fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(c.privKey, c.keyID, req, body); err != nil {
		return 0, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// VerifyRequest verifies the HTTP signature on an inbound request and
// returns the signing actor's uri. The actor is fetched (or read from
// the users table) to obtain the public key.
func (c *Client) VerifyRequest(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	keyID := verifier.KeyId()
	actorURI := strings.Split(keyID, "#")[0]

	user, err := c.GetOrFetchUser(req.Context(), actorURI)
	if err != nil {
		if errors.Is(err, ErrGone) {
			// Actor already deleted; typically the self-Delete of a
			// now-gone account. Let it through unverified.
			slog.Debug("actor gone, skipping signature verification", "keyId", keyID)
			return actorURI, nil
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	pubKey, err := ParsePublicKey(user.PublicKey)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURI, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return actorURI, nil
}
