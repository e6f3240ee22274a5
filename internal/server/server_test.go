package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mkarls/soloist/internal/ap"
	"github.com/mkarls/soloist/internal/config"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/model"
	"github.com/mkarls/soloist/internal/notify"
	"github.com/mkarls/soloist/internal/storage"
)

type serverEnv struct {
	srv   *Server
	store *db.Store
	urls  ap.URLs
	key   string // access key cookie value
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	pub, priv, err := ap.GenerateKeyPair()
	require.NoError(t, err)
	_, err = store.CreateSetting(pub, priv)
	require.NoError(t, err)
	privKey, err := ap.ParsePrivateKey(priv)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Domain:             "soloist.example",
		UserHandle:         "admin",
		UserPasswordBcrypt: string(hash),
		ObjectStore:        "local",
	}
	files, err := storage.NewLocal(t.TempDir(), "https://soloist.example/files")
	require.NoError(t, err)

	urls := ap.URLs{Domain: cfg.Domain}
	client := ap.NewClient(store, urls, privKey)
	bus := notify.NewBus()
	t.Cleanup(bus.Close)
	outbox := ap.NewOutbox(store, urls)
	inbox := ap.NewInbox(store, client, outbox, bus, urls)

	key, err := store.CreateAccessKey("test")
	require.NoError(t, err)

	return &serverEnv{
		srv:   New(cfg, store, client, inbox, outbox, bus, files),
		store: store,
		urls:  urls,
		key:   model.IDString(key.ID),
	}
}

func (e *serverEnv) request(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.AddCookie(&http.Cookie{Name: accessKeyCookie, Value: e.key})
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthcheck(t *testing.T) {
	env := newServerEnv(t)
	rec := env.request(t, "GET", "/api/healthcheck", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
}

func TestWebFingerOwnerOnly(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "GET", "/.well-known/webfinger?resource=acct:admin@soloist.example", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "acct:admin@soloist.example", body["subject"])

	rec = env.request(t, "GET", "/.well-known/webfinger?resource=acct:other@soloist.example", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, "GET", "/.well-known/webfinger?resource=acct:admin@elsewhere.example", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, "GET", "/.well-known/webfinger", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeInfo(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "GET", "/.well-known/nodeinfo", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/nodeinfo/2.0")

	rec = env.request(t, "GET", "/nodeinfo/2.0", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	software := body["software"].(map[string]any)
	assert.Equal(t, "soloist", software["name"])

	rec = env.request(t, "GET", "/nodeinfo/2.1", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonDocument(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "GET", "/ap/person", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "activity+json")

	body := decodeJSON(t, rec)
	assert.Equal(t, env.urls.Actor(), body["id"])
	assert.Equal(t, "admin", body["preferredUsername"])
	pk := body["publicKey"].(map[string]any)
	assert.Contains(t, pk["publicKeyPem"], "BEGIN PUBLIC KEY")
}

func TestNoteVisibilityGate(t *testing.T) {
	env := newServerEnv(t)

	pub := model.NewID()
	require.NoError(t, env.store.CreateLocalPost(&db.PostBundle{Post: model.Post{
		ID: pub, Text: "open", Visibility: model.VisibilityPublic, URI: env.urls.Note(pub),
	}}, nil))
	locked := model.NewID()
	require.NoError(t, env.store.CreateLocalPost(&db.PostBundle{Post: model.Post{
		ID: locked, Text: "private", Visibility: model.VisibilityFollowers, URI: env.urls.Note(locked),
	}}, nil))

	rec := env.request(t, "GET", "/ap/note/"+model.IDString(pub), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.urls.Note(pub), decodeJSON(t, rec)["id"])

	rec = env.request(t, "GET", "/ap/note/"+model.IDString(pub)+"/activity", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Create", decodeJSON(t, rec)["type"])

	rec = env.request(t, "GET", "/ap/note/"+model.IDString(locked), nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, "GET", "/ap/note/"+model.IDString(model.NewID()), nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresAccessKey(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "GET", "/api/post", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/post", nil)
	req.AddCookie(&http.Cookie{Name: accessKeyCookie, Value: "not-a-ulid"})
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, "GET", "/api/post", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "POST", "/api/login", map[string]string{"password": "wrong"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, "POST", "/api/login", map[string]string{"password": "hunter2", "keyName": "laptop"}, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "laptop", decodeJSON(t, rec)["name"])

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == accessKeyCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	_, err := model.ParseID(cookie.Value)
	assert.NoError(t, err)
}

func TestAccessKeyRevocation(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "GET", "/api/access-key", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "DELETE", "/api/access-key/"+env.key, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "GET", "/api/post", nil, true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndDeletePost(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "POST", "/api/post", map[string]any{
		"text":       "hello #fediverse",
		"visibility": "public",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	id := body["id"].(string)
	assert.Equal(t, []any{"fediverse"}, body["hashtags"])
	assert.Equal(t, true, body["local"])

	rec = env.request(t, "GET", "/api/post", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = env.request(t, "DELETE", "/api/post/"+id, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "GET", "/api/post/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePostValidation(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "POST", "/api/post", map[string]any{"text": "x", "visibility": "everyone"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, "POST", "/api/post", map[string]any{"visibility": "public"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReactionConflict(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, "POST", "/api/post", map[string]any{"text": "react to me"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeJSON(t, rec)["id"].(string)

	rec = env.request(t, "POST", "/api/post/"+id+"/reaction", map[string]string{"content": "❤️"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "POST", "/api/post/"+id+"/reaction", map[string]string{"content": "❤️"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.request(t, "DELETE", "/api/post/"+id+"/reaction", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "DELETE", "/api/post/"+id+"/reaction", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowKnownUserByID(t *testing.T) {
	env := newServerEnv(t)

	remote := &model.User{
		Handle: "bob",
		Host:   "remote.example",
		URI:    "https://remote.example/users/bob",
		Inbox:  "https://remote.example/users/bob/inbox",
	}
	require.NoError(t, env.store.UpsertUser(remote))

	rec := env.request(t, "POST", "/api/follow", map[string]string{
		"toId": model.IDString(remote.ID),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["accepted"])

	// Following the same user twice is a conflict.
	rec = env.request(t, "POST", "/api/follow", map[string]string{
		"toId": model.IDString(remote.ID),
	}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The Follow activity is queued for the remote inbox.
	due, err := env.store.DueDeliveries(time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, remote.Inbox, due[0].InboxURL)

	rec = env.request(t, "POST", "/api/follow", map[string]string{
		"toId": model.IDString(model.NewID()),
	}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSetting(t *testing.T) {
	env := newServerEnv(t)

	name := "Soloist Test"
	rec := env.request(t, "PUT", "/api/setting", map[string]any{
		"instanceName": name,
		"userName":     "Admin",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "GET", "/api/setting", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, name, body["instanceName"])
	assert.Equal(t, "Admin", body["userName"])
	// The keypair never leaks through the settings API.
	assert.NotContains(t, rec.Body.String(), "PRIVATE KEY")

	// The refreshed profile is visible on the actor document.
	rec = env.request(t, "GET", "/ap/person", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Admin", decodeJSON(t, rec)["name"])
}

func TestInboxRejectsUnsigned(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest("POST", "/inbox", bytes.NewReader([]byte(`{"type":"Create"}`)))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
