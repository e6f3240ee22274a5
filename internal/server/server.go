// Package server is the HTTP surface: ActivityPub endpoints (actor,
// objects, inbox, discovery) on one side and the authenticated admin
// JSON API plus the notification stream on the other.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkarls/soloist/internal/ap"
	"github.com/mkarls/soloist/internal/apperr"
	"github.com/mkarls/soloist/internal/config"
	"github.com/mkarls/soloist/internal/db"
	"github.com/mkarls/soloist/internal/notify"
	"github.com/mkarls/soloist/internal/storage"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

// maxConcurrentActivities bounds inbox processing; activities beyond the
// limit get a 503 and the remote retries.
const maxConcurrentActivities = 50

// maxBodySize caps inbound activity and admin request bodies.
const maxBodySize = 1 << 20

// Server is the main HTTP server.
type Server struct {
	cfg    *config.Config
	store  *db.Store
	client *ap.Client
	inbox  *ap.Inbox
	outbox *ap.Outbox
	bus    *notify.Bus
	files  storage.Store
	urls   ap.URLs

	router    *chi.Mux
	startedAt time.Time
	inboxSem  chan struct{}
}

// New creates a new Server.
func New(cfg *config.Config, store *db.Store, client *ap.Client, inbox *ap.Inbox, outbox *ap.Outbox, bus *notify.Bus, files storage.Store) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		client:    client,
		inbox:     inbox,
		outbox:    outbox,
		bus:       bus,
		files:     files,
		urls:      ap.URLs{Domain: cfg.Domain},
		startedAt: time.Now(),
		inboxSem:  make(chan struct{}, maxConcurrentActivities),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", s.cfg.ListenAddr, "domain", s.cfg.Domain)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", s.handleHealthcheck)

	// Discovery.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// ActivityPub objects.
	r.Get("/ap/person", s.handlePerson)
	r.Get("/ap/person/followers", s.handleFollowersCollection)
	r.Get("/ap/note/{id}", s.handleNote)
	r.Get("/ap/note/{id}/activity", s.handleNoteActivity)
	r.Get("/ap/user/{id}", s.handleUserRedirect)

	// Inboxes. Everything lands in the same engine.
	r.Post("/inbox", s.handleInbox)
	r.Post("/ap/person/inbox", s.handleInbox)

	// Locally stored uploads, when not offloaded to S3.
	if local, ok := s.files.(*storage.Local); ok {
		r.Handle("/files/*", http.StripPrefix("/files/",
			http.FileServer(http.Dir(local.Dir()))))
	}

	r.Post("/api/login", s.handleLogin)

	// Admin API, behind the access-key cookie.
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAccessKey)

		r.Post("/post", s.handleCreatePost)
		r.Get("/post", s.handleListPosts)
		r.Get("/post/{id}", s.handleGetPost)
		r.Delete("/post/{id}", s.handleDeletePost)
		r.Post("/post/{id}/reaction", s.handleCreateReaction)
		r.Delete("/post/{id}/reaction", s.handleDeleteReaction)

		r.Post("/follow", s.handleCreateFollow)
		r.Get("/follow", s.handleListFollows)
		r.Delete("/follow/{id}", s.handleDeleteFollow)
		r.Get("/follower", s.handleListFollowers)

		r.Post("/file", s.handleUploadFile)
		r.Get("/file", s.handleListFiles)
		r.Delete("/file/{id}", s.handleDeleteFile)

		r.Post("/emoji", s.handleCreateEmoji)
		r.Get("/emoji", s.handleListEmojis)

		r.Post("/report", s.handleCreateReport)
		r.Get("/report", s.handleListReports)

		r.Get("/setting", s.handleGetSetting)
		r.Put("/setting", s.handleUpdateSetting)

		r.Get("/access-key", s.handleListAccessKeys)
		r.Delete("/access-key/{id}", s.handleDeleteAccessKey)

		r.Get("/notification/stream", s.handleNotificationStream)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "soloist - a single-actor ActivityPub server.\n\nRunning on %s\n", s.cfg.Domain)
	})

	return r
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		renderError(w, apperr.Wrap(apperr.Internal, "database unreachable", err))
		return
	}
	jsonResponse(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}, http.StatusOK)
}

// handleInbox accepts one signed activity and processes it within a
// bounded concurrency limit. Processing is synchronous so signature or
// domain failures surface as real status codes to the sender.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	signer, err := s.client.VerifyRequest(r)
	if err != nil {
		slog.Warn("invalid HTTP signature", "error", err, "remote", r.RemoteAddr)
		renderError(w, apperr.Wrap(apperr.Unauthorized, "invalid signature", err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		renderError(w, apperr.Wrap(apperr.BadRequest, "read body", err))
		return
	}

	select {
	case s.inboxSem <- struct{}{}:
	default:
		slog.Warn("inbox overloaded, rejecting activity", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.inboxSem }()

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.inbox.HandleActivity(ctx, body, signer); err != nil {
		slog.Warn("failed to handle activity", "error", err, "signer", signer)
		renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// renderError writes the error envelope: the response carries the error
// id so a log line can be found from a client report.
func renderError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		switch {
		case errors.Is(err, db.ErrNotFound):
			e = apperr.Wrap(apperr.NotFound, "not found", err)
		case errors.Is(err, db.ErrDuplicate):
			e = apperr.Wrap(apperr.Conflict, "already exists", err)
		default:
			e = apperr.Wrap(apperr.Internal, "internal error", err)
		}
	}
	if e.Kind == apperr.Internal {
		slog.Error("request failed", "id", e.ID, "error", err)
	}
	jsonResponse(w, map[string]string{"id": e.ID, "error": e.Message}, e.Kind.Status())
}

// decodeBody unmarshals a JSON request body with a size cap.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "read body", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.BadRequest, "malformed JSON body", err)
	}
	return nil
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter so flushing works for the SSE stream.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
