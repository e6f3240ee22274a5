package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

const userColumns = `id, created_at, last_fetched_at, handle, name, host, inbox, shared_inbox,
	uri, public_key, avatar_url, banner_url, description, manually_approves_followers, is_bot`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*model.User, error) {
	var (
		u                                      model.User
		id, createdAt, lastFetchedAt           string
		name, sharedInbox, avatar, banner, dsc sql.NullString
	)
	err := r.Scan(&id, &createdAt, &lastFetchedAt, &u.Handle, &name, &u.Host, &u.Inbox,
		&sharedInbox, &u.URI, &u.PublicKey, &avatar, &banner, &dsc,
		&u.ManuallyApprovesFollowers, &u.IsBot)
	if err != nil {
		return nil, err
	}
	u.ID = parseID(id)
	u.CreatedAt = tparse(createdAt)
	u.LastFetchedAt = tparse(lastFetchedAt)
	u.Name = strPtr(name)
	u.SharedInbox = strPtr(sharedInbox)
	u.AvatarURL = strPtr(avatar)
	u.BannerURL = strPtr(banner)
	u.Description = strPtr(dsc)
	return &u, nil
}

// UpsertUser inserts or refreshes a remote actor row keyed by uri. On
// conflict the existing id survives and u.ID is updated to match, so
// redelivered profiles never fork identities.
func (s *Store) UpsertUser(u *model.User) error {
	now := time.Now()
	if u.ID == uuid.Nil {
		u.ID = model.NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.LastFetchedAt = now

	_, err := s.db.Exec(s.q(`INSERT INTO users
		(id, created_at, last_fetched_at, handle, name, host, inbox, shared_inbox,
		 uri, public_key, avatar_url, banner_url, description, manually_approves_followers, is_bot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			last_fetched_at = excluded.last_fetched_at,
			handle = excluded.handle,
			name = excluded.name,
			host = excluded.host,
			inbox = excluded.inbox,
			shared_inbox = excluded.shared_inbox,
			public_key = excluded.public_key,
			avatar_url = excluded.avatar_url,
			banner_url = excluded.banner_url,
			description = excluded.description,
			manually_approves_followers = excluded.manually_approves_followers,
			is_bot = excluded.is_bot`),
		idArg(u.ID), tstr(u.CreatedAt), tstr(u.LastFetchedAt), u.Handle, strPtrArg(u.Name),
		u.Host, u.Inbox, strPtrArg(u.SharedInbox), u.URI, u.PublicKey,
		strPtrArg(u.AvatarURL), strPtrArg(u.BannerURL), strPtrArg(u.Description),
		u.ManuallyApprovesFollowers, u.IsBot)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	var id string
	if err := s.db.QueryRow(s.q(`SELECT id FROM users WHERE uri = ?`), u.URI).Scan(&id); err != nil {
		return fmt.Errorf("reselect user id: %w", err)
	}
	u.ID = parseID(id)
	return nil
}

// GetUser looks up a remote actor by internal id.
func (s *Store) GetUser(id uuid.UUID) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), idArg(id)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByURI looks up a remote actor by its actor URI.
func (s *Store) GetUserByURI(uri string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(s.q(`SELECT `+userColumns+` FROM users WHERE uri = ?`), uri))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by uri: %w", err)
	}
	return u, nil
}

// DeleteUserByURI removes a remote actor and, through foreign keys, all
// their posts, reactions, follows and reports. Returns false when no
// such actor exists.
func (s *Store) DeleteUserByURI(uri string) (bool, error) {
	res, err := s.db.Exec(s.q(`DELETE FROM users WHERE uri = ?`), uri)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
