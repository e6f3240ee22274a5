package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// FollowEntry is an outbound follow joined with its target actor.
type FollowEntry struct {
	Follow model.Follow
	User   model.User
}

// FollowerEntry is an inbound follow joined with the following actor.
type FollowerEntry struct {
	Follower model.Follower
	User     model.User
}

// CreateFollow records that the local actor follows the given user.
// A second follow of the same target reports a unique violation, which
// callers surface as a conflict.
func (s *Store) CreateFollow(toID uuid.UUID) (*model.Follow, error) {
	f := &model.Follow{ID: model.NewID(), CreatedAt: time.Now(), ToID: toID}
	_, err := s.db.Exec(s.q(`INSERT INTO follows (id, created_at, to_id, accepted)
		VALUES (?, ?, ?, FALSE)`), idArg(f.ID), tstr(f.CreatedAt), idArg(f.ToID))
	if err != nil {
		return nil, fmt.Errorf("create follow: %w", err)
	}
	return f, nil
}

// AcceptFollow marks an outbound follow accepted. Returns false when the
// follow no longer exists.
func (s *Store) AcceptFollow(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(s.q(`UPDATE follows SET accepted = TRUE WHERE id = ?`), idArg(id))
	if err != nil {
		return false, fmt.Errorf("accept follow: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetFollow loads an outbound follow with its target actor.
func (s *Store) GetFollow(id uuid.UUID) (*FollowEntry, error) {
	return s.scanFollowEntry(s.db.QueryRow(s.q(`SELECT f.id, f.created_at, f.accepted, `+prefixedUserColumns("u")+`
		FROM follows f JOIN users u ON u.id = f.to_id WHERE f.id = ?`), idArg(id)))
}

// DeleteFollow removes an outbound follow. Returns the unfollowed actor
// so the caller can address a farewell, and false when absent.
func (s *Store) DeleteFollow(id uuid.UUID) (*FollowEntry, bool, error) {
	e, err := s.GetFollow(id)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := s.db.Exec(s.q(`DELETE FROM follows WHERE id = ?`), idArg(id)); err != nil {
		return nil, false, fmt.Errorf("delete follow: %w", err)
	}
	return e, true, nil
}

// ListFollows returns every outbound follow joined with its target.
func (s *Store) ListFollows() ([]FollowEntry, error) {
	rows, err := s.db.Query(`SELECT f.id, f.created_at, f.accepted, ` + prefixedUserColumns("u") + `
		FROM follows f JOIN users u ON u.id = f.to_id ORDER BY f.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	var entries []FollowEntry
	for rows.Next() {
		e, err := s.scanFollowEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, closeRows(rows)
}

func (s *Store) scanFollowEntry(r rowScanner) (*FollowEntry, error) {
	var (
		e                                      FollowEntry
		fid, fcreated                          string
		uid, ucreated, ufetched                string
		name, sharedInbox, avatar, banner, dsc sql.NullString
	)
	u := &e.User
	err := r.Scan(&fid, &fcreated, &e.Follow.Accepted,
		&uid, &ucreated, &ufetched, &u.Handle, &name, &u.Host, &u.Inbox, &sharedInbox,
		&u.URI, &u.PublicKey, &avatar, &banner, &dsc, &u.ManuallyApprovesFollowers, &u.IsBot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan follow: %w", err)
	}
	e.Follow.ID = parseID(fid)
	e.Follow.CreatedAt = tparse(fcreated)
	u.ID = parseID(uid)
	e.Follow.ToID = u.ID
	u.CreatedAt = tparse(ucreated)
	u.LastFetchedAt = tparse(ufetched)
	u.Name = strPtr(name)
	u.SharedInbox = strPtr(sharedInbox)
	u.AvatarURL = strPtr(avatar)
	u.BannerURL = strPtr(banner)
	u.Description = strPtr(dsc)
	return &e, nil
}

// UpsertFollower records an inbound follow keyed by the follower's
// identity; a re-follow refreshes the activity uri. Returns the row and
// whether it was newly created.
func (s *Store) UpsertFollower(fromID uuid.UUID, uri string) (*model.Follower, bool, error) {
	f := &model.Follower{ID: model.NewID(), CreatedAt: time.Now(), FromID: fromID, URI: uri}
	_, err := s.db.Exec(s.q(`INSERT INTO followers (id, created_at, from_id, uri)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (from_id) DO UPDATE SET uri = excluded.uri`),
		idArg(f.ID), tstr(f.CreatedAt), idArg(f.FromID), f.URI)
	if err != nil {
		return nil, false, fmt.Errorf("upsert follower: %w", err)
	}

	var idStr, createdStr string
	err = s.db.QueryRow(s.q(`SELECT id, created_at FROM followers WHERE from_id = ?`), idArg(fromID)).
		Scan(&idStr, &createdStr)
	if err != nil {
		return nil, false, fmt.Errorf("reselect follower: %w", err)
	}
	created := idStr == idArg(f.ID)
	f.ID = parseID(idStr)
	f.CreatedAt = tparse(createdStr)
	return f, created, nil
}

// DeleteFollowerByURI removes an inbound follow by its Follow activity
// uri, returning the former follower's user id. False means no such
// follower exists.
func (s *Store) DeleteFollowerByURI(uri string) (uuid.UUID, bool, error) {
	var fromID string
	err := s.db.QueryRow(s.q(`SELECT from_id FROM followers WHERE uri = ?`), uri).Scan(&fromID)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("select follower: %w", err)
	}
	if _, err := s.db.Exec(s.q(`DELETE FROM followers WHERE uri = ?`), uri); err != nil {
		return uuid.Nil, false, fmt.Errorf("delete follower: %w", err)
	}
	return parseID(fromID), true, nil
}

// ListFollowers returns every inbound follow joined with its actor.
func (s *Store) ListFollowers() ([]FollowerEntry, error) {
	rows, err := s.db.Query(`SELECT f.id, f.created_at, f.uri, ` + prefixedUserColumns("u") + `
		FROM followers f JOIN users u ON u.id = f.from_id ORDER BY f.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	var entries []FollowerEntry
	for rows.Next() {
		var (
			e                                      FollowerEntry
			fid, fcreated                          string
			uid, ucreated, ufetched                string
			name, sharedInbox, avatar, banner, dsc sql.NullString
		)
		u := &e.User
		err := rows.Scan(&fid, &fcreated, &e.Follower.URI,
			&uid, &ucreated, &ufetched, &u.Handle, &name, &u.Host, &u.Inbox, &sharedInbox,
			&u.URI, &u.PublicKey, &avatar, &banner, &dsc, &u.ManuallyApprovesFollowers, &u.IsBot)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		e.Follower.ID = parseID(fid)
		e.Follower.CreatedAt = tparse(fcreated)
		u.ID = parseID(uid)
		e.Follower.FromID = u.ID
		u.CreatedAt = tparse(ucreated)
		u.LastFetchedAt = tparse(ufetched)
		u.Name = strPtr(name)
		u.SharedInbox = strPtr(sharedInbox)
		u.AvatarURL = strPtr(avatar)
		u.BannerURL = strPtr(banner)
		u.Description = strPtr(dsc)
		entries = append(entries, e)
	}
	return entries, closeRows(rows)
}

// FollowerInboxes returns the deduplicated delivery targets for the
// follower set, preferring each server's shared inbox.
func (s *Store) FollowerInboxes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT COALESCE(u.shared_inbox, u.inbox)
		FROM followers f JOIN users u ON u.id = f.from_id`)
	if err != nil {
		return nil, fmt.Errorf("follower inboxes: %w", err)
	}
	return scanStringRows(rows)
}

// FollowerURIs returns the actor uris of every follower, for the
// followers collection.
func (s *Store) FollowerURIs() ([]string, error) {
	rows, err := s.db.Query(`SELECT u.uri FROM followers f JOIN users u ON u.id = f.from_id
		ORDER BY f.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("follower uris: %w", err)
	}
	return scanStringRows(rows)
}

// CountFollowers returns the follower count, for NodeInfo.
func (s *Store) CountFollowers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM followers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count followers: %w", err)
	}
	return n, nil
}

func prefixedUserColumns(alias string) string {
	return alias + `.id, ` + alias + `.created_at, ` + alias + `.last_fetched_at, ` +
		alias + `.handle, ` + alias + `.name, ` + alias + `.host, ` + alias + `.inbox, ` +
		alias + `.shared_inbox, ` + alias + `.uri, ` + alias + `.public_key, ` +
		alias + `.avatar_url, ` + alias + `.banner_url, ` + alias + `.description, ` +
		alias + `.manually_approves_followers, ` + alias + `.is_bot`
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
