package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// PostBundle is a post with every associated row the codec needs to
// rebuild its ActivityPub form.
type PostBundle struct {
	Post        model.Post
	RemoteFiles []model.RemoteFile
	LocalFiles  []model.LocalFile
	Mentions    []model.Mention
	Hashtags    []model.Hashtag
	Emojis      []model.PostEmoji
}

const postColumns = `id, created_at, user_id, reply_id, repost_id, text, title,
	visibility, is_sensitive, uri, source_content, source_media_type`

func scanPost(r rowScanner) (*model.Post, error) {
	var (
		p                           model.Post
		id, createdAt               string
		userID, replyID, repostID   sql.NullString
		title, srcContent, srcMedia sql.NullString
		visibility                  string
	)
	err := r.Scan(&id, &createdAt, &userID, &replyID, &repostID, &p.Text, &title,
		&visibility, &p.IsSensitive, &p.URI, &srcContent, &srcMedia)
	if err != nil {
		return nil, err
	}
	p.ID = parseID(id)
	p.CreatedAt = tparse(createdAt)
	p.UserID = idPtr(userID)
	p.ReplyID = idPtr(replyID)
	p.RepostID = idPtr(repostID)
	p.Title = strPtr(title)
	p.Visibility = model.Visibility(visibility)
	p.SourceContent = strPtr(srcContent)
	p.SourceMediaType = strPtr(srcMedia)
	return &p, nil
}

// UpsertPost writes a remote post and all its associations in one
// transaction, keyed by uri. Redelivery replaces the association rows
// wholesale so the stored state always mirrors the latest activity.
func (s *Store) UpsertPost(b *PostBundle) error {
	p := &b.Post
	if p.ID == uuid.Nil {
		p.ID = model.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(s.q(`INSERT INTO posts
			(id, created_at, user_id, reply_id, repost_id, text, title,
			 visibility, is_sensitive, uri, source_content, source_media_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (uri) DO UPDATE SET
				user_id = excluded.user_id,
				reply_id = excluded.reply_id,
				repost_id = excluded.repost_id,
				text = excluded.text,
				title = excluded.title,
				visibility = excluded.visibility,
				is_sensitive = excluded.is_sensitive,
				source_content = excluded.source_content,
				source_media_type = excluded.source_media_type`),
			idArg(p.ID), tstr(p.CreatedAt), idPtrArg(p.UserID), idPtrArg(p.ReplyID),
			idPtrArg(p.RepostID), p.Text, strPtrArg(p.Title), string(p.Visibility),
			p.IsSensitive, p.URI, strPtrArg(p.SourceContent), strPtrArg(p.SourceMediaType))
		if err != nil {
			return fmt.Errorf("upsert post: %w", err)
		}

		var id string
		if err := tx.QueryRow(s.q(`SELECT id FROM posts WHERE uri = ?`), p.URI).Scan(&id); err != nil {
			return fmt.Errorf("reselect post id: %w", err)
		}
		p.ID = parseID(id)

		for _, table := range []string{"remote_files", "mentions", "hashtags", "post_emojis"} {
			if _, err := tx.Exec(s.q(`DELETE FROM `+table+` WHERE post_id = ?`), idArg(p.ID)); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return s.insertAssociations(tx, b)
	})
}

// CreateLocalPost inserts a post authored by the local actor, binds the
// given uploaded files to it in order, and records mentions, hashtags
// and emoji shortcodes. Files must be unattached uploads.
func (s *Store) CreateLocalPost(b *PostBundle, fileIDs []uuid.UUID) error {
	p := &b.Post
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(s.q(`INSERT INTO posts
			(id, created_at, user_id, reply_id, repost_id, text, title,
			 visibility, is_sensitive, uri, source_content, source_media_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			idArg(p.ID), tstr(p.CreatedAt), idPtrArg(p.UserID), idPtrArg(p.ReplyID),
			idPtrArg(p.RepostID), p.Text, strPtrArg(p.Title), string(p.Visibility),
			p.IsSensitive, p.URI, strPtrArg(p.SourceContent), strPtrArg(p.SourceMediaType))
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}

		for i, fid := range fileIDs {
			res, err := tx.Exec(s.q(`UPDATE local_files SET post_id = ?, ord = ?
				WHERE id = ? AND post_id IS NULL AND emoji_name IS NULL`),
				idArg(p.ID), i, idArg(fid))
			if err != nil {
				return fmt.Errorf("attach file: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("attach file %s: %w", model.IDString(fid), ErrNotFound)
			}
		}
		return s.insertAssociations(tx, b)
	})
}

func (s *Store) insertAssociations(tx *sql.Tx, b *PostBundle) error {
	postID := idArg(b.Post.ID)
	for i, f := range b.RemoteFiles {
		_, err := tx.Exec(s.q(`INSERT INTO remote_files (post_id, ord, url, media_type)
			VALUES (?, ?, ?, ?)`), postID, i, f.URL, f.MediaType)
		if err != nil {
			return fmt.Errorf("insert remote file: %w", err)
		}
	}
	for _, m := range b.Mentions {
		_, err := tx.Exec(s.q(`INSERT INTO mentions (post_id, user_uri, name)
			VALUES (?, ?, ?) ON CONFLICT (post_id, user_uri) DO NOTHING`), postID, m.UserURI, m.Name)
		if err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	for _, h := range b.Hashtags {
		_, err := tx.Exec(s.q(`INSERT INTO hashtags (post_id, name)
			VALUES (?, ?) ON CONFLICT (post_id, name) DO NOTHING`), postID, h.Name)
		if err != nil {
			return fmt.Errorf("insert hashtag: %w", err)
		}
	}
	for _, e := range b.Emojis {
		_, err := tx.Exec(s.q(`INSERT INTO post_emojis (post_id, name, uri, media_type, image_url)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (post_id, name) DO NOTHING`),
			postID, e.Name, e.URI, e.MediaType, e.ImageURL)
		if err != nil {
			return fmt.Errorf("insert post emoji: %w", err)
		}
	}
	return nil
}

// GetPost loads a post bundle by internal id.
func (s *Store) GetPost(id uuid.UUID) (*PostBundle, error) {
	p, err := scanPost(s.db.QueryRow(s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), idArg(id)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return s.loadBundle(p)
}

// GetPostByURI loads a post bundle by ActivityPub object id.
func (s *Store) GetPostByURI(uri string) (*PostBundle, error) {
	p, err := scanPost(s.db.QueryRow(s.q(`SELECT `+postColumns+` FROM posts WHERE uri = ?`), uri))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post by uri: %w", err)
	}
	return s.loadBundle(p)
}

func (s *Store) loadBundle(p *model.Post) (*PostBundle, error) {
	b := &PostBundle{Post: *p}
	postID := idArg(p.ID)

	rows, err := s.db.Query(s.q(`SELECT ord, url, media_type FROM remote_files
		WHERE post_id = ? ORDER BY ord`), postID)
	if err != nil {
		return nil, fmt.Errorf("load remote files: %w", err)
	}
	for rows.Next() {
		f := model.RemoteFile{PostID: p.ID}
		if err := rows.Scan(&f.Order, &f.URL, &f.MediaType); err != nil {
			rows.Close()
			return nil, err
		}
		b.RemoteFiles = append(b.RemoteFiles, f)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(s.q(`SELECT `+localFileColumns+` FROM local_files
		WHERE post_id = ? ORDER BY ord`), postID)
	if err != nil {
		return nil, fmt.Errorf("load local files: %w", err)
	}
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		b.LocalFiles = append(b.LocalFiles, *f)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(s.q(`SELECT user_uri, name FROM mentions WHERE post_id = ?`), postID)
	if err != nil {
		return nil, fmt.Errorf("load mentions: %w", err)
	}
	for rows.Next() {
		m := model.Mention{PostID: p.ID}
		if err := rows.Scan(&m.UserURI, &m.Name); err != nil {
			rows.Close()
			return nil, err
		}
		b.Mentions = append(b.Mentions, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(s.q(`SELECT name FROM hashtags WHERE post_id = ?`), postID)
	if err != nil {
		return nil, fmt.Errorf("load hashtags: %w", err)
	}
	for rows.Next() {
		h := model.Hashtag{PostID: p.ID}
		if err := rows.Scan(&h.Name); err != nil {
			rows.Close()
			return nil, err
		}
		b.Hashtags = append(b.Hashtags, h)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(s.q(`SELECT name, uri, media_type, image_url FROM post_emojis
		WHERE post_id = ?`), postID)
	if err != nil {
		return nil, fmt.Errorf("load post emojis: %w", err)
	}
	for rows.Next() {
		e := model.PostEmoji{PostID: p.ID}
		if err := rows.Scan(&e.Name, &e.URI, &e.MediaType, &e.ImageURL); err != nil {
			rows.Close()
			return nil, err
		}
		b.Emojis = append(b.Emojis, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	return b, nil
}

// DeletePost removes a post by internal id. Returns false when absent.
func (s *Store) DeletePost(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(s.q(`DELETE FROM posts WHERE id = ?`), idArg(id))
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeletePostByURI removes a post by ActivityPub object id. Returns the
// deleted post's internal id, or false when absent.
func (s *Store) DeletePostByURI(uri string) (uuid.UUID, bool, error) {
	var idStr string
	err := s.db.QueryRow(s.q(`SELECT id FROM posts WHERE uri = ?`), uri).Scan(&idStr)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("select post for delete: %w", err)
	}
	id := parseID(idStr)
	deleted, err := s.DeletePost(id)
	return id, deleted, err
}

// ListPosts returns the newest posts, bundled, newest first.
func (s *Store) ListPosts(limit int) ([]PostBundle, error) {
	rows, err := s.db.Query(s.q(`SELECT `+postColumns+` FROM posts
		ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		posts = append(posts, *p)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	bundles := make([]PostBundle, 0, len(posts))
	for i := range posts {
		b, err := s.loadBundle(&posts[i])
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, *b)
	}
	return bundles, nil
}

// CountLocalPosts counts posts authored by the local actor, for NodeInfo.
func (s *Store) CountLocalPosts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE user_id IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count local posts: %w", err)
	}
	return n, nil
}

// closeRows closes rows and surfaces the iteration error.
func closeRows(rows *sql.Rows) error {
	defer rows.Close()
	return rows.Err()
}
