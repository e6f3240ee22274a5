package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

const localFileColumns = `id, created_at, object_store_key, object_store_type,
	media_type, url, post_id, ord, emoji_name`

func scanLocalFile(r rowScanner) (*model.LocalFile, error) {
	var (
		f                 model.LocalFile
		id, createdAt     string
		postID, emojiName sql.NullString
		ord               sql.NullInt64
	)
	err := r.Scan(&id, &createdAt, &f.ObjectStoreKey, &f.ObjectStoreType,
		&f.MediaType, &f.URL, &postID, &ord, &emojiName)
	if err != nil {
		return nil, err
	}
	f.ID = parseID(id)
	f.CreatedAt = tparse(createdAt)
	f.PostID = idPtr(postID)
	f.Order = intPtr(ord)
	f.EmojiName = strPtr(emojiName)
	return &f, nil
}

// CreateLocalFile records an uploaded object. The row starts unattached;
// a later post or emoji binding claims it.
func (s *Store) CreateLocalFile(f *model.LocalFile) error {
	if f.ID == uuid.Nil {
		f.ID = model.NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(s.q(`INSERT INTO local_files
		(id, created_at, object_store_key, object_store_type, media_type, url, post_id, ord, emoji_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		idArg(f.ID), tstr(f.CreatedAt), f.ObjectStoreKey, f.ObjectStoreType,
		f.MediaType, f.URL, idPtrArg(f.PostID), intPtrArg(f.Order), strPtrArg(f.EmojiName))
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	return nil
}

// GetLocalFile loads one uploaded object by id.
func (s *Store) GetLocalFile(id uuid.UUID) (*model.LocalFile, error) {
	f, err := scanLocalFile(s.db.QueryRow(s.q(`SELECT `+localFileColumns+`
		FROM local_files WHERE id = ?`), idArg(id)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get local file: %w", err)
	}
	return f, nil
}

// ListLocalFiles returns the newest uploads first.
func (s *Store) ListLocalFiles(limit int) ([]model.LocalFile, error) {
	rows, err := s.db.Query(s.q(`SELECT `+localFileColumns+` FROM local_files
		ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list local files: %w", err)
	}
	var files []model.LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		files = append(files, *f)
	}
	return files, closeRows(rows)
}

// DeleteLocalFile removes an upload row and returns it so the caller
// can also remove the stored object. Returns false when absent.
func (s *Store) DeleteLocalFile(id uuid.UUID) (*model.LocalFile, bool, error) {
	f, err := s.GetLocalFile(id)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := s.db.Exec(s.q(`DELETE FROM local_files WHERE id = ?`), idArg(id)); err != nil {
		return nil, false, fmt.Errorf("delete local file: %w", err)
	}
	return f, true, nil
}

// EmojiEntry is a registered emoji joined with its image file.
type EmojiEntry struct {
	Emoji     model.Emoji
	ImageURL  string
	MediaType string
}

// CreateEmoji registers a custom emoji name and binds an unattached
// upload as its image, in one transaction. A taken name or an already
// claimed file reports ErrDuplicate / ErrNotFound respectively.
func (s *Store) CreateEmoji(name string, fileID uuid.UUID) (*model.Emoji, error) {
	e := &model.Emoji{ID: model.NewID(), CreatedAt: time.Now(), Name: name}
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(s.q(`INSERT INTO emojis (id, created_at, name) VALUES (?, ?, ?)`),
			idArg(e.ID), tstr(e.CreatedAt), e.Name)
		if err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("emoji %q: %w", name, ErrDuplicate)
			}
			return fmt.Errorf("insert emoji: %w", err)
		}
		res, err := tx.Exec(s.q(`UPDATE local_files SET emoji_name = ?
			WHERE id = ? AND post_id IS NULL AND emoji_name IS NULL`), name, idArg(fileID))
		if err != nil {
			return fmt.Errorf("bind emoji file: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("emoji file %s: %w", model.IDString(fileID), ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEmojiByName resolves a registered emoji and its image.
func (s *Store) GetEmojiByName(name string) (*EmojiEntry, error) {
	return s.scanEmojiEntry(s.db.QueryRow(s.q(`SELECT e.id, e.created_at, e.name, f.url, f.media_type
		FROM emojis e JOIN local_files f ON f.emoji_name = e.name WHERE e.name = ?`), name))
}

// ListEmojis returns every registered emoji with its image.
func (s *Store) ListEmojis() ([]EmojiEntry, error) {
	rows, err := s.db.Query(`SELECT e.id, e.created_at, e.name, f.url, f.media_type
		FROM emojis e JOIN local_files f ON f.emoji_name = e.name ORDER BY e.name`)
	if err != nil {
		return nil, fmt.Errorf("list emojis: %w", err)
	}
	var entries []EmojiEntry
	for rows.Next() {
		e, err := s.scanEmojiEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, closeRows(rows)
}

func (s *Store) scanEmojiEntry(r rowScanner) (*EmojiEntry, error) {
	var (
		e             EmojiEntry
		id, createdAt string
	)
	err := r.Scan(&id, &createdAt, &e.Emoji.Name, &e.ImageURL, &e.MediaType)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan emoji: %w", err)
	}
	e.Emoji.ID = parseID(id)
	e.Emoji.CreatedAt = tparse(createdAt)
	return &e, nil
}
