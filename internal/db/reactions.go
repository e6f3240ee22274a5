package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

const reactionColumns = `id, created_at, user_id, post_id, content, uri,
	emoji_uri, emoji_media_type, emoji_image_url`

func scanReaction(r rowScanner) (*model.Reaction, error) {
	var (
		re                         model.Reaction
		id, createdAt, postID      string
		userID, uri                sql.NullString
		emojiURI, emojiMT, emojiIU sql.NullString
	)
	err := r.Scan(&id, &createdAt, &userID, &postID, &re.Content, &uri,
		&emojiURI, &emojiMT, &emojiIU)
	if err != nil {
		return nil, err
	}
	re.ID = parseID(id)
	re.CreatedAt = tparse(createdAt)
	re.UserID = idPtr(userID)
	re.PostID = parseID(postID)
	re.URI = strPtr(uri)
	re.EmojiURI = strPtr(emojiURI)
	re.EmojiMediaType = strPtr(emojiMT)
	re.EmojiImageURL = strPtr(emojiIU)
	return &re, nil
}

// UpsertRemoteReaction writes a remote Like. Redelivery of the same
// activity updates the row in place, and so does a re-like minted under
// a fresh activity id (the earlier Undo may have been lost in transit);
// either way the actor holds at most one reaction per post.
func (s *Store) UpsertRemoteReaction(r *model.Reaction) error {
	if r.ID == uuid.Nil {
		r.ID = model.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.q(`UPDATE reactions SET
				content = ?, uri = ?, emoji_uri = ?, emoji_media_type = ?, emoji_image_url = ?
			WHERE user_id = ? AND post_id = ?`),
			r.Content, strPtrArg(r.URI), strPtrArg(r.EmojiURI), strPtrArg(r.EmojiMediaType),
			strPtrArg(r.EmojiImageURL), idPtrArg(r.UserID), idArg(r.PostID))
		if err != nil {
			return fmt.Errorf("update reaction: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update reaction: %w", err)
		} else if n > 0 {
			return nil
		}
		_, err = tx.Exec(s.q(`INSERT INTO reactions
			(id, created_at, user_id, post_id, content, uri, emoji_uri, emoji_media_type, emoji_image_url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			idArg(r.ID), tstr(r.CreatedAt), idPtrArg(r.UserID), idArg(r.PostID), r.Content,
			strPtrArg(r.URI), strPtrArg(r.EmojiURI), strPtrArg(r.EmojiMediaType), strPtrArg(r.EmojiImageURL))
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		return nil
	})
}

// CreateLocalReaction records the local actor reacting to a post. The
// (user_id, post_id) uniqueness cannot rely on the constraint for NULL
// user_id, so the existence check runs in the same transaction.
func (s *Store) CreateLocalReaction(r *model.Reaction) error {
	if r.ID == uuid.Nil {
		r.ID = model.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.withTx(func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRow(s.q(`SELECT COUNT(*) FROM reactions
			WHERE user_id IS NULL AND post_id = ?`), idArg(r.PostID)).Scan(&n)
		if err != nil {
			return fmt.Errorf("check existing reaction: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("reaction: %w", ErrDuplicate)
		}
		_, err = tx.Exec(s.q(`INSERT INTO reactions
			(id, created_at, user_id, post_id, content, uri, emoji_uri, emoji_media_type, emoji_image_url)
			VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?)`),
			idArg(r.ID), tstr(r.CreatedAt), idArg(r.PostID), r.Content,
			strPtrArg(r.URI), strPtrArg(r.EmojiURI), strPtrArg(r.EmojiMediaType), strPtrArg(r.EmojiImageURL))
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		return nil
	})
}

// DeleteReactionByURI removes a remote reaction by its Like activity
// uri, returning the deleted row. False means absent.
func (s *Store) DeleteReactionByURI(uri string) (*model.Reaction, bool, error) {
	r, err := scanReaction(s.db.QueryRow(s.q(`SELECT `+reactionColumns+` FROM reactions
		WHERE uri = ?`), uri))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select reaction: %w", err)
	}
	if _, err := s.db.Exec(s.q(`DELETE FROM reactions WHERE id = ?`), idArg(r.ID)); err != nil {
		return nil, false, fmt.Errorf("delete reaction: %w", err)
	}
	return r, true, nil
}

// DeleteLocalReaction removes the local actor's reaction on a post and
// returns it so the caller can build the matching Undo.
func (s *Store) DeleteLocalReaction(postID uuid.UUID) (*model.Reaction, bool, error) {
	r, err := scanReaction(s.db.QueryRow(s.q(`SELECT `+reactionColumns+` FROM reactions
		WHERE user_id IS NULL AND post_id = ?`), idArg(postID)))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select local reaction: %w", err)
	}
	if _, err := s.db.Exec(s.q(`DELETE FROM reactions WHERE id = ?`), idArg(r.ID)); err != nil {
		return nil, false, fmt.Errorf("delete local reaction: %w", err)
	}
	return r, true, nil
}

// ListReactionsForPost returns every reaction on a post, oldest first.
func (s *Store) ListReactionsForPost(postID uuid.UUID) ([]model.Reaction, error) {
	rows, err := s.db.Query(s.q(`SELECT `+reactionColumns+` FROM reactions
		WHERE post_id = ? ORDER BY created_at`), idArg(postID))
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	var reactions []model.Reaction
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reactions = append(reactions, *r)
	}
	return reactions, closeRows(rows)
}
