package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// The settings table is a singleton; its id is always the nil UUID.

const settingColumns = `id, instance_name, instance_description, user_name, user_description,
	avatar_file_id, banner_file_id, maintainer_name, maintainer_email, theme_color,
	user_public_key, user_private_key`

// GetSetting loads the singleton settings row. ErrNotFound means the
// instance has not been bootstrapped yet.
func (s *Store) GetSetting() (*model.Setting, error) {
	var (
		st                           model.Setting
		id                           string
		iname, idesc, uname, udesc   sql.NullString
		avatarID, bannerID           sql.NullString
		maintName, maintEmail, theme sql.NullString
	)
	err := s.db.QueryRow(`SELECT ` + settingColumns + ` FROM settings`).Scan(
		&id, &iname, &idesc, &uname, &udesc, &avatarID, &bannerID,
		&maintName, &maintEmail, &theme, &st.UserPublicKey, &st.UserPrivateKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	st.ID = parseID(id)
	st.InstanceName = strPtr(iname)
	st.InstanceDescription = strPtr(idesc)
	st.UserName = strPtr(uname)
	st.UserDescription = strPtr(udesc)
	st.AvatarFileID = idPtr(avatarID)
	st.BannerFileID = idPtr(bannerID)
	st.MaintainerName = strPtr(maintName)
	st.MaintainerEmail = strPtr(maintEmail)
	st.ThemeColor = strPtr(theme)
	return &st, nil
}

// CreateSetting bootstraps the singleton row with a fresh keypair.
func (s *Store) CreateSetting(publicKeyPEM, privateKeyPEM string) (*model.Setting, error) {
	st := &model.Setting{ID: uuid.Nil, UserPublicKey: publicKeyPEM, UserPrivateKey: privateKeyPEM}
	_, err := s.db.Exec(s.q(`INSERT INTO settings (id, user_public_key, user_private_key)
		VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		idArg(st.ID), st.UserPublicKey, st.UserPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create setting: %w", err)
	}
	return s.GetSetting()
}

// UpdateSetting persists every mutable settings column. The keypair is
// write-once at bootstrap and not touched here.
func (s *Store) UpdateSetting(st *model.Setting) error {
	_, err := s.db.Exec(s.q(`UPDATE settings SET
		instance_name = ?, instance_description = ?, user_name = ?, user_description = ?,
		avatar_file_id = ?, banner_file_id = ?, maintainer_name = ?, maintainer_email = ?,
		theme_color = ?
		WHERE id = ?`),
		strPtrArg(st.InstanceName), strPtrArg(st.InstanceDescription),
		strPtrArg(st.UserName), strPtrArg(st.UserDescription),
		idPtrArg(st.AvatarFileID), idPtrArg(st.BannerFileID),
		strPtrArg(st.MaintainerName), strPtrArg(st.MaintainerEmail),
		strPtrArg(st.ThemeColor), idArg(st.ID))
	if err != nil {
		return fmt.Errorf("update setting: %w", err)
	}
	return nil
}

// ─── Access keys ──────────────────────────────────────────────────────────────

// CreateAccessKey mints a new admin session credential.
func (s *Store) CreateAccessKey(name string) (*model.AccessKey, error) {
	k := &model.AccessKey{ID: model.NewID(), CreatedAt: time.Now(), Name: name}
	_, err := s.db.Exec(s.q(`INSERT INTO access_keys (id, created_at, name) VALUES (?, ?, ?)`),
		idArg(k.ID), tstr(k.CreatedAt), k.Name)
	if err != nil {
		return nil, fmt.Errorf("create access key: %w", err)
	}
	return k, nil
}

// TouchAccessKey validates a presented key and records its use.
// ErrNotFound means the key was revoked or never existed.
func (s *Store) TouchAccessKey(id uuid.UUID) error {
	res, err := s.db.Exec(s.q(`UPDATE access_keys SET last_used_at = ? WHERE id = ?`),
		tstr(time.Now()), idArg(id))
	if err != nil {
		return fmt.Errorf("touch access key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccessKeys returns every session credential, newest first.
func (s *Store) ListAccessKeys() ([]model.AccessKey, error) {
	rows, err := s.db.Query(`SELECT id, created_at, name, last_used_at FROM access_keys
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list access keys: %w", err)
	}
	var keys []model.AccessKey
	for rows.Next() {
		var (
			k           model.AccessKey
			id, created string
			lastUsed    sql.NullString
		)
		if err := rows.Scan(&id, &created, &k.Name, &lastUsed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan access key: %w", err)
		}
		k.ID = parseID(id)
		k.CreatedAt = tparse(created)
		k.LastUsedAt = tptr(lastUsed)
		keys = append(keys, k)
	}
	return keys, closeRows(rows)
}

// DeleteAccessKey revokes a session credential. Returns false when absent.
func (s *Store) DeleteAccessKey(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec(s.q(`DELETE FROM access_keys WHERE id = ?`), idArg(id))
	if err != nil {
		return false, fmt.Errorf("delete access key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
