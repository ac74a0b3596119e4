package store

import (
	"database/sql"
	"time"
)

// GetCredential returns the stored credential, or nil if none is stored.
func (db *DB) GetCredential() (*Credential, error) {
	var c Credential
	err := db.QueryRow(`
		SELECT access_token, refresh_token, access_expires_at, refresh_expires_at
		FROM credentials WHERE id = 1`).
		Scan(&c.AccessToken, &c.RefreshToken, &c.AccessExpiresAt, &c.RefreshExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCredential atomically replaces the stored credential.
func (db *DB) SetCredential(c *Credential) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO credentials (id, access_token, refresh_token, access_expires_at, refresh_expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_expires_at = excluded.access_expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			updated_at = excluded.updated_at`,
		c.AccessToken, c.RefreshToken, c.AccessExpiresAt, c.RefreshExpiresAt, now)
	return err
}

// ClearCredential removes the stored credential.
func (db *DB) ClearCredential() error {
	_, err := db.Exec(`DELETE FROM credentials WHERE id = 1`)
	return err
}
