package store

import (
	"database/sql"
	"strconv"
	"time"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. Missing keys return "".
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetWatermark records the newest known message timestamp for a conversation.
func (db *DB) SetWatermark(conversationID string, ts int64) error {
	return db.SetCheckpoint("watermark:"+conversationID, strconv.FormatInt(ts, 10))
}

// GetWatermark returns the newest known message timestamp for a
// conversation, or 0 if none has been recorded.
func (db *DB) GetWatermark(conversationID string) (int64, error) {
	v, err := db.GetCheckpoint("watermark:" + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
