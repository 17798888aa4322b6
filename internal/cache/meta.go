package cache

import (
	"database/sql"
	"time"
)

// MetaLocalUserID is the meta key holding the last identity assignment, so
// warmed unread counters can be keyed before the next assignment arrives.
const MetaLocalUserID = "local_user_id"

// SetMeta stores a key/value pair in the meta table.
func (db *DB) SetMeta(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetMeta retrieves a meta value. Missing keys return "".
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
