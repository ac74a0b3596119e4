package store

// InsertAction durably records an offline action before any replay attempt.
func (db *DB) InsertAction(a *Action) error {
	_, err := db.Exec(`
		INSERT INTO actions (id, type, payload, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Payload, a.RetryCount, a.MaxRetries, a.CreatedAt)
	return err
}

// PendingActions returns all persisted actions in enqueue order.
func (db *DB) PendingActions() ([]Action, error) {
	rows, err := db.Query(`
		SELECT id, type, payload, retry_count, max_retries, created_at
		FROM actions ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Type, &a.Payload, &a.RetryCount, &a.MaxRetries, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// BumpActionRetry persists an incremented retry count for an action.
func (db *DB) BumpActionRetry(id string, retryCount int) error {
	_, err := db.Exec(`UPDATE actions SET retry_count = ? WHERE id = ?`, retryCount, id)
	return err
}

// DeleteAction removes an action after success, conflict or exhaustion.
func (db *DB) DeleteAction(id string) error {
	_, err := db.Exec(`DELETE FROM actions WHERE id = ?`, id)
	return err
}

// ActionCount returns the number of persisted actions.
func (db *DB) ActionCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM actions`).Scan(&count)
	return count, err
}
