package store

// UpdateLogEntry is one state transition of a firmware update session,
// journaled so an operator can reconstruct what happened after the fact.
type UpdateLogEntry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	State     string `json:"state"`
	Detail    string `json:"detail"`
	At        string `json:"at"`
}

// AppendUpdateLog journals a session state transition.
func (db *DB) AppendUpdateLog(sessionID, target, state, detail string) error {
	_, err := db.Exec(`INSERT INTO update_log (session_id, target, state, detail) VALUES (?, ?, ?, ?)`,
		sessionID, target, state, detail)
	return err
}

// UpdateHistory returns the journal for one session, oldest first.
func (db *DB) UpdateHistory(sessionID string) ([]UpdateLogEntry, error) {
	rows, err := db.Query(`SELECT id, session_id, target, state, detail, at FROM update_log WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UpdateLogEntry
	for rows.Next() {
		var e UpdateLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Target, &e.State, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentUpdates returns the most recent journal entries across all sessions.
func (db *DB) RecentUpdates(limit int) ([]UpdateLogEntry, error) {
	rows, err := db.Query(`SELECT id, session_id, target, state, detail, at FROM update_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UpdateLogEntry
	for rows.Next() {
		var e UpdateLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Target, &e.State, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
