package store

// NodeRow is the persisted view of a registered radio node. The in-memory
// registry is the source of truth while running; these rows rehydrate it
// after a restart.
type NodeRow struct {
	Serial   string `json:"serial"`
	Pipe     int    `json:"pipe"`
	Firmware string `json:"firmware"`
	State    string `json:"state"`
	LastSeen string `json:"last_seen"`
}

// UpsertNode records a node's current assignment and liveness.
func (db *DB) UpsertNode(n NodeRow) error {
	_, err := db.Exec(`INSERT INTO nodes (serial, pipe, firmware, state, last_seen)
		VALUES (?, ?, ?, ?, datetime('now','localtime'))
		ON CONFLICT(serial) DO UPDATE SET
			pipe = excluded.pipe,
			firmware = excluded.firmware,
			state = excluded.state,
			last_seen = excluded.last_seen`,
		n.Serial, n.Pipe, n.Firmware, n.State)
	return err
}

// ListNodes returns all persisted nodes ordered by pipe.
func (db *DB) ListNodes() ([]NodeRow, error) {
	rows, err := db.Query(`SELECT serial, pipe, firmware, state, last_seen FROM nodes ORDER BY pipe`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		if err := rows.Scan(&n.Serial, &n.Pipe, &n.Firmware, &n.State, &n.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNode removes a node record after its pipe has been reclaimed.
func (db *DB) DeleteNode(serial string) error {
	_, err := db.Exec(`DELETE FROM nodes WHERE serial = ?`, serial)
	return err
}
