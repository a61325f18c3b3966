//go:build sqlite_fts5

package knowledge

import (
	"database/sql"
	"fmt"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			node_id UNINDEXED,
			title,
			summary,
			body,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, nodeID, title, summary, body string) error {
	_, _ = tx.Exec(`DELETE FROM nodes_fts WHERE node_id = ?`, nodeID)
	_, err := tx.Exec(`INSERT INTO nodes_fts (node_id, title, summary, body) VALUES (?, ?, ?, ?)`,
		nodeID, title, summary, body)
	if err != nil {
		return fmt.Errorf("knowledge: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, nodeID string) {
	_, _ = tx.Exec(`DELETE FROM nodes_fts WHERE node_id = ?`, nodeID)
}

// Search performs an FTS5 full-text search over node titles, summaries,
// and source text.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT node_id,
		       title,
		       snippet(nodes_fts, 3, '<b>', '</b>', '...', 64)
		FROM nodes_fts
		WHERE nodes_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.NodeID, &r.Title, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
