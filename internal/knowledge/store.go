package knowledge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/ansuz/internal/apperr"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS books (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	path       TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id          TEXT PRIMARY KEY,
	book_id          TEXT NOT NULL,
	parent_id        TEXT NOT NULL DEFAULT '',
	level            INTEGER NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT '',
	key_concepts     TEXT NOT NULL DEFAULT '[]',
	formulas         TEXT NOT NULL DEFAULT '[]',
	source_chunk_ids TEXT NOT NULL DEFAULT '[]',
	start_char       INTEGER NOT NULL DEFAULT 0,
	end_char         INTEGER NOT NULL DEFAULT 0,
	body             TEXT NOT NULL DEFAULT '',
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_nodes_book ON nodes(book_id);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
`

// TreeIndex defines the storage operations the rest of the system needs
// from the knowledge index. Consumers should depend on this interface
// rather than the concrete *DB type to facilitate testing with mocks.
type TreeIndex interface {
	UpsertBook(b BookRecord) error
	DeleteBook(id string) error
	GetBook(id string) (*BookRecord, error)
	ListBooks() ([]BookRecord, error)
	BookChecksum(id string) (string, error)
	UpsertNode(n NodeRecord, body string) error
	GetNode(id string) (*NodeRecord, error)
	NodeBody(id string) (string, error)
	ListNodes(bookID string) ([]NodeRecord, error)
	AllNodes() ([]NodeRecord, error)
	Search(query string, limit int) ([]SearchResult, error)
	Close() error
}

// Verify *DB satisfies TreeIndex at compile time.
var _ TreeIndex = (*DB)(nil)

// SearchResult represents one search hit over node content.
type SearchResult struct {
	NodeID  string
	Title   string
	Snippet string
}

// DB wraps a sql.DB with knowledge-index operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("knowledge: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("knowledge: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("knowledge: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("knowledge: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// UpsertBook inserts or replaces a library entry.
func (db *DB) UpsertBook(b BookRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO books (id, title, path, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			path       = excluded.path,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, b.ID, b.Title, b.Path, b.Checksum, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("knowledge: upsert book: %w", err)
	}
	return nil
}

// DeleteBook removes a book and all of its nodes.
func (db *DB) DeleteBook(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("knowledge: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	rows, err := tx.Query(`SELECT node_id FROM nodes WHERE book_id = ?`, id)
	if err != nil {
		return fmt.Errorf("knowledge: list book nodes: %w", err)
	}
	var nodeIDs []string
	for rows.Next() {
		var nid string
		if err := rows.Scan(&nid); err != nil {
			rows.Close()
			return err
		}
		nodeIDs = append(nodeIDs, nid)
	}
	rows.Close()

	for _, nid := range nodeIDs {
		ftsDelete(tx, nid)
	}
	_, _ = tx.Exec(`DELETE FROM nodes WHERE book_id = ?`, id)
	_, _ = tx.Exec(`DELETE FROM books WHERE id = ?`, id)

	return tx.Commit()
}

// GetBook returns one library entry.
func (db *DB) GetBook(id string) (*BookRecord, error) {
	var b BookRecord
	err := db.conn.QueryRow(`
		SELECT id, title, path, checksum, updated_at,
		       (SELECT COUNT(*) FROM nodes WHERE book_id = books.id)
		FROM books WHERE id = ?
	`, id).Scan(&b.ID, &b.Title, &b.Path, &b.Checksum, &b.UpdatedAt, &b.NodeCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get book: %w", err)
	}
	return &b, nil
}

// ListBooks returns every library entry ordered by id.
func (db *DB) ListBooks() ([]BookRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, title, path, checksum, updated_at,
		       (SELECT COUNT(*) FROM nodes WHERE book_id = books.id)
		FROM books ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list books: %w", err)
	}
	defer rows.Close()

	var out []BookRecord
	for rows.Next() {
		var b BookRecord
		if err := rows.Scan(&b.ID, &b.Title, &b.Path, &b.Checksum, &b.UpdatedAt, &b.NodeCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BookChecksum returns the stored checksum, or empty string if the book
// is not indexed.
func (db *DB) BookChecksum(id string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM books WHERE id = ?`, id).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// UpsertNode inserts or replaces a node and its FTS entry.
func (db *DB) UpsertNode(n NodeRecord, body string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("knowledge: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	concepts, _ := json.Marshal(n.KeyConcepts)
	formulas, _ := json.Marshal(n.Formulas)
	chunks, _ := json.Marshal(n.SourceChunkIDs)

	_, err = tx.Exec(`
		INSERT INTO nodes (node_id, book_id, parent_id, level, title, summary,
		                   key_concepts, formulas, source_chunk_ids,
		                   start_char, end_char, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			book_id          = excluded.book_id,
			parent_id        = excluded.parent_id,
			level            = excluded.level,
			title            = excluded.title,
			summary          = excluded.summary,
			key_concepts     = excluded.key_concepts,
			formulas         = excluded.formulas,
			source_chunk_ids = excluded.source_chunk_ids,
			start_char       = excluded.start_char,
			end_char         = excluded.end_char,
			body             = excluded.body,
			updated_at       = excluded.updated_at
	`, n.NodeID, n.BookID, n.ParentID, n.Level, n.Title, n.Summary,
		string(concepts), string(formulas), string(chunks),
		n.StartChar, n.EndChar, body, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("knowledge: upsert node: %w", err)
	}

	if err := ftsUpsert(tx, n.NodeID, n.Title, n.Summary, body); err != nil {
		return err
	}
	return tx.Commit()
}

const nodeColumns = `node_id, book_id, parent_id, level, title, summary,
	key_concepts, formulas, source_chunk_ids, start_char, end_char, updated_at`

func scanNode(scan func(...any) error) (*NodeRecord, error) {
	var n NodeRecord
	var concepts, formulas, chunks string
	err := scan(&n.NodeID, &n.BookID, &n.ParentID, &n.Level, &n.Title, &n.Summary,
		&concepts, &formulas, &chunks, &n.StartChar, &n.EndChar, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(concepts), &n.KeyConcepts)
	_ = json.Unmarshal([]byte(formulas), &n.Formulas)
	_ = json.Unmarshal([]byte(chunks), &n.SourceChunkIDs)
	return &n, nil
}

// GetNode returns one node record.
func (db *DB) GetNode(id string) (*NodeRecord, error) {
	row := db.conn.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get node: %w", err)
	}
	return n, nil
}

// NodeBody returns the raw source text of a node.
func (db *DB) NodeBody(id string) (string, error) {
	var body string
	err := db.conn.QueryRow(`SELECT body FROM nodes WHERE node_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrNodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("knowledge: node body: %w", err)
	}
	return body, nil
}

// ListNodes returns all nodes of one book in document order.
func (db *DB) ListNodes(bookID string) ([]NodeRecord, error) {
	return db.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE book_id = ? ORDER BY start_char`, bookID)
}

// AllNodes returns every node in the index.
func (db *DB) AllNodes() ([]NodeRecord, error) {
	return db.queryNodes(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY book_id, start_char`)
}

func (db *DB) queryNodes(query string, args ...any) ([]NodeRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: query nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// LoadTree builds the in-memory tree over every indexed node.
func (db *DB) LoadTree() (*Tree, error) {
	records, err := db.AllNodes()
	if err != nil {
		return nil, err
	}
	return BuildTree(records), nil
}
