package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// SQLiteIndex is a content search index backed by an embedded SQLite
// database. It mirrors saves and deletes from the store; queries use a
// case-insensitive substring match over content and tags.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (or creates) the index database at path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	// One writer; the store serializes saves anyway.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS memory_index (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS memory_index_type ON memory_index(type);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init search index: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Index upserts an entry.
func (i *SQLiteIndex) Index(entry models.MemoryEntry) error {
	_, err := i.db.Exec(`
INSERT INTO memory_index (id, type, content, tags, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	content = excluded.content,
	tags = excluded.tags`,
		entry.ID, string(entry.Type), entry.Content,
		strings.Join(entry.Tags, ","), entry.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	return err
}

// Remove deletes an entry from the index.
func (i *SQLiteIndex) Remove(id string) error {
	_, err := i.db.Exec(`DELETE FROM memory_index WHERE id = ?`, id)
	return err
}

// Search returns matching entry IDs, newest first.
func (i *SQLiteIndex) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 40
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := i.db.QueryContext(ctx, `
SELECT id FROM memory_index
WHERE lower(content) LIKE ? ESCAPE '\' OR lower(tags) LIKE ? ESCAPE '\'
ORDER BY created_at DESC
LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (i *SQLiteIndex) Close() error {
	return i.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
