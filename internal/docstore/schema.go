package docstore

// schema holds one generic table. Every statement must run on both SQLite and
// PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		path       TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		doc_id     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection)`,
}

const (
	selectColumns = `path, collection, doc_id, data, created_at, updated_at`

	upsertDocument = `INSERT INTO documents (path, collection, doc_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`

	deleteDocument = `DELETE FROM documents WHERE path = ?`
)
