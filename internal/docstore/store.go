// Package docstore is a path-addressed JSON document store with realtime
// listeners, backed by SQLite or PostgreSQL through sqlx.
//
// Documents live at even-length paths (users/u1/trades/t1) inside collections
// at odd-length paths (users/u1/trades). Writes are last-write-wins.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("invalid path")
)

// Document is one stored record.
type Document struct {
	Path      string
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	raw []byte
}

// DataTo decodes the document fields into v.
func (d *Document) DataTo(v any) error {
	return json.Unmarshal(d.raw, v)
}

// Direction is a query sort order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Query selects documents within one collection. With OrderBy set, documents
// lacking that field are left out; without it, results are ordered by id.
type Query struct {
	OrderBy   string
	Direction Direction
	Limit     int
}

// Op is the kind of a Write.
type Op int

const (
	OpSet Op = iota
	OpMerge
	OpUpdate
	OpDelete
)

// Write is one mutation inside a Commit.
type Write struct {
	Op   Op
	Path string
	Data map[string]any
}

// SetOp replaces the document at path.
func SetOp(path string, data map[string]any) Write {
	return Write{Op: OpSet, Path: path, Data: data}
}

// MergeOp creates the document or overlays data onto its top-level fields.
func MergeOp(path string, data map[string]any) Write {
	return Write{Op: OpMerge, Path: path, Data: data}
}

// UpdateOp overlays data onto an existing document; it fails with ErrNotFound otherwise.
func UpdateOp(path string, data map[string]any) Write {
	return Write{Op: OpUpdate, Path: path, Data: data}
}

// DeleteOp removes the document at path. Deleting a missing document is not an error.
func DeleteOp(path string) Write {
	return Write{Op: OpDelete, Path: path}
}

type row struct {
	Path       string `db:"path"`
	Collection string `db:"collection"`
	DocID      string `db:"doc_id"`
	Data       string `db:"data"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// Store is the SQL-backed document store.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	hub    *hub
	now    func() time.Time
}

// Open connects to the database for driver ("sqlite" or "postgres") and
// applies the schema.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; avoids SQLITE_BUSY under concurrent listeners.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping %s: %w", driver, err)
	}

	s, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("docstore: apply schema: %w", err)
		}
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "docstore"),
		hub:    newHub(),
		now:    time.Now,
	}, nil
}

// Close stops all listeners and closes the database.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// Get returns the document at path or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (*Document, error) {
	if _, err := splitPath(path, true); err != nil {
		return nil, err
	}
	return getDocument(ctx, s.db, path)
}

// Set replaces the document at path.
func (s *Store) Set(ctx context.Context, path string, data map[string]any) error {
	return s.Commit(ctx, SetOp(path, data))
}

// Merge creates the document at path or overlays data onto it.
func (s *Store) Merge(ctx context.Context, path string, data map[string]any) error {
	return s.Commit(ctx, MergeOp(path, data))
}

// Update overlays data onto the existing document at path.
func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	return s.Commit(ctx, UpdateOp(path, data))
}

// Delete removes the document at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Commit(ctx, DeleteOp(path))
}

// Add stores data under a new random id in collection and returns the id.
func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if _, err := splitPath(collection, false); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Commit(ctx, SetOp(Path(collection, id), data)); err != nil {
		return "", err
	}
	return id, nil
}

// Query returns the documents in collection ordered and limited by q.
func (s *Store) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if _, err := splitPath(collection, false); err != nil {
		return nil, err
	}

	var rows []row
	stmt := s.db.Rebind(`SELECT ` + selectColumns + ` FROM documents WHERE collection = ?`)
	if err := s.db.SelectContext(ctx, &rows, stmt, collection); err != nil {
		return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.document()
		if err != nil {
			return nil, err
		}
		if q.OrderBy != "" {
			if _, ok := d.Data[q.OrderBy]; !ok {
				continue
			}
		}
		docs = append(docs, *d)
	}

	slices.SortStableFunc(docs, func(a, b Document) int {
		var c int
		if q.OrderBy == "" {
			c = compareValues(a.ID, b.ID)
		} else {
			c = compareValues(a.Data[q.OrderBy], b.Data[q.OrderBy])
		}
		if q.Direction == Desc {
			return -c
		}
		return c
	})

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Commit applies writes atomically and then notifies listeners.
func (s *Store) Commit(ctx context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if _, err := splitPath(w.Path, true); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	for _, w := range writes {
		if err := s.apply(ctx, tx, w, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: commit: %w", err)
	}

	paths := make([]string, len(writes))
	for i, w := range writes {
		paths[i] = w.Path
	}
	s.hub.notify(paths)
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, w Write, now time.Time) error {
	switch w.Op {
	case OpDelete:
		if _, err := tx.ExecContext(ctx, tx.Rebind(deleteDocument), w.Path); err != nil {
			return fmt.Errorf("docstore: delete %s: %w", w.Path, err)
		}
		return nil

	case OpSet:
		return upsert(ctx, tx, w.Path, resolveFields(w.Data, now), now)

	case OpMerge, OpUpdate:
		existing, err := getDocument(ctx, tx, w.Path)
		switch {
		case errors.Is(err, ErrNotFound) && w.Op == OpUpdate:
			return fmt.Errorf("docstore: update %s: %w", w.Path, err)
		case errors.Is(err, ErrNotFound):
			return upsert(ctx, tx, w.Path, resolveFields(w.Data, now), now)
		case err != nil:
			return err
		}
		merged := maps.Clone(existing.Data)
		if merged == nil {
			merged = make(map[string]any)
		}
		maps.Copy(merged, resolveFields(w.Data, now))
		return upsert(ctx, tx, w.Path, merged, now)

	default:
		return fmt.Errorf("docstore: unknown write op %d", w.Op)
	}
}

func upsert(ctx context.Context, tx *sqlx.Tx, path string, data map[string]any, now time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", path, err)
	}
	collection, id := parentOf(path)
	ts := now.Format(TimeLayout)
	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertDocument), path, collection, id, string(raw), ts, ts); err != nil {
		return fmt.Errorf("docstore: write %s: %w", path, err)
	}
	return nil
}

func getDocument(ctx context.Context, q sqlx.QueryerContext, path string) (*Document, error) {
	var r row
	stmt := sqlx.Rebind(sqlx.BindType(driverNameOf(q)), `SELECT `+selectColumns+` FROM documents WHERE path = ?`)
	if err := sqlx.GetContext(ctx, q, &r, stmt, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("docstore: get %s: %w", path, err)
	}
	return r.document()
}

// driverNameOf returns the driver behind a *sqlx.DB or *sqlx.Tx.
func driverNameOf(q sqlx.QueryerContext) string {
	switch v := q.(type) {
	case *sqlx.DB:
		return v.DriverName()
	case *sqlx.Tx:
		return v.DriverName()
	}
	return ""
}

func (r row) document() (*Document, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
		return nil, fmt.Errorf("docstore: decode %s: %w", r.Path, err)
	}
	created, err := time.Parse(TimeLayout, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("docstore: decode created_at of %s: %w", r.Path, err)
	}
	updated, err := time.Parse(TimeLayout, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("docstore: decode updated_at of %s: %w", r.Path, err)
	}
	return &Document{
		Path:      r.Path,
		ID:        r.DocID,
		Data:      data,
		CreatedAt: created,
		UpdatedAt: updated,
		raw:       []byte(r.Data),
	}, nil
}
