package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"collab-blocks/pkg/history"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore keeps document metadata, the per document update log and
// version history in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ history.Store = (*PostgresStore)(nil)

// Open connects to the database and checks the connection.
func Open(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const documentColumns = `id, title, created_at, updated_at, version`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	doc := &Document{}
	err := row.Scan(&doc.ID, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt, &doc.Version)
	return doc, err
}

func (s *PostgresStore) CreateDocument(ctx context.Context, title string) (*Document, error) {
	now := s.now().UTC()
	query := `
		INSERT INTO documents (id, title, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, uuid.NewString(), title, now, now))
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, updates *DocumentUpdate) (*Document, error) {
	if updates == nil || updates.Title == nil {
		return s.GetDocument(ctx, id)
	}
	query := `
		UPDATE documents
		SET title = $1, updated_at = $2
		WHERE id = $3
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, *updates.Title, s.now().UTC(), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the document with its update log and versions.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx DBTX) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrDocumentNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_updates WHERE object_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete updates: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_versions WHERE object_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete versions: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update log.

// LoadUpdates returns every stored update of objectID in append order and
// the id of the last one, for CompactUpdates.
func (s *PostgresStore) LoadUpdates(ctx context.Context, objectID string) ([][]byte, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM document_updates WHERE object_id = $1 ORDER BY id`, objectID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load updates: %w", err)
	}
	defer rows.Close()

	var (
		updates [][]byte
		last    int64
	)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&last, &data); err != nil {
			return nil, 0, fmt.Errorf("failed to scan update: %w", err)
		}
		updates = append(updates, data)
	}
	return updates, last, rows.Err()
}

// AppendUpdate stores an update and bumps the document version, creating
// the metadata row for objects first seen over the websocket.
func (s *PostgresStore) AppendUpdate(ctx context.Context, objectID string, update []byte) error {
	now := s.now().UTC()
	return s.withTx(ctx, func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_updates (object_id, data, created_at) VALUES ($1, $2, $3)`,
			objectID, update, now); err != nil {
			return fmt.Errorf("failed to append update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, title, created_at, updated_at, version)
			VALUES ($1, '', $2, $2, 1)
			ON CONFLICT (id) DO UPDATE
			SET version = documents.version + 1, updated_at = EXCLUDED.updated_at`,
			objectID, now); err != nil {
			return fmt.Errorf("failed to bump version: %w", err)
		}
		return nil
	})
}

// CompactUpdates replaces the updates up to and including id through with
// one encoded state. Updates appended later are kept.
func (s *PostgresStore) CompactUpdates(ctx context.Context, objectID string, state []byte, through int64) error {
	return s.withTx(ctx, func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_updates WHERE object_id = $1 AND id <= $2`, objectID, through); err != nil {
			return fmt.Errorf("failed to compact updates: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_updates (object_id, data, created_at) VALUES ($1, $2, $3)`,
			objectID, state, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to store compacted state: %w", err)
		}
		return nil
	})
}

// Versions.

func (s *PostgresStore) CreateVersion(ctx context.Context, rec history.VersionRecord) (history.VersionRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.CollabType == "" {
		rec.CollabType = history.CollabType
	}
	if rec.Editors == nil {
		rec.Editors = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions (id, object_id, parent_id, name, created_at, editors, collab_type, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ObjectID, nullString(rec.ParentID), rec.Name, rec.CreatedAt,
		pq.Array(rec.Editors), rec.CollabType, rec.Snapshot)
	if err != nil {
		return history.VersionRecord{}, fmt.Errorf("failed to create version: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, objectID string) ([]history.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, object_id, parent_id, name, created_at, deleted_at, editors, collab_type
		FROM document_versions
		WHERE object_id = $1
		ORDER BY id`, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	out := []history.VersionRecord{}
	for rows.Next() {
		rec, err := scanVersion(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, objectID, versionID string) (history.VersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, object_id, parent_id, name, created_at, deleted_at, editors, collab_type, snapshot
		FROM document_versions
		WHERE object_id = $1 AND id = $2`, objectID, versionID)
	rec, err := scanVersion(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.VersionRecord{}, history.ErrVersionNotFound
		}
		return history.VersionRecord{}, fmt.Errorf("failed to get version: %w", err)
	}
	return rec, nil
}

// DeleteVersion tombstones a version. Deleting a tombstoned version is a
// no-op.
func (s *PostgresStore) DeleteVersion(ctx context.Context, objectID, versionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_versions
		SET deleted_at = COALESCE(deleted_at, $1)
		WHERE object_id = $2 AND id = $3`, s.now().UTC(), objectID, versionID)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return history.ErrVersionNotFound
	}
	return nil
}

func scanVersion(row interface{ Scan(...any) error }, withSnapshot bool) (history.VersionRecord, error) {
	var (
		rec     history.VersionRecord
		parent  sql.NullString
		deleted sql.NullTime
		editors pq.StringArray
	)
	dest := []any{&rec.ID, &rec.ObjectID, &parent, &rec.Name, &rec.CreatedAt, &deleted, &editors, &rec.CollabType}
	if withSnapshot {
		dest = append(dest, &rec.Snapshot)
	}
	if err := row.Scan(dest...); err != nil {
		return history.VersionRecord{}, err
	}
	rec.ParentID = parent.String
	if deleted.Valid {
		t := deleted.Time
		rec.DeletedAt = &t
	}
	if len(editors) > 0 {
		rec.Editors = []string(editors)
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
