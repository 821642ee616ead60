package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/vectorindex"
)

// SQLiteStore keeps the snapshot in a single SQLite database. Save replaces
// the snapshot row and its items inside one transaction, so readers see the
// old snapshot or the new one and never a mix.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// path is the database location, kept for logs.
	path string
}

// OpenSQLite opens (or creates) a SQLiteStore at path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", path, err)
	}
	// A single connection keeps writers from tripping SQLITE_BUSY and makes
	// an in-memory database visible to every query.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS snapshots (
    id           INTEGER PRIMARY KEY CHECK(id = 1),
    fingerprint  TEXT    NOT NULL,
    model        TEXT    NOT NULL,
    count        INTEGER NOT NULL,
    dim          INTEGER NOT NULL,
    index_blob   BLOB    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (nanoseconds)
);
CREATE TABLE IF NOT EXISTS snapshot_items (
    position     INTEGER PRIMARY KEY,
    text         TEXT    NOT NULL,
    vector       BLOB    NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("indexstore: migrate: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With(slog.String("store", "sqlite"), slog.String("path", s.path))

	snap, err := s.load(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.Debug("indexstore: no persisted snapshot")
		return nil, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("indexstore: persisted snapshot unusable, treating as absent", slog.Any("error", err))
		return nil, nil
	}
	log.Debug("indexstore: loaded snapshot", slog.Int("count", snap.Len()), slog.Int("dim", snap.Dim()))
	return snap, nil
}

// load reads the snapshot row and its items inside one transaction.
func (s *SQLiteStore) load(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		snap      Snapshot
		count     int
		dim       int
		indexBlob []byte
		createdNs int64
	)
	const head = `SELECT fingerprint, model, count, dim, index_blob, created_at FROM snapshots WHERE id = 1`
	if err := tx.QueryRowContext(ctx, head).Scan(
		&snap.Fingerprint, &snap.Model, &count, &dim, &indexBlob, &createdNs,
	); err != nil {
		return nil, err
	}
	snap.CreatedAt = time.Unix(0, createdNs).UTC()

	snap.Index = vectorindex.New()
	if err := snap.Index.UnmarshalBinary(indexBlob); err != nil {
		return nil, fmt.Errorf("index blob: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT position, text, vector FROM snapshot_items ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}
	defer rows.Close()

	snap.Texts = make([]string, 0, count)
	snap.Vectors = make([][]float32, 0, count)
	for rows.Next() {
		var (
			pos  int
			text string
			blob []byte
		)
		if err := rows.Scan(&pos, &text, &blob); err != nil {
			return nil, fmt.Errorf("items scan: %w", err)
		}
		if pos != len(snap.Texts) {
			return nil, fmt.Errorf("%w: item position %d out of sequence", ErrInconsistent, pos)
		}
		vecs, err := vectorindex.DecodeVectors(blob)
		if err != nil || len(vecs) != 1 {
			return nil, fmt.Errorf("item %d vector: %w", pos, errors.Join(ErrInconsistent, err))
		}
		snap.Texts = append(snap.Texts, text)
		snap.Vectors = append(snap.Vectors, vecs[0])
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("items rows: %w", err)
	}

	if err := snap.validateAgainstIndex(); err != nil {
		return nil, err
	}
	if snap.Len() != count || snap.Dim() != dim {
		return nil, fmt.Errorf("%w: header declares %dx%d, items hold %dx%d",
			ErrInconsistent, count, dim, snap.Len(), snap.Dim())
	}
	return &snap, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("indexstore: save: %w", err)
	}
	indexBlob, err := snap.Index.MarshalBinary()
	if err != nil {
		return fmt.Errorf("indexstore: save: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("indexstore: save: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_items`); err != nil {
		return fmt.Errorf("indexstore: save: clear items: %w", err)
	}
	const upsert = `
INSERT INTO snapshots (id, fingerprint, model, count, dim, index_blob, created_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    model       = excluded.model,
    count       = excluded.count,
    dim         = excluded.dim,
    index_blob  = excluded.index_blob,
    created_at  = excluded.created_at`
	if _, err := tx.ExecContext(ctx, upsert,
		snap.Fingerprint, snap.Model, snap.Len(), snap.Dim(), indexBlob, snap.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("indexstore: save: snapshot row: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_items (position, text, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("indexstore: save: prepare: %w", err)
	}
	defer stmt.Close()
	for i, text := range snap.Texts {
		blob, err := vectorindex.EncodeVectors([][]float32{snap.Vectors[i]})
		if err != nil {
			return fmt.Errorf("indexstore: save: item %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, i, text, blob); err != nil {
			return fmt.Errorf("indexstore: save: item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexstore: save: commit: %w", err)
	}
	logging.FromContext(ctx).Info("indexstore: saved snapshot",
		slog.String("store", "sqlite"),
		slog.Int("count", snap.Len()),
		slog.Int("dim", snap.Dim()),
	)
	return nil
}

// Invalidate implements Store.
func (s *SQLiteStore) Invalidate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("indexstore: invalidate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{`DELETE FROM snapshots`, `DELETE FROM snapshot_items`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("indexstore: invalidate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexstore: invalidate: commit: %w", err)
	}
	logging.FromContext(ctx).Info("indexstore: snapshot invalidated", slog.String("store", "sqlite"))
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("indexstore: close: %w", err)
	}
	return nil
}
