package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrDimensionMismatch is returned when a vector does not match the
	// configured embedding dimension
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db        *sql.DB
	path      string
	dimension int
}

// Option configures a SQLiteStorage.
type Option func(*SQLiteStorage)

// WithDimension makes the store reject vectors of any other length.
func WithDimension(dimension int) Option {
	return func(s *SQLiteStorage) {
		s.dimension = dimension
	}
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the database and applies migrations
func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}

	s := &SQLiteStorage{db: db, path: dbPath}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// File operations

const fileColumns = `id, rel_path, abs_path, content_hash, size_bytes, mod_time_ns,
	language, kind, dedup_hash, last_indexed_at, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var (
		file          File
		hash          []byte
		kind          string
		lastIndexedAt sql.NullTime
	)
	err := row.Scan(
		&file.ID, &file.RelPath, &file.AbsPath, &hash, &file.SizeBytes, &file.ModTimeNs,
		&file.Language, &kind, &file.DedupHash, &lastIndexedAt, &file.Deleted,
		&file.CreatedAt, &file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	copy(file.ContentHash[:], hash)
	file.Kind = types.ContentKind(kind)
	if lastIndexedAt.Valid {
		file.LastIndexedAt = lastIndexedAt.Time
	}
	return &file, nil
}

// getFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, relPath string) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE rel_path = ? AND deleted = 0`
	file, err := scanFile(q.QueryRowContext(ctx, query, relPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get file %s", relPath)
	}
	return file, nil
}

// GetFile returns the live catalog entry for relPath.
func (s *SQLiteStorage) GetFile(ctx context.Context, relPath string) (*File, error) {
	return s.getFileWithQuerier(ctx, s.querier(), relPath)
}

// GetFileByID returns a file row, including soft-deleted ones.
func (s *SQLiteStorage) GetFileByID(ctx context.Context, fileID int64) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`
	file, err := scanFile(s.db.QueryRowContext(ctx, query, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get file %d", fileID)
	}
	return file, nil
}

// ListFiles returns the live catalog ordered by path.
func (s *SQLiteStorage) ListFiles(ctx context.Context) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE deleted = 0 ORDER BY rel_path`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	defer func() { _ = rows.Close() }()

	files := make([]*File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// upsertFileWithQuerier writes the file row, reviving a soft-deleted one.
func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *File) error {
	query := `
		INSERT INTO files (rel_path, abs_path, content_hash, size_bytes, mod_time_ns,
			language, kind, dedup_hash, last_indexed_at, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(rel_path) DO UPDATE SET
			abs_path = excluded.abs_path,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			mod_time_ns = excluded.mod_time_ns,
			language = excluded.language,
			kind = excluded.kind,
			dedup_hash = excluded.dedup_hash,
			last_indexed_at = excluded.last_indexed_at,
			deleted = 0,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now().UTC()
	err := q.QueryRowContext(ctx, query,
		file.RelPath, file.AbsPath, file.ContentHash[:], file.SizeBytes, file.ModTimeNs,
		file.Language, string(file.Kind), file.DedupHash, now, now, now).Scan(&file.ID)
	if err != nil {
		return errors.Wrap(err, "upsert file")
	}
	file.LastIndexedAt = now
	file.UpdatedAt = now
	file.Deleted = false
	return nil
}

// TouchFile refreshes size and mtime without touching artifacts.
func (s *SQLiteStorage) TouchFile(ctx context.Context, relPath string, sizeBytes, modTimeNs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET size_bytes = ?, mod_time_ns = ?, updated_at = ? WHERE rel_path = ? AND deleted = 0`,
		sizeBytes, modTimeNs, time.Now().UTC(), relPath)
	if err != nil {
		return errors.Wrapf(err, "touch file %s", relPath)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Chunk operations

const chunkColumns = `c.id, c.file_id, c.ordinal, c.kind, c.start_line, c.end_line,
	c.token_count, c.content, c.summary, c.content_hash, c.created_at, f.rel_path, f.language`

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		chunk Chunk
		kind  string
		hash  []byte
	)
	err := row.Scan(
		&chunk.ID, &chunk.FileID, &chunk.Ordinal, &kind, &chunk.StartLine, &chunk.EndLine,
		&chunk.TokenCount, &chunk.Content, &chunk.Summary, &hash, &chunk.CreatedAt,
		&chunk.FilePath, &chunk.Language,
	)
	if err != nil {
		return nil, err
	}
	chunk.Kind = types.ChunkKind(kind)
	copy(chunk.ContentHash[:], hash)
	return &chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	defer func() { _ = rows.Close() }()
	chunks := make([]*Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// GetChunk returns one chunk by id.
func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c JOIN files f ON f.id = c.file_id WHERE c.id = ?`
	chunk, err := scanChunk(s.db.QueryRowContext(ctx, query, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chunk %d", chunkID)
	}
	return chunk, nil
}

// GetChunks returns the chunks that exist among ids, in id order.
func (s *SQLiteStorage) GetChunks(ctx context.Context, chunkIDs []int64) ([]*Chunk, error) {
	if len(chunkIDs) == 0 {
		return []*Chunk{}, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.id IN (` + placeholders(len(chunkIDs)) + `) ORDER BY c.id`
	rows, err := s.db.QueryContext(ctx, query, int64Args(chunkIDs)...)
	if err != nil {
		return nil, errors.Wrap(err, "get chunks")
	}
	return collectChunks(rows)
}

// ListChunksByFile returns a file's chunks in ordinal order.
func (s *SQLiteStorage) ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error) {
	return s.listChunksByFileWithQuerier(ctx, s.querier(), fileID)
}

func (s *SQLiteStorage) listChunksByFileWithQuerier(ctx context.Context, q querier, fileID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.file_id = ? ORDER BY c.ordinal`
	rows, err := q.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, errors.Wrapf(err, "list chunks of file %d", fileID)
	}
	return collectChunks(rows)
}

// GetNeighborChunks returns chunks of the same file whose ordinal lies
// within window of ordinal, excluding ordinal itself.
func (s *SQLiteStorage) GetNeighborChunks(ctx context.Context, fileID int64, ordinal, window int) ([]*Chunk, error) {
	if window <= 0 {
		return []*Chunk{}, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.file_id = ? AND c.ordinal BETWEEN ? AND ? AND c.ordinal != ?
		ORDER BY c.ordinal`
	rows, err := s.db.QueryContext(ctx, query, fileID, ordinal-window, ordinal+window, ordinal)
	if err != nil {
		return nil, errors.Wrap(err, "get neighbor chunks")
	}
	return collectChunks(rows)
}

// ListLinksByFile returns links whose source chunk belongs to fileID.
func (s *SQLiteStorage) ListLinksByFile(ctx context.Context, fileID int64) ([]*Link, error) {
	query := `
		SELECT l.id, l.source_chunk_id, l.target_file_id, l.target_chunk_id,
		       l.link_type, l.label, l.score, l.created_at
		FROM links l JOIN chunks c ON c.id = l.source_chunk_id
		WHERE c.file_id = ?
		ORDER BY c.ordinal, l.id`
	rows, err := s.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, errors.Wrap(err, "list links")
	}
	defer func() { _ = rows.Close() }()

	links := make([]*Link, 0)
	for rows.Next() {
		var (
			link        Link
			targetChunk sql.NullInt64
			score       sql.NullFloat64
		)
		if err := rows.Scan(&link.ID, &link.SourceChunkID, &link.TargetFileID, &targetChunk,
			&link.Type, &link.Label, &score, &link.CreatedAt); err != nil {
			return nil, err
		}
		if targetChunk.Valid {
			id := targetChunk.Int64
			link.TargetChunkID = &id
		}
		if score.Valid {
			v := score.Float64
			link.Score = &v
		}
		links = append(links, &link)
	}
	return links, rows.Err()
}

// Embedding operations

// GetEmbeddings returns the stored vectors for the given chunks. Chunks
// without a vector are absent from the map.
func (s *SQLiteStorage) GetEmbeddings(ctx context.Context, chunkIDs []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	query := `SELECT chunk_id, vector FROM embeddings WHERE chunk_id IN (` + placeholders(len(chunkIDs)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(chunkIDs)...)
	if err != nil {
		return nil, errors.Wrap(err, "get embeddings")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = deserializeVector(blob)
	}
	return out, rows.Err()
}

// ListIndexedChunks streams every live chunk with its vector (nil when the
// chunk has none). fn must not call back into the store: the single
// connection is held until iteration ends.
func (s *SQLiteStorage) ListIndexedChunks(ctx context.Context, fn func(c *Chunk, vector []float32) error) error {
	query := `SELECT ` + chunkColumns + `, e.vector
		FROM chunks c
		JOIN files f ON f.id = c.file_id
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE f.deleted = 0
		ORDER BY c.id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "list indexed chunks")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			chunk Chunk
			kind  string
			hash  []byte
			blob  []byte
		)
		if err := rows.Scan(
			&chunk.ID, &chunk.FileID, &chunk.Ordinal, &kind, &chunk.StartLine, &chunk.EndLine,
			&chunk.TokenCount, &chunk.Content, &chunk.Summary, &hash, &chunk.CreatedAt,
			&chunk.FilePath, &chunk.Language, &blob,
		); err != nil {
			return err
		}
		chunk.Kind = types.ChunkKind(kind)
		copy(chunk.ContentHash[:], hash)

		var vector []float32
		if len(blob) > 0 {
			vector = deserializeVector(blob)
		}
		if err := fn(&chunk, vector); err != nil {
			return err
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
