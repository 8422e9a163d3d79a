package storage

import (
	"context"
	"database/sql"

	"github.com/Laisky/errors/v2"
)

// ResetAll drops every table and recreates an empty schema.
func (s *SQLiteStorage) ResetAll(ctx context.Context) error {
	if err := dropAll(ctx, s.db); err != nil {
		return errors.Wrap(err, "reset database")
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		return errors.Wrap(err, "recreate schema")
	}
	return nil
}

// Optimize refreshes planner statistics, merges FTS segments and compacts
// the file.
func (s *SQLiteStorage) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return errors.Wrap(err, "analyze")
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO chunks_fts(chunks_fts) VALUES('optimize')"); err != nil {
		return errors.Wrap(err, "optimize fts index")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return errors.Wrap(err, "vacuum")
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "ping database")
	}
	return nil
}

// GetStatus retrieves index statistics
func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{BuildMode: BuildMode}

	version, err := currentVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}
	status.SchemaVersion = version.String()

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM files WHERE deleted = 0`, &status.FilesCount},
		{`SELECT COUNT(*) FROM files WHERE deleted = 1`, &status.DeletedFiles},
		{`SELECT COUNT(*) FROM chunks`, &status.ChunksCount},
		{`SELECT COUNT(*) FROM embeddings`, &status.EmbeddingsCount},
		{`SELECT COUNT(*) FROM links`, &status.LinksCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, errors.Wrap(err, "count rows")
		}
	}

	var last sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT last_indexed_at FROM files WHERE deleted = 0 AND last_indexed_at IS NOT NULL
		 ORDER BY last_indexed_at DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "read last indexed time")
	}
	if last.Valid {
		status.LastIndexedAt = last.Time
	}

	// Calculate database size
	var pageCount, pageSize int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	var ftsTables int
	_ = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'chunks_fts'`).Scan(&ftsTables)

	status.Health = HealthStatus{
		DatabaseAccessible:  true,
		EmbeddingsAvailable: status.EmbeddingsCount > 0,
		FTSIndexesBuilt:     ftsTables > 0,
	}
	return status, nil
}
