package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/Laisky/errors/v2"
)

// SyncFileArtifacts replaces everything stored for one file in a single
// transaction: the file row is upserted (reviving a soft-deleted path), old
// chunks are removed together with their embeddings and links, and the new
// chunks, embeddings and resolvable links are inserted.
func (s *SQLiteStorage) SyncFileArtifacts(ctx context.Context, artifacts *FileArtifacts) (*SyncResult, error) {
	if artifacts == nil || artifacts.File.RelPath == "" {
		return nil, errors.New("artifacts require a file path")
	}
	if len(artifacts.Embeddings) != 0 && len(artifacts.Embeddings) != len(artifacts.Chunks) {
		return nil, errors.Errorf("embeddings (%d) not aligned with chunks (%d)",
			len(artifacts.Embeddings), len(artifacts.Chunks))
	}
	if err := s.checkDimensions(artifacts.Embeddings); err != nil {
		return nil, err
	}

	result := &SyncResult{}
	err := s.withTx(ctx, func(q querier) error {
		file := artifacts.File
		if err := s.upsertFileWithQuerier(ctx, q, &file); err != nil {
			return err
		}
		result.FileID = file.ID

		replaced, err := chunkIDsOfFile(ctx, q, file.ID)
		if err != nil {
			return err
		}
		result.ReplacedChunkIDs = replaced

		if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, file.ID); err != nil {
			return errors.Wrap(err, "delete old chunks")
		}

		now := time.Now().UTC()
		result.ChunkIDs = make([]int64, len(artifacts.Chunks))
		for i := range artifacts.Chunks {
			id, err := insertChunk(ctx, q, file.ID, &artifacts.Chunks[i], now)
			if err != nil {
				return err
			}
			result.ChunkIDs[i] = id
		}

		for i, vec := range artifacts.Embeddings {
			if vec == nil {
				continue
			}
			_, err := q.ExecContext(ctx, `
				INSERT INTO embeddings (chunk_id, vector, dimension, provider, model, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				result.ChunkIDs[i], serializeVector(vec), len(vec), artifacts.Provider, artifacts.Model, now)
			if err != nil {
				return errors.Wrapf(err, "insert embedding for chunk %d", artifacts.Chunks[i].Ordinal)
			}
		}

		n, err := insertLinks(ctx, q, file.ID, result.ChunkIDs, artifacts, now)
		if err != nil {
			return err
		}
		result.LinksWritten = n
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sync artifacts for %s", artifacts.File.RelPath)
	}
	return result, nil
}

func (s *SQLiteStorage) checkDimensions(vectors [][]float32) error {
	want := s.dimension
	for _, v := range vectors {
		if v == nil {
			continue
		}
		if want == 0 {
			want = len(v)
		}
		if len(v) != want {
			return errors.Wrapf(ErrDimensionMismatch, "got %d, want %d", len(v), want)
		}
	}
	return nil
}

func chunkIDsOfFile(ctx context.Context, q querier, fileID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM chunks WHERE file_id = ? ORDER BY ordinal`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, "list chunk ids")
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertChunk(ctx context.Context, q querier, fileID int64, c *Chunk, now time.Time) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO chunks (file_id, ordinal, kind, start_line, end_line, token_count,
			content, summary, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		fileID, c.Ordinal, string(c.Kind), c.StartLine, c.EndLine, c.TokenCount,
		c.Content, c.Summary, c.ContentHash[:], now,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "insert chunk %d", c.Ordinal)
	}
	return id, nil
}

// insertLinks writes links whose target resolves to a live file. Unresolved
// targets are skipped.
func insertLinks(ctx context.Context, q querier, fileID int64, chunkIDs []int64, artifacts *FileArtifacts, now time.Time) (int, error) {
	written := 0
	for _, ref := range artifacts.Links {
		if ref.SourceOrdinal < 0 || ref.SourceOrdinal >= len(chunkIDs) {
			continue
		}
		var targetFile int64
		err := q.QueryRowContext(ctx,
			`SELECT id FROM files WHERE rel_path = ? AND deleted = 0`, ref.TargetPath).Scan(&targetFile)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return written, errors.Wrapf(err, "resolve link target %s", ref.TargetPath)
		}

		var targetChunk sql.NullInt64
		if ref.TargetOrdinal >= 0 {
			err := q.QueryRowContext(ctx,
				`SELECT id FROM chunks WHERE file_id = ? AND ordinal = ?`, targetFile, ref.TargetOrdinal,
			).Scan(&targetChunk)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return written, errors.Wrap(err, "resolve link target chunk")
			}
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO links (source_chunk_id, target_file_id, target_chunk_id, link_type, label, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			chunkIDs[ref.SourceOrdinal], targetFile, targetChunk, LinkTypeReference, ref.Label, now)
		if err != nil {
			return written, errors.Wrap(err, "insert link")
		}
		written++
	}
	return written, nil
}

// LoadFileArtifacts reads back what SyncFileArtifacts stored for relPath.
func (s *SQLiteStorage) LoadFileArtifacts(ctx context.Context, relPath string) (*FileArtifacts, error) {
	file, err := s.GetFile(ctx, relPath)
	if err != nil {
		return nil, err
	}

	chunks, err := s.ListChunksByFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	artifacts := &FileArtifacts{
		File:   *file,
		Chunks: make([]Chunk, len(chunks)),
	}
	for i, c := range chunks {
		artifacts.Chunks[i] = *c
	}

	if len(ids) > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT chunk_id, vector, provider, model FROM embeddings
			WHERE chunk_id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
		if err != nil {
			return nil, errors.Wrap(err, "load embeddings")
		}
		vectors := make(map[int64][]float32, len(ids))
		for rows.Next() {
			var (
				id   int64
				blob []byte
			)
			if err := rows.Scan(&id, &blob, &artifacts.Provider, &artifacts.Model); err != nil {
				_ = rows.Close()
				return nil, err
			}
			vectors[id] = deserializeVector(blob)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(vectors) > 0 {
			artifacts.Embeddings = make([][]float32, len(ids))
			for i, id := range ids {
				artifacts.Embeddings[i] = vectors[id]
			}
		}
	}

	refs, err := s.loadLinkRefs(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	artifacts.Links = refs
	return artifacts, nil
}

func (s *SQLiteStorage) loadLinkRefs(ctx context.Context, fileID int64) ([]LinkRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src.ordinal, tf.rel_path, COALESCE(tc.ordinal, -1), l.label
		FROM links l
		JOIN chunks src ON src.id = l.source_chunk_id
		JOIN files tf ON tf.id = l.target_file_id
		LEFT JOIN chunks tc ON tc.id = l.target_chunk_id
		WHERE src.file_id = ?
		ORDER BY src.ordinal, l.id`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, "load links")
	}
	defer func() { _ = rows.Close() }()

	var refs []LinkRef
	for rows.Next() {
		var ref LinkRef
		if err := rows.Scan(&ref.SourceOrdinal, &ref.TargetPath, &ref.TargetOrdinal, &ref.Label); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// MarkFileDeleted soft deletes the file and removes its chunks. It returns
// the ids of the removed chunks.
func (s *SQLiteStorage) MarkFileDeleted(ctx context.Context, relPath string) ([]int64, error) {
	var removed []int64
	err := s.withTx(ctx, func(q querier) error {
		file, err := s.getFileWithQuerier(ctx, q, relPath)
		if err != nil {
			return err
		}
		removed, err = chunkIDsOfFile(ctx, q, file.ID)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, file.ID); err != nil {
			return errors.Wrap(err, "delete chunks")
		}
		// links pointing at this file become dangling
		if _, err := q.ExecContext(ctx, `DELETE FROM links WHERE target_file_id = ?`, file.ID); err != nil {
			return errors.Wrap(err, "delete inbound links")
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE files SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), file.ID); err != nil {
			return errors.Wrap(err, "mark file deleted")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return removed, nil
}
