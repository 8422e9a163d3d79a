package storage

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/Laisky/errors/v2"
)

// SearchVector returns the chunks most similar to vector by cosine similarity.
func (s *SQLiteStorage) SearchVector(ctx context.Context, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	if len(vector) == 0 {
		return nil, errors.New("empty query vector")
	}
	if limit <= 0 {
		return []VectorResult{}, nil
	}
	if VectorExtensionAvailable {
		results, err := s.searchVectorOptimized(ctx, vector, limit, filters)
		if err == nil {
			return results, nil
		}
		// the extension may not be loadable at runtime; compute in Go instead
	}
	return s.searchVectorFallback(ctx, vector, limit, filters)
}

// searchVectorOptimized lets sqlite-vec compute distances in SQL.
func (s *SQLiteStorage) searchVectorOptimized(ctx context.Context, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	blob := serializeVector(vector)

	// vec_distance_cosine returns a distance, lower is better
	query := `
		SELECT c.id, 1.0 - vec_distance_cosine(e.vector, ?) AS similarity
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN files f ON c.file_id = f.id
		WHERE f.deleted = 0 AND e.dimension = ?
	`
	args := []any{blob, len(vector)}
	query, args = applyFilters(query, args, filters)
	query += " ORDER BY similarity DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "execute vector search")
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, limit)
	for rows.Next() {
		var r VectorResult
		if err := rows.Scan(&r.ChunkID, &r.SimilarityScore); err != nil {
			return nil, errors.Wrap(err, "scan vector result")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchVectorFallback scans candidate vectors and ranks them in Go
func (s *SQLiteStorage) searchVectorFallback(ctx context.Context, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	query := `
		SELECT c.id, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN files f ON c.file_id = f.id
		WHERE f.deleted = 0
	`
	query, args := applyFilters(query, nil, filters)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query embeddings")
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]candidate, 0, 256)
	for rows.Next() {
		var (
			chunkID int64
			blob    []byte
		)
		if err := rows.Scan(&chunkID, &blob); err != nil {
			return nil, err
		}
		v := deserializeVector(blob)
		if len(v) != len(vector) {
			continue
		}
		candidates = append(candidates, candidate{chunkID: chunkID, score: cosineSimilarity(vector, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	if limit > len(candidates) {
		limit = len(candidates)
	}
	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{ChunkID: candidates[i].chunkID, SimilarityScore: candidates[i].score}
	}
	return results, nil
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	score   float64
}

// sortCandidates orders by score descending, then id for determinism
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SerializeVector encodes a vector in the on-disk format.
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector decodes a vector from the on-disk format.
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
