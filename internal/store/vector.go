package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// CreateVectorIndex creates the vector sidecar table for the given
// dimensionality. An existing index with matching dims is left alone;
// a mismatch drops and recreates it.
func (s *Store) CreateVectorIndex(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("vector index dims must be positive, got %d", dims)
	}

	if err := s.Execute(ctx,
		`CREATE TABLE IF NOT EXISTS vector_meta (id INTEGER PRIMARY KEY CHECK (id = 1), dims INTEGER NOT NULL)`); err != nil {
		return err
	}

	var existing int
	err := s.QueryRow(ctx, `SELECT dims FROM vector_meta WHERE id = 1`).Scan(&existing)
	if err == nil && existing == dims {
		return nil
	}

	script := fmt.Sprintf(`
DROP TABLE IF EXISTS knowledge_vectors;
CREATE TABLE knowledge_vectors (
	chunk_id INTEGER PRIMARY KEY REFERENCES knowledge_chunks(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL
);
INSERT INTO vector_meta (id, dims) VALUES (1, %d)
	ON CONFLICT(id) DO UPDATE SET dims = excluded.dims;
`, dims)
	return s.ExecuteScript(ctx, script)
}

// EncodeVector serializes an embedding as little-endian float32 bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes an embedding blob.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// Cosine returns the cosine similarity of two vectors, or 0 when
// lengths differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
