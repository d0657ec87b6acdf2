package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RecordVector is the embedding of a record's searchable text.
type RecordVector struct {
	RecordID  string
	Model     string
	Text      string
	Embedding []float32
}

// PutRecordVector stores v, replacing any earlier vector of the record, and
// raises the record's embedding flag in the same transaction.
func (s *Store) PutRecordVector(ctx context.Context, v RecordVector) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("put record vector", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET embedding_done = 1, updated_at = ? WHERE id = ?`, now, v.RecordID)
	if err != nil {
		return unavailable("put record vector", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable("put record vector", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO record_vectors (record_id, model, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			model = excluded.model,
			text_chunk = excluded.text_chunk,
			embedding = excluded.embedding,
			created_at = excluded.created_at`,
		v.RecordID, v.Model, v.Text, encodeFloat32s(v.Embedding), now,
	); err != nil {
		return unavailable("put record vector", err)
	}
	return unavailable("put record vector", tx.Commit())
}

// ScanRecordVectors calls fn for every vector of the given model whose
// record was created at or after since. The embedding slice is reused
// between calls; fn must copy it to keep it.
func (s *Store) ScanRecordVectors(ctx context.Context, model string, since time.Time, fn func(recordID string, embedding []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.record_id, v.embedding
		FROM record_vectors v JOIN records r ON r.id = v.record_id
		WHERE v.model = ? AND r.created_at >= ?`,
		model, formatTime(since))
	if err != nil {
		return unavailable("scan record vectors", err)
	}
	defer rows.Close()

	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return unavailable("scan record vectors", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if err := fn(id, buf); err != nil {
			return err
		}
	}
	return unavailable("scan record vectors", rows.Err())
}

// CountRecordVectors returns the number of stored vectors.
func (s *Store) CountRecordVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_vectors`).Scan(&n)
	return n, unavailable("count record vectors", err)
}

// encodeFloat32s serializes v as little-endian float32s.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes b into buf, growing it when needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
