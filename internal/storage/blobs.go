package storage

import (
	"context"
	"database/sql"
	"errors"
)

// PutBlob stores media bytes under id for the local-blob media backend.
func (s *Store) PutBlob(ctx context.Context, id, ownerID, role, mimeType string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_blobs (id, owner_id, role, mime_type, size_bytes, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET mime_type = excluded.mime_type, size_bytes = excluded.size_bytes, data = excluded.data`,
		id, ownerID, role, mimeType, len(data), data, formatTime(s.now()),
	)
	return unavailable("put blob", err)
}

// GetBlob returns the bytes and mime type stored under id, or ErrNotFound.
func (s *Store) GetBlob(ctx context.Context, id string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := s.db.QueryRowContext(ctx, `SELECT data, mime_type FROM media_blobs WHERE id = ?`, id).Scan(&data, &mimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", unavailable("get blob", err)
	}
	return data, mimeType, nil
}

// DeleteBlob removes a blob. Deleting a missing blob is not an error.
func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_blobs WHERE id = ?`, id)
	return unavailable("delete blob", err)
}
