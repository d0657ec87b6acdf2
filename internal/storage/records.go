package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/fieldkit/internal/media"
)

const recordColumns = `id, created_at, updated_at, task_type, fields_json, note, lat, lon, acc,
	photo_present, audio_present, photo_ptr, audio_ptr, photo_data, audio_data,
	photo_caption, audio_transcript, audio_summary,
	caption_done, transcript_done, embedding_done, sync_status`

type rowScanner interface {
	Scan(dest ...any) error
}

// PutRecord inserts r, or replaces the stored record with the same id.
// AI flags already raised on the stored row stay raised, and so does the
// text they vouch for.
func (s *Store) PutRecord(ctx context.Context, r Record) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.SyncStatus == "" {
		r.SyncStatus = SyncPending
	}

	args, err := recordArgs(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			task_type = excluded.task_type,
			fields_json = excluded.fields_json,
			note = excluded.note,
			lat = excluded.lat, lon = excluded.lon, acc = excluded.acc,
			photo_present = excluded.photo_present,
			audio_present = excluded.audio_present,
			photo_ptr = excluded.photo_ptr,
			audio_ptr = excluded.audio_ptr,
			photo_data = excluded.photo_data,
			audio_data = excluded.audio_data,
			photo_caption = CASE WHEN records.caption_done > excluded.caption_done
				THEN records.photo_caption ELSE excluded.photo_caption END,
			audio_transcript = CASE WHEN records.transcript_done > excluded.transcript_done
				THEN records.audio_transcript ELSE excluded.audio_transcript END,
			audio_summary = CASE WHEN records.transcript_done > excluded.transcript_done
				THEN records.audio_summary ELSE excluded.audio_summary END,
			caption_done = MAX(records.caption_done, excluded.caption_done),
			transcript_done = MAX(records.transcript_done, excluded.transcript_done),
			embedding_done = MAX(records.embedding_done, excluded.embedding_done),
			sync_status = excluded.sync_status`,
		args...,
	)
	return unavailable("put record", err)
}

// GetRecord returns the record with the given id, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("get record", err)
	}
	return r, nil
}

// ListRecords returns up to limit records ordered by creation time.
// A limit <= 0 returns every record.
func (s *Store) ListRecords(ctx context.Context, limit int, newestFirst bool) ([]Record, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, "list records",
		`SELECT `+recordColumns+` FROM records ORDER BY created_at `+order+`, id `+order+` LIMIT ?`, limit)
}

// UnsyncedRecords returns every record whose sync status is pending or failed,
// oldest first.
func (s *Store) UnsyncedRecords(ctx context.Context) ([]Record, error) {
	return s.queryRecords(ctx, "unsynced records",
		`SELECT `+recordColumns+` FROM records WHERE sync_status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(SyncPending), string(SyncFailed))
}

// RecordsPendingEmbedding returns records whose embedding flag is not yet
// raised, oldest first.
func (s *Store) RecordsPendingEmbedding(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, "records pending embedding",
		`SELECT `+recordColumns+` FROM records WHERE embedding_done = 0 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
}

// RecordsSince returns up to limit records created at or after since,
// newest first. A zero since means no lower bound.
func (s *Store) RecordsSince(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryRecords(ctx, "records since",
		`SELECT `+recordColumns+` FROM records WHERE created_at >= ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		formatTime(since), limit)
}

// RecordsWithLegacyMedia returns records that still carry inline media data.
func (s *Store) RecordsWithLegacyMedia(ctx context.Context) ([]Record, error) {
	return s.queryRecords(ctx, "legacy media records",
		`SELECT `+recordColumns+` FROM records WHERE photo_data != '' OR audio_data != '' ORDER BY created_at ASC`)
}

// CountBySyncStatus returns the number of records in each sync state.
func (s *Store) CountBySyncStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status`)
	if err != nil {
		return nil, unavailable("count records", err)
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("count records", err)
		}
		counts[SyncStatus(status)] = n
	}
	return counts, unavailable("count records", rows.Err())
}

// UpdateRecord merges patch into the stored record, stamps updatedAt and
// returns the result. Missing ids yield ErrNotFound.
func (s *Store) UpdateRecord(ctx context.Context, id string, patch RecordPatch) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, unavailable("update record", err)
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("update record", err)
	}

	applyPatch(&r, patch)
	r.UpdatedAt = s.now()

	args, err := recordArgs(r)
	if err != nil {
		return Record{}, err
	}
	// args[0] is the id; move it to the WHERE clause.
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET created_at = ?, updated_at = ?, task_type = ?, fields_json = ?, note = ?,
			lat = ?, lon = ?, acc = ?, photo_present = ?, audio_present = ?, photo_ptr = ?, audio_ptr = ?,
			photo_data = ?, audio_data = ?, photo_caption = ?, audio_transcript = ?, audio_summary = ?,
			caption_done = ?, transcript_done = ?, embedding_done = ?, sync_status = ?
		WHERE id = ?`,
		append(args[1:], id)...,
	)
	if err != nil {
		return Record{}, unavailable("update record", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, unavailable("update record", err)
	}
	return r, nil
}

// DeleteRecord removes a record together with its queued tasks and blobs.
// Deleting a missing record is not an error.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete record", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM enrichment_tasks WHERE record_id = ?`,
		`DELETE FROM sync_tasks WHERE record_id = ?`,
		`DELETE FROM media_blobs WHERE owner_id = ?`,
		`DELETE FROM record_vectors WHERE record_id = ?`,
		`DELETE FROM records WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return unavailable("delete record", err)
		}
	}
	return unavailable("delete record", tx.Commit())
}

func applyPatch(r *Record, p RecordPatch) {
	if p.Note != nil {
		r.Note = *p.Note
	}
	if len(p.Fields) > 0 {
		if r.Fields == nil {
			r.Fields = make(map[string]string, len(p.Fields))
		}
		for k, v := range p.Fields {
			r.Fields[k] = v
		}
	}
	if p.Photo != nil {
		ptr := *p.Photo
		r.Photo = &ptr
		r.PhotoPresent = true
	}
	if p.Audio != nil {
		ptr := *p.Audio
		r.Audio = &ptr
		r.AudioPresent = true
	}
	if p.PhotoData != nil {
		r.PhotoData = *p.PhotoData
	}
	if p.AudioData != nil {
		r.AudioData = *p.AudioData
	}
	if p.PhotoCaption != nil {
		r.PhotoCaption = *p.PhotoCaption
	}
	if p.AudioTranscript != nil {
		r.AudioTranscript = *p.AudioTranscript
	}
	if p.AudioSummary != nil {
		r.AudioSummary = *p.AudioSummary
	}
	r.AI.CaptionDone = r.AI.CaptionDone || p.CaptionDone
	r.AI.TranscriptDone = r.AI.TranscriptDone || p.TranscriptDone
	r.AI.EmbeddingDone = r.AI.EmbeddingDone || p.EmbeddingDone
	if p.SyncStatus != nil {
		r.SyncStatus = *p.SyncStatus
	}
}

func (s *Store) queryRecords(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		results = append(results, r)
	}
	return results, unavailable(op, rows.Err())
}

func recordArgs(r Record) ([]any, error) {
	fields := r.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding fields for record %s: %w", r.ID, err)
	}
	photo, err := encodePointer(r.Photo)
	if err != nil {
		return nil, err
	}
	audio, err := encodePointer(r.Audio)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), r.TaskType, string(fieldsJSON), r.Note,
		nullFloat(r.Lat), nullFloat(r.Lon), nullFloat(r.Accuracy),
		boolInt(r.PhotoPresent), boolInt(r.AudioPresent), photo, audio, r.PhotoData, r.AudioData,
		r.PhotoCaption, r.AudioTranscript, r.AudioSummary,
		boolInt(r.AI.CaptionDone), boolInt(r.AI.TranscriptDone), boolInt(r.AI.EmbeddingDone), string(r.SyncStatus),
	}, nil
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var createdAt, updatedAt, fieldsJSON, syncStatus string
	var lat, lon, acc sql.NullFloat64
	var photo, audio sql.NullString
	var photoPresent, audioPresent, captionDone, transcriptDone, embeddingDone int

	err := row.Scan(&r.ID, &createdAt, &updatedAt, &r.TaskType, &fieldsJSON, &r.Note, &lat, &lon, &acc,
		&photoPresent, &audioPresent, &photo, &audio, &r.PhotoData, &r.AudioData,
		&r.PhotoCaption, &r.AudioTranscript, &r.AudioSummary,
		&captionDone, &transcriptDone, &embeddingDone, &syncStatus)
	if err != nil {
		return Record{}, err
	}

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at for record %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at for record %s: %w", r.ID, err)
	}
	if strings.TrimSpace(fieldsJSON) != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
			return Record{}, fmt.Errorf("decoding fields for record %s: %w", r.ID, err)
		}
	}
	if r.Photo, err = decodePointer(photo); err != nil {
		return Record{}, fmt.Errorf("decoding photo pointer for record %s: %w", r.ID, err)
	}
	if r.Audio, err = decodePointer(audio); err != nil {
		return Record{}, fmt.Errorf("decoding audio pointer for record %s: %w", r.ID, err)
	}

	r.Lat = floatPtr(lat)
	r.Lon = floatPtr(lon)
	r.Accuracy = floatPtr(acc)
	r.PhotoPresent = photoPresent != 0
	r.AudioPresent = audioPresent != 0
	r.AI = AIStatus{
		CaptionDone:    captionDone != 0,
		TranscriptDone: transcriptDone != 0,
		EmbeddingDone:  embeddingDone != 0,
	}
	r.SyncStatus = SyncStatus(syncStatus)
	return r, nil
}

func encodePointer(p *media.Pointer) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding media pointer: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodePointer(ns sql.NullString) (*media.Pointer, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var p media.Pointer
	if err := json.Unmarshal([]byte(ns.String), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
