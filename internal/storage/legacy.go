package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/fieldkit/internal/media"
)

// MediaMigrator moves inline media into the media store.
type MediaMigrator interface {
	Migrate(ctx context.Context, ownerID string, role media.Role, src media.Source) (media.Pointer, error)
}

// MigrateLegacyMedia converts every inline photo/audio data URL into a media
// pointer and clears the inline copy. Records that fail are logged and left
// as they are. It returns the number of records migrated.
func (s *Store) MigrateLegacyMedia(ctx context.Context, m MediaMigrator, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	recs, err := s.RecordsWithLegacyMedia(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, r := range recs {
		patch, err := legacyPatch(ctx, m, r)
		if err != nil {
			logger.Warn("legacy media migration failed", "record_id", r.ID, "error", err)
			continue
		}
		if _, err := s.UpdateRecord(ctx, r.ID, patch); err != nil {
			return migrated, fmt.Errorf("updating record %s: %w", r.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

func legacyPatch(ctx context.Context, m MediaMigrator, r Record) (RecordPatch, error) {
	var patch RecordPatch
	empty := ""

	if r.PhotoData != "" {
		if r.Photo == nil {
			src, err := media.ParseDataURL(r.PhotoData)
			if err != nil {
				return RecordPatch{}, fmt.Errorf("photo: %w", err)
			}
			p, err := m.Migrate(ctx, r.ID, media.RolePhoto, src)
			if err != nil {
				return RecordPatch{}, fmt.Errorf("photo: %w", err)
			}
			patch.Photo = &p
		}
		patch.PhotoData = &empty
	}
	if r.AudioData != "" {
		if r.Audio == nil {
			src, err := media.ParseDataURL(r.AudioData)
			if err != nil {
				return RecordPatch{}, fmt.Errorf("audio: %w", err)
			}
			p, err := m.Migrate(ctx, r.ID, media.RoleAudio, src)
			if err != nil {
				return RecordPatch{}, fmt.Errorf("audio: %w", err)
			}
			patch.Audio = &p
		}
		patch.AudioData = &empty
	}
	return patch, nil
}
