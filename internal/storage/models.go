package storage

import (
	"errors"
	"time"

	"github.com/kalambet/fieldkit/internal/media"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable wraps every failure of the underlying database.
var ErrStorageUnavailable = errors.New("storage unavailable")

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// AIStatus tracks which enrichment capabilities have completed for a record.
// Flags only ever move from false to true.
type AIStatus struct {
	CaptionDone    bool `json:"captionDone"`
	TranscriptDone bool `json:"transcriptDone"`
	EmbeddingDone  bool `json:"embeddingDone"`
}

// Record is one captured field observation.
type Record struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	TaskType string
	Fields   map[string]string // crop, issue, severity, field_id, ...
	Note     string
	Lat      *float64
	Lon      *float64
	Accuracy *float64

	PhotoPresent bool
	AudioPresent bool
	Photo        *media.Pointer
	Audio        *media.Pointer

	// Legacy inline media (data URLs) written before pointers existed.
	PhotoData string
	AudioData string

	PhotoCaption    string
	AudioTranscript string
	AudioSummary    string

	AI         AIStatus
	SyncStatus SyncStatus
}

// RecordPatch lists the fields UpdateRecord may change. Nil pointers are left
// untouched. AI flags can only be raised.
type RecordPatch struct {
	Note   *string
	Fields map[string]string // merged key by key

	Photo     *media.Pointer
	Audio     *media.Pointer
	PhotoData *string
	AudioData *string

	PhotoCaption    *string
	AudioTranscript *string
	AudioSummary    *string

	CaptionDone    bool
	TranscriptDone bool
	EmbeddingDone  bool

	SyncStatus *SyncStatus
}

type TaskType string

const (
	TaskPhotoCaption    TaskType = "photo-caption"
	TaskAudioTranscript TaskType = "audio-transcript"
)

// EnrichmentTask is a pending AI enrichment for one record and one capability.
type EnrichmentTask struct {
	ID          string
	RecordID    string
	TaskType    TaskType
	Retries     int
	LastAttempt time.Time // zero until the first failed attempt
	CreatedAt   time.Time
}

// SyncTask is a pending push of one record to the sync server.
type SyncTask struct {
	ID          string
	RecordID    string
	Retries     int
	LastAttempt time.Time
	CreatedAt   time.Time
}
