package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/retrieval"
	"github.com/kalambet/fieldkit/internal/storage"
)

// Base64 media inflates by a third; 25MB of audio plus a photo must fit.
const maxCaptureBodySize = 48 << 20

// MediaUpload is captured media: base64 or a data URL.
type MediaUpload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// CaptureRequest is the body of POST /records.
type CaptureRequest struct {
	ID       string            `json:"id,omitempty"`
	TaskType string            `json:"task_type"`
	Fields   map[string]string `json:"fields,omitempty"`
	Note     string            `json:"note,omitempty"`
	Lat      *float64          `json:"lat,omitempty"`
	Lon      *float64          `json:"lon,omitempty"`
	Accuracy *float64          `json:"acc,omitempty"`
	Photo    *MediaUpload      `json:"photo,omitempty"`
	Audio    *MediaUpload      `json:"audio,omitempty"`
}

// RecordView is the JSON form of a record. Media bytes are never included.
type RecordView struct {
	ID              string            `json:"id"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	TaskType        string            `json:"task_type"`
	Fields          map[string]string `json:"fields,omitempty"`
	Note            string            `json:"note,omitempty"`
	Lat             *float64          `json:"lat,omitempty"`
	Lon             *float64          `json:"lon,omitempty"`
	Accuracy        *float64          `json:"acc,omitempty"`
	PhotoPresent    bool              `json:"photo_present"`
	AudioPresent    bool              `json:"audio_present"`
	Photo           *media.Pointer    `json:"photo,omitempty"`
	Audio           *media.Pointer    `json:"audio,omitempty"`
	PhotoCaption    string            `json:"photo_caption,omitempty"`
	AudioTranscript string            `json:"audio_transcript,omitempty"`
	AudioSummary    string            `json:"audio_summary,omitempty"`
	AI              storage.AIStatus  `json:"aiStatus"`
	SyncStatus      string            `json:"syncStatus"`
}

// CaptureResponse is returned by POST /records.
type CaptureResponse struct {
	Record           RecordView `json:"record"`
	EnrichmentQueued int        `json:"enrichment_queued"`
	SyncQueued       bool       `json:"sync_queued"`
}

func viewOf(r storage.Record) RecordView {
	return RecordView{
		ID:              r.ID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		TaskType:        r.TaskType,
		Fields:          r.Fields,
		Note:            r.Note,
		Lat:             r.Lat,
		Lon:             r.Lon,
		Accuracy:        r.Accuracy,
		PhotoPresent:    r.PhotoPresent,
		AudioPresent:    r.AudioPresent,
		Photo:           r.Photo,
		Audio:           r.Audio,
		PhotoCaption:    r.PhotoCaption,
		AudioTranscript: r.AudioTranscript,
		AudioSummary:    r.AudioSummary,
		AI:              r.AI,
		SyncStatus:      string(r.SyncStatus),
	}
}

func handleCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBodySize)
		defer r.Body.Close()

		var req CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TaskType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_type is required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		photo, err := decodeUpload(req.Photo, "image/jpeg")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "photo: %v", err)
			return
		}
		audio, err := decodeUpload(req.Audio, "audio/webm")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio: %v", err)
			return
		}

		resp, created, err := capture(r.Context(), deps, req, photo, audio)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if !created {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func decodeUpload(u *MediaUpload, defaultMime string) (*media.Inline, error) {
	if u == nil || u.Data == "" {
		return nil, nil
	}
	if strings.HasPrefix(u.Data, "data:") {
		in, err := media.ParseDataURL(u.Data)
		if err != nil {
			return nil, err
		}
		return &in, nil
	}
	data, err := base64.StdEncoding.DecodeString(u.Data)
	if err != nil {
		return nil, errors.New("invalid base64 data")
	}
	mime := u.MimeType
	if mime == "" {
		mime = defaultMime
	}
	return &media.Inline{Data: data, MimeType: mime}, nil
}

// capture stores media, writes the record and queues it for enrichment and
// sync. Queueing failures are logged; the record is already durable.
// A record id that already exists is returned as stored, with created
// false, so a client retrying a lost response cannot overwrite it.
func capture(ctx context.Context, deps Deps, req CaptureRequest, photo, audio *media.Inline) (CaptureResponse, bool, error) {
	log := deps.logger().With("record_id", req.ID)

	existing, err := deps.Store.GetRecord(ctx, req.ID)
	switch {
	case err == nil:
		log.Info("record already captured")
		return CaptureResponse{Record: viewOf(existing)}, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return CaptureResponse{}, false, fmt.Errorf("loading record: %w", err)
	}

	rec := storage.Record{
		ID:       req.ID,
		TaskType: req.TaskType,
		Fields:   req.Fields,
		Note:     req.Note,
		Lat:      req.Lat,
		Lon:      req.Lon,
		Accuracy: req.Accuracy,
	}

	var stored []media.Pointer
	cleanup := func() {
		for _, p := range stored {
			if err := deps.Media.Delete(ctx, p); err != nil {
				log.Warn("removing media of failed capture", "locator", p.Locator, "error", err)
			}
		}
	}

	if photo != nil {
		p, err := deps.Media.Put(ctx, photo.Data, photo.MimeType, rec.ID, media.RolePhoto)
		if err != nil {
			return CaptureResponse{}, false, fmt.Errorf("storing photo: %w", err)
		}
		stored = append(stored, p)
		rec.Photo, rec.PhotoPresent = &p, true
	}
	if audio != nil {
		p, err := deps.Media.Put(ctx, audio.Data, audio.MimeType, rec.ID, media.RoleAudio)
		if err != nil {
			cleanup()
			return CaptureResponse{}, false, fmt.Errorf("storing audio: %w", err)
		}
		stored = append(stored, p)
		rec.Audio, rec.AudioPresent = &p, true
	}

	if err := deps.Store.PutRecord(ctx, rec); err != nil {
		cleanup()
		return CaptureResponse{}, false, fmt.Errorf("saving record: %w", err)
	}
	saved, err := deps.Store.GetRecord(ctx, rec.ID)
	if err != nil {
		return CaptureResponse{}, false, fmt.Errorf("reloading record: %w", err)
	}

	resp := CaptureResponse{Record: viewOf(saved)}
	if deps.Enrich != nil {
		n, err := deps.Enrich.QueueProcessing(ctx, saved, deps.HasEnrichmentKey)
		if err != nil {
			log.Warn("queueing enrichment", "error", err)
		}
		resp.EnrichmentQueued = n
	}
	if deps.Sync != nil && deps.Sync.Configured() {
		if err := deps.Sync.QueueRecord(ctx, saved.ID); err != nil {
			log.Warn("queueing sync", "error", err)
		} else {
			resp.SyncQueued = true
		}
	}
	log.Info("record captured", "task_type", rec.TaskType, "photo", rec.PhotoPresent, "audio", rec.AudioPresent)
	return resp, true, nil
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)

		recs, err := deps.Store.ListRecords(r.Context(), limit, true)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		views := make([]RecordView, len(recs))
		for i, rec := range recs {
			views[i] = viewOf(rec)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// SearchHit is one record matched by GET /records/search.
type SearchHit struct {
	RecordView
	Score float32 `json:"score"`
}

// SearchResponse is the body of GET /records/search.
type SearchResponse struct {
	Filter     retrieval.Filter `json:"filter"`
	Historical bool             `json:"historical"`
	Semantic   bool             `json:"semantic"`
	Records    []SearchHit      `json:"records"`
}

func handleSearchRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusServiceUnavailable, "search_unavailable", "record search is not configured")
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 0, 50)

		res, err := deps.History.Search(r.Context(), q, retrieval.Options{Limit: limit})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, searchResponse(res))
	}
}

func searchResponse(res retrieval.Result) SearchResponse {
	out := SearchResponse{
		Filter:     res.Filter,
		Historical: res.Historical,
		Semantic:   res.Semantic,
		Records:    make([]SearchHit, len(res.Visits)),
	}
	for i, v := range res.Visits {
		out.Records[i] = SearchHit{RecordView: viewOf(v.Record), Score: v.Score}
	}
	return out
}

func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetRecord(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
	}
}
