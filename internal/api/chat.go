package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/fieldkit/internal/llm"
	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/retrieval"
	"github.com/kalambet/fieldkit/internal/storage"
)

// snippetRunes caps each past visit excerpt in the system prompt.
const snippetRunes = 150

const maxChatBodySize = 16 << 20

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Text string `json:"text"`
	// Images are base64 or data URLs.
	Images []MediaUpload `json:"images,omitempty"`
	// Model is a model option (auto, local, cloud, gpt-4o-mini, claude,
	// llama-small). Preference is accepted as an alias.
	Model      string   `json:"model,omitempty"`
	Preference string   `json:"preference,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	RecordIDs  []string `json:"record_ids,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// ChatChunk is one SSE data payload of a /chat response.
type ChatChunk struct {
	Text string `json:"text"`
}

// buildRequest resolves the model option and assembles the visit context
// from the referenced records. The first record is the current visit; its
// photo is attached.
func buildRequest(ctx context.Context, deps Deps, req ChatRequest) (llm.Request, error) {
	if strings.TrimSpace(req.Text) == "" {
		return llm.Request{}, errors.New("text is required")
	}

	opt := llm.ModelOption(req.Model)
	if opt == "" {
		opt = llm.ModelOption(req.Preference)
	}
	if opt == "" {
		opt = deps.DefaultModel
	}

	in := llm.Input{Text: req.Text, Model: opt}
	if req.Lat != nil && req.Lon != nil {
		in.Location = &llm.Location{Lat: *req.Lat, Lon: *req.Lon}
	}
	for i, u := range req.Images {
		img, err := decodeUpload(&u, "image/jpeg")
		if err != nil {
			return llm.Request{}, fmt.Errorf("image %d: %w", i, err)
		}
		if img != nil {
			in.Images = append(in.Images, llm.Image{Data: img.Data, MimeType: img.MimeType})
		}
	}

	var recs []storage.Record
	for _, id := range req.RecordIDs {
		rec, err := deps.Store.GetRecord(ctx, id)
		if err != nil {
			return llm.Request{}, fmt.Errorf("record %s: %w", id, err)
		}
		recs = append(recs, rec)
	}

	if len(recs) > 0 {
		cur := recs[0]
		in.Context.Current = &llm.Observation{
			Lat: cur.Lat, Lon: cur.Lon, Accuracy: cur.Accuracy,
			Note:     cur.Note,
			HasPhoto: cur.PhotoPresent,
		}
		if cur.PhotoPresent && deps.Media != nil {
			if img, ok := readPhoto(ctx, deps, cur); ok {
				in.Images = append(in.Images, img)
			} else {
				in.Context.Current.HasPhoto = false
			}
		}
		in.Context.Records = len(recs)
	}

	latest, err := latestRecord(ctx, deps, recs)
	if err != nil {
		return llm.Request{}, err
	}
	if latest != nil {
		in.Context.Latest = latest.Fields
	}
	if deps.History != nil {
		in.Context.History = pastVisits(ctx, deps, req.Text, req.RecordIDs)
	}

	out, err := llm.NewRequest(in)
	if err != nil {
		return llm.Request{}, err
	}
	if req.Provider != "" {
		out.Provider = llm.Provider(req.Provider)
	}
	return out, nil
}

// pastVisits searches earlier records for the question. A failed search is
// reported in the prompt rather than failing the question.
func pastVisits(ctx context.Context, deps Deps, question string, exclude []string) *llm.History {
	res, err := deps.History.Search(ctx, question, retrieval.Options{Exclude: exclude})
	if err != nil {
		deps.logger().Warn("searching past visits", "error", err)
		return &llm.History{Unavailable: err.Error()}
	}
	h := &llm.History{
		Historical: res.Historical,
		FieldID:    res.Filter.FieldID,
		Days:       res.Filter.Days(time.Now()),
	}
	for _, v := range res.Visits {
		h.Visits = append(h.Visits, llm.PastVisit{
			Date:    v.Record.CreatedAt,
			Snippet: retrieval.Snippet(v.Record, snippetRunes),
			FieldID: v.Record.Fields["field_id"],
			Crop:    v.Record.Fields["crop"],
			Issue:   v.Record.Fields["issue"],
		})
	}
	return h
}

func readPhoto(ctx context.Context, deps Deps, rec storage.Record) (llm.Image, bool) {
	src, ok, err := media.SourceOf(rec.Photo, rec.PhotoData)
	if err != nil || !ok {
		return llm.Image{}, false
	}
	data, mimeType, err := deps.Media.Read(ctx, src)
	if err != nil {
		deps.logger().Warn("reading photo for chat", "record_id", rec.ID, "error", err)
		return llm.Image{}, false
	}
	return llm.Image{Data: data, MimeType: mimeType}, true
}

// latestRecord is the newest of recs, or the newest stored record when recs
// is empty.
func latestRecord(ctx context.Context, deps Deps, recs []storage.Record) (*storage.Record, error) {
	if len(recs) == 0 {
		stored, err := deps.Store.ListRecords(ctx, 1, true)
		if err != nil {
			return nil, fmt.Errorf("loading latest record: %w", err)
		}
		if len(stored) == 0 {
			return nil, nil
		}
		return &stored[0], nil
	}
	latest := &recs[0]
	for i := range recs {
		if recs[i].CreatedAt.After(latest.CreatedAt) {
			latest = &recs[i]
		}
	}
	return latest, nil
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		defer r.Body.Close()

		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req, err := buildRequest(r.Context(), deps, body)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		next, stop := iter.Pull2(deps.LLM.Stream(r.Context(), req))
		defer stop()

		// Errors before the first fragment are reported with a status code.
		first, err, ok := next()
		if ok && err != nil {
			code, errType := generationStatus(err)
			httpError(w, code, errType, "%v", err)
			return
		}

		streamResponse(w, deps, first, next)
	}
}

func generationStatus(err error) (int, string) {
	if errors.Is(err, llm.ErrNoBackendAvailable) || errors.Is(err, llm.ErrBackendUnavailable) {
		return http.StatusServiceUnavailable, "backend_unavailable"
	}
	return http.StatusBadGateway, "api_error"
}

func streamResponse(w http.ResponseWriter, deps Deps, first string, next func() (string, error, bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(event string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			deps.logger().Error("encoding stream payload", "error", err)
			return
		}
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	if first != "" {
		send("", ChatChunk{Text: first})
	}
	for {
		frag, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			deps.logger().Warn("generation failed mid-stream", "error", err)
			send("error", map[string]any{
				"error": map[string]any{"message": err.Error(), "type": "server_error"},
			})
			return
		}
		send("", ChatChunk{Text: frag})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// answer runs req to completion.
func answer(ctx context.Context, deps Deps, req llm.Request) (string, error) {
	var b strings.Builder
	for frag, err := range deps.LLM.Stream(ctx, req) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
	return b.String(), nil
}
