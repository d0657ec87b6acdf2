package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/fieldkit/internal/storage"
)

const (
	requestTimeout = 30 * time.Second
	maxErrorBody   = 200
)

// ErrRemoteRejected is returned when the sync server answers with a non-2xx
// status.
var ErrRemoteRejected = errors.New("sync server rejected request")

// Config locates the sync server.
type Config struct {
	ServerURL string
	APIKey    string
}

func (c Config) configured() bool {
	return c.ServerURL != ""
}

// Client talks to the sync server. Requests are paced by a token bucket.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client allowing rps requests per second. rps <= 0
// disables pacing.
func NewClient(cfg Config, rps float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		cfg:        Config{ServerURL: strings.TrimRight(cfg.ServerURL, "/"), APIKey: cfg.APIKey},
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Upsert pushes record metadata. Media bytes are never included.
func (c *Client) Upsert(ctx context.Context, rec storage.Record) error {
	body, err := json.Marshal(upsertPayload(rec))
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	resp, err := c.do(ctx, "/sync/visits/upsert", "application/json", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UploadMedia uploads one media item and returns the remote URI the server
// stored it under.
func (c *Client) UploadMedia(ctx context.Context, recordID string, role string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", UploadFilename(recordID, role))
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.WriteField("visit_id", recordID); err != nil {
		return "", fmt.Errorf("writing form field: %w", err)
	}
	if err := mw.WriteField("type", role); err != nil {
		return "", fmt.Errorf("writing form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	resp, err := c.do(ctx, "/sync/media/upload", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.URI == "" {
		return "", fmt.Errorf("upload response for %s has no uri", recordID)
	}
	return out.URI, nil
}

// UploadFilename is the multipart file name for a record's media.
func UploadFilename(recordID, role string) string {
	ext := "webm"
	if role == "photo" {
		ext = "jpg"
	}
	return fmt.Sprintf("visit_%s_%s.%s", recordID, role, ext)
}

func (c *Client) do(ctx context.Context, path, contentType string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: POST %s: %s: %s", ErrRemoteRejected, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// upsertPayload flattens a record into the server's visit shape.
func upsertPayload(rec storage.Record) map[string]any {
	p := map[string]any{
		"id":               rec.ID,
		"createdAt":        rec.CreatedAt.UnixMilli(),
		"updatedAt":        rec.UpdatedAt.UnixMilli(),
		"task_type":        rec.TaskType,
		"lat":              rec.Lat,
		"lon":              rec.Lon,
		"acc":              rec.Accuracy,
		"note":             rec.Note,
		"photo_present":    rec.PhotoPresent,
		"audio_present":    rec.AudioPresent,
		"photo_caption":    rec.PhotoCaption,
		"audio_transcript": rec.AudioTranscript,
		"audio_summary":    rec.AudioSummary,
		"aiStatus":         rec.AI,
	}
	for k, v := range rec.Fields {
		if _, ok := p[k]; !ok && v != "" {
			p[k] = v
		}
	}
	return p
}
