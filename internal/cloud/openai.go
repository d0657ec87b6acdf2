// Package cloud holds the HTTP clients for hosted AI providers: an
// OpenAI-compatible client (chat, streaming chat, transcription) and an
// Anthropic messages client.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultTimeout       = 60 * time.Second
	streamingTimeout     = 300 * time.Second
	maxRateLimitRetries  = 3
	initialBackoff       = 500 * time.Millisecond
	maxErrorBody         = 512
)

// Client talks to an OpenAI-compatible API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. An empty baseURL means the public
// OpenAI endpoint.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Per-request timeouts are applied with contexts.
		httpClient: &http.Client{},
	}
}

// HasKey reports whether the client has a credential.
func (c *Client) HasKey() bool {
	return c.apiKey != ""
}

// Complete sends a non-streaming chat completion and returns the content of
// the first choice.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	rc, err := c.postWithRetry(ctx, "/chat/completions", body, defaultTimeout)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends a streaming chat completion and yields content deltas. The
// request is made when iteration starts.
func (c *Client) Stream(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req.Stream = true
		body, err := json.Marshal(req)
		if err != nil {
			yield("", fmt.Errorf("marshaling request: %w", err))
			return
		}

		rc, err := c.postWithRetry(ctx, "/chat/completions", body, streamingTimeout)
		if err != nil {
			yield("", err)
			return
		}
		defer rc.Close()

		stopped := false
		err = readSSE(rc, func(_, data string) (bool, error) {
			if data == "[DONE]" {
				return false, nil
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, fmt.Errorf("decoding stream chunk: %w", err)
			}
			if chunk.Error != nil {
				return false, fmt.Errorf("%w: %s", ErrRemoteRejected, chunk.Error.Message)
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				return true, nil
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				stopped = true
				return false, nil
			}
			return true, nil
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// Transcribe uploads audio to /audio/transcriptions and returns the
// verbose_json result.
func (c *Client) Transcribe(ctx context.Context, model string, audio []byte, filename string) (Transcription, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Transcription{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return Transcription{}, fmt.Errorf("writing form file: %w", err)
	}
	for k, v := range map[string]string{"model": model, "response_format": "verbose_json"} {
		if err := mw.WriteField(k, v); err != nil {
			return Transcription{}, fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("closing form: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return Transcription{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transcription{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Transcription{}, statusError(resp)
	}

	var t Transcription
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Transcription{}, fmt.Errorf("decoding transcription: %w", err)
	}
	return t, nil
}

// postWithRetry POSTs body, retrying HTTP 429 with exponential backoff.
func (c *Client) postWithRetry(ctx context.Context, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range maxRateLimitRetries {
		rc, err := c.post(ctx, path, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRateLimitRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRateLimitRetries, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (e *rateLimitError) Unwrap() error { return ErrRemoteRejected }

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
