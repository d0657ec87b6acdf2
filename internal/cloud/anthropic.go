package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient streams from the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// MessagesRequest is the Anthropic messages request. System is separate
// from Messages.
type MessagesRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream yields text deltas from a streaming messages request.
func (c *AnthropicClient) Stream(ctx context.Context, req MessagesRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req.Stream = true
		if req.MaxTokens == 0 {
			req.MaxTokens = 1024
		}
		body, err := json.Marshal(req)
		if err != nil {
			yield("", fmt.Errorf("marshaling request: %w", err))
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield("", fmt.Errorf("executing request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", statusError(resp))
			return
		}

		stopped := false
		err = readSSE(resp.Body, func(_, data string) (bool, error) {
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, fmt.Errorf("decoding stream event: %w", err)
			}
			switch ev.Type {
			case "message_stop":
				return false, nil
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				return false, fmt.Errorf("%w: %s", ErrRemoteRejected, msg)
			case "content_block_delta":
				if ev.Delta.Text == "" {
					return true, nil
				}
				if !yield(ev.Delta.Text, nil) {
					stopped = true
					return false, nil
				}
			}
			return true, nil
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}
