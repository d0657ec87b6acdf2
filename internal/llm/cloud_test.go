package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferProvider(t *testing.T) {
	assert.Equal(t, ProviderAnthropic, InferProvider("sk-ant-api03-xyz"))
	assert.Equal(t, ProviderOpenAI, InferProvider("sk-proj-abc"))
	assert.Equal(t, ProviderOpenAI, InferProvider(""))
}

func TestCloudProbe(t *testing.T) {
	online := true
	c := NewCloudBackend(CloudOptions{APIKey: "sk-x", Online: func() bool { return online }})
	assert.True(t, c.Probe(context.Background()).Available)

	online = false
	assert.Equal(t, Probe{Reason: "offline"}, c.Probe(context.Background()))

	c = NewCloudBackend(CloudOptions{})
	assert.Equal(t, Probe{Reason: "no cloud API key configured"}, c.Probe(context.Background()))

	_, err := collect(c.Stream(context.Background(), Request{Text: "hi"}))
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCloudProviderPrecedence(t *testing.T) {
	c := NewCloudBackend(CloudOptions{APIKey: "sk-ant-1"})
	assert.Equal(t, ProviderAnthropic, c.Provider(Request{}))
	assert.Equal(t, ProviderOpenAI, c.Provider(Request{Provider: ProviderOpenAI}))

	c = NewCloudBackend(CloudOptions{APIKey: "sk-ant-1", Provider: ProviderOpenAI})
	assert.Equal(t, ProviderOpenAI, c.Provider(Request{}))
}

func TestCloudStreamOpenAI(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-proj-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, s := range []string{"Looks ", "like rust."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewCloudBackend(CloudOptions{APIKey: "sk-proj-1", OpenAIBaseURL: srv.URL})
	out, err := collect(c.Stream(context.Background(), Request{
		Text:         "what is on the leaf?",
		SystemPrompt: "sys",
		Images:       []Image{{Data: []byte("img"), MimeType: "image/png"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Looks like rust.", out)

	assert.Equal(t, DefaultOpenAIModel, body["model"])
	assert.Equal(t, true, body["stream"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "data:image/png;base64,aW1n", img["image_url"].(map[string]any)["url"])
}

func TestCloudStreamAnthropic(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-1", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Aphids.\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	c := NewCloudBackend(CloudOptions{APIKey: "sk-ant-1", AnthropicBaseURL: srv.URL})
	out, err := collect(c.Stream(context.Background(), Request{
		Text:         "pest?",
		SystemPrompt: "sys",
		Images:       []Image{{Data: []byte("img")}},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Aphids.", out)

	assert.Equal(t, DefaultAnthropicModel, body["model"])
	assert.Equal(t, "sys", body["system"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	src := parts[1].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "base64", src["type"])
	assert.Equal(t, "image/jpeg", src["media_type"])
	assert.Equal(t, "aW1n", src["data"])
}

func TestCloudStreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCloudBackend(CloudOptions{APIKey: "sk-ant-1", AnthropicBaseURL: srv.URL})
	_, err := collect(c.Stream(context.Background(), Request{Text: "hi"}))
	require.Error(t, err)
}
