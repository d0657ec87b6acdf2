package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fieldkit/internal/cloud"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])
		b, _ := json.Marshal(content)
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`, b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAnalyzer(t *testing.T, baseURL string) *OpenAIAnalyzer {
	t.Helper()
	a, err := NewOpenAIAnalyzer(cloud.NewClient("sk-test", baseURL), "gpt-4o-mini", "whisper-1")
	require.NoError(t, err)
	return a
}

func TestDescribePhoto(t *testing.T) {
	srv := chatServer(t, `{"caption":"young beans with leaf miner trails","detected_objects":["beans","leaf miner"],"condition_assessment":"moderate"}`)
	a := newTestAnalyzer(t, srv.URL)

	desc, err := a.DescribePhoto(context.Background(), []byte("jpeg"), "image/jpeg", map[string]any{"crop": "beans"})
	require.NoError(t, err)
	assert.Equal(t, "young beans with leaf miner trails", desc.Caption)
	assert.Equal(t, []string{"beans", "leaf miner"}, desc.DetectedObjects)
	assert.Equal(t, "moderate", desc.ConditionAssessment)
}

func TestDescribePhotoRejectsMalformedResponses(t *testing.T) {
	for name, content := range map[string]string{
		"not json":        "A field of beans.",
		"missing caption": `{"detected_objects":["beans"]}`,
		"empty caption":   `{"caption":""}`,
		"wrong type":      `{"caption":42}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := chatServer(t, content)
			_, err := newTestAnalyzer(t, srv.URL).DescribePhoto(context.Background(), []byte("x"), "image/jpeg", nil)
			assert.ErrorIs(t, err, ErrEnrichmentCallFailed)
		})
	}
}

func TestDescribePhotoServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestAnalyzer(t, srv.URL).DescribePhoto(context.Background(), []byte("x"), "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrEnrichmentCallFailed)
	assert.ErrorIs(t, err, cloud.ErrRemoteRejected)
}

func TestTranscribeAudio(t *testing.T) {
	long := strings.Repeat("a", 250)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		_, hdr, err := r.FormFile("file")
		if assert.NoError(t, err) {
			assert.Equal(t, "audio.m4a", hdr.Filename)
		}
		fmt.Fprintf(w, `{"text":%q}`, long)
	}))
	defer srv.Close()

	tr, err := newTestAnalyzer(t, srv.URL).TranscribeAudio(context.Background(), []byte("m4a"), "audio/mp4")
	require.NoError(t, err)
	assert.Equal(t, long, tr.Transcript)
	assert.Equal(t, strings.Repeat("a", 200)+"...", tr.Summary)
	assert.Equal(t, "unknown", tr.Language)
}

func TestTranscribeAudioTooLarge(t *testing.T) {
	a := newTestAnalyzer(t, "http://127.0.0.1:1")
	_, err := a.TranscribeAudio(context.Background(), make([]byte, MaxAudioBytes+1), "audio/webm")
	assert.ErrorIs(t, err, ErrEnrichmentCallFailed)
	assert.Contains(t, err.Error(), "25MB")
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short"))
	assert.Equal(t, strings.Repeat("é", 200), Summarize(strings.Repeat("é", 200)))
	assert.Equal(t, strings.Repeat("é", 200)+"...", Summarize(strings.Repeat("é", 201)))
}

func TestAnalyzerWithoutKey(t *testing.T) {
	a, err := NewOpenAIAnalyzer(cloud.NewClient("", "http://127.0.0.1:1"), "gpt-4o-mini", "whisper-1")
	require.NoError(t, err)

	_, err = a.DescribePhoto(context.Background(), []byte("x"), "image/jpeg", nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = a.TranscribeAudio(context.Background(), []byte("x"), "audio/webm")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}
