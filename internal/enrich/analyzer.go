package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/fieldkit/internal/cloud"
	"github.com/kalambet/fieldkit/internal/media"
)

const (
	// MaxAudioBytes is the largest upload the transcription endpoint accepts.
	MaxAudioBytes = 25 << 20
	summaryRunes  = 200
	captionTokens = 200
)

const captionPrompt = `Write a short caption (one or two sentences) for this agricultural field photo.
Mention the crop, any visible problems and the overall condition. The caption is used for search.
Answer with a JSON object: {"caption": "string", "detected_objects": ["string"], "condition_assessment": "string"}`

const captionSchema = `{
	"type": "object",
	"required": ["caption"],
	"properties": {
		"caption": {"type": "string", "minLength": 1},
		"detected_objects": {"type": "array", "items": {"type": "string"}},
		"condition_assessment": {"type": "string"}
	}
}`

const captionSchemaURL = "https://fieldkit.local/schemas/photo-caption.json"

// PhotoDescription is the result of captioning a photo.
type PhotoDescription struct {
	Caption             string   `json:"caption"`
	DetectedObjects     []string `json:"detected_objects,omitempty"`
	ConditionAssessment string   `json:"condition_assessment,omitempty"`
}

// AudioTranscription is the result of transcribing a voice note.
type AudioTranscription struct {
	Transcript string
	Summary    string
	Language   string
}

// OpenAIAnalyzer captions photos and transcribes audio through an
// OpenAI-compatible API.
type OpenAIAnalyzer struct {
	client          *cloud.Client
	captionModel    string
	transcribeModel string
	schema          *jsonschema.Schema
}

// NewOpenAIAnalyzer compiles the caption response schema and returns an analyzer.
func NewOpenAIAnalyzer(client *cloud.Client, captionModel, transcribeModel string) (*OpenAIAnalyzer, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(captionSchemaURL, strings.NewReader(captionSchema)); err != nil {
		return nil, fmt.Errorf("loading caption schema: %w", err)
	}
	schema, err := c.Compile(captionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling caption schema: %w", err)
	}
	return &OpenAIAnalyzer{
		client:          client,
		captionModel:    captionModel,
		transcribeModel: transcribeModel,
		schema:          schema,
	}, nil
}

// DescribePhoto asks the model for a caption of image, given the record context.
func (a *OpenAIAnalyzer) DescribePhoto(ctx context.Context, image []byte, mimeType string, recordContext map[string]any) (PhotoDescription, error) {
	if !a.client.HasKey() {
		return PhotoDescription{}, ErrNoAPIKey
	}
	contextJSON, err := json.Marshal(recordContext)
	if err != nil {
		return PhotoDescription{}, fmt.Errorf("encoding context: %w", err)
	}

	content, err := a.client.Complete(ctx, cloud.ChatRequest{
		Model: a.captionModel,
		Messages: []cloud.Message{
			{Role: "system", Content: captionPrompt},
			{Role: "user", Content: []cloud.ContentPart{
				{Type: "text", Text: "Context: " + string(contextJSON)},
				{Type: "image_url", ImageURL: &cloud.ImageURL{URL: media.DataURL(image, mimeType)}},
			}},
		},
		MaxTokens:      captionTokens,
		ResponseFormat: &cloud.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return PhotoDescription{}, fmt.Errorf("%w: caption request: %w", ErrEnrichmentCallFailed, err)
	}
	return a.parseCaption(content)
}

func (a *OpenAIAnalyzer) parseCaption(content string) (PhotoDescription, error) {
	var raw any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return PhotoDescription{}, fmt.Errorf("%w: caption is not JSON: %w", ErrEnrichmentCallFailed, err)
	}
	if err := a.schema.Validate(raw); err != nil {
		return PhotoDescription{}, fmt.Errorf("%w: caption response: %w", ErrEnrichmentCallFailed, err)
	}
	var desc PhotoDescription
	if err := json.Unmarshal([]byte(content), &desc); err != nil {
		return PhotoDescription{}, fmt.Errorf("%w: decoding caption: %w", ErrEnrichmentCallFailed, err)
	}
	return desc, nil
}

// TranscribeAudio transcribes a voice note and derives a short summary.
func (a *OpenAIAnalyzer) TranscribeAudio(ctx context.Context, audio []byte, mimeType string) (AudioTranscription, error) {
	if !a.client.HasKey() {
		return AudioTranscription{}, ErrNoAPIKey
	}
	if len(audio) > MaxAudioBytes {
		return AudioTranscription{}, fmt.Errorf("%w: audio is %.2fMB, limit is 25MB",
			ErrEnrichmentCallFailed, float64(len(audio))/(1<<20))
	}

	ext := media.Extension(mimeType)
	if !strings.HasPrefix(mimeType, "audio/") || ext == ".bin" {
		ext = ".webm"
	}
	t, err := a.client.Transcribe(ctx, a.transcribeModel, audio, "audio"+ext)
	if err != nil {
		return AudioTranscription{}, fmt.Errorf("%w: transcription request: %w", ErrEnrichmentCallFailed, err)
	}

	language := t.Language
	if language == "" {
		language = "unknown"
	}
	return AudioTranscription{
		Transcript: t.Text,
		Summary:    Summarize(t.Text),
		Language:   language,
	}, nil
}

// Summarize returns the first 200 characters of text, with an ellipsis when
// text is longer.
func Summarize(text string) string {
	if utf8.RuneCountInString(text) <= summaryRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:summaryRunes]) + "..."
}
