package llm

import (
	"context"
	"encoding/base64"
	"iter"
	"strings"

	"github.com/kalambet/fieldkit/internal/cloud"
	"github.com/kalambet/fieldkit/internal/media"
)

const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	cloudMaxTokens        = 1024
)

// InferProvider guesses the provider from the key format.
func InferProvider(apiKey string) Provider {
	if strings.HasPrefix(apiKey, "sk-ant-") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// CloudOptions configures a CloudBackend.
type CloudOptions struct {
	APIKey           string
	Provider         Provider // empty infers from APIKey
	OpenAIBaseURL    string
	AnthropicBaseURL string
	OpenAIModel      string
	AnthropicModel   string
	Online           func() bool
}

// CloudBackend streams from a hosted provider. It is available when the
// device is online and a key is configured.
type CloudBackend struct {
	opts      CloudOptions
	openai    *cloud.Client
	anthropic *cloud.AnthropicClient
}

func NewCloudBackend(opts CloudOptions) *CloudBackend {
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.OpenAIModel == "" {
		opts.OpenAIModel = DefaultOpenAIModel
	}
	if opts.AnthropicModel == "" {
		opts.AnthropicModel = DefaultAnthropicModel
	}
	return &CloudBackend{
		opts:      opts,
		openai:    cloud.NewClient(opts.APIKey, opts.OpenAIBaseURL),
		anthropic: cloud.NewAnthropicClient(opts.APIKey, opts.AnthropicBaseURL),
	}
}

func (c *CloudBackend) Name() string { return "cloud" }

func (c *CloudBackend) Probe(context.Context) Probe {
	switch {
	case !c.opts.Online():
		return Probe{Reason: "offline"}
	case c.opts.APIKey == "":
		return Probe{Reason: "no cloud API key configured"}
	}
	return Probe{Available: true}
}

// Provider returns the provider req would be sent to.
func (c *CloudBackend) Provider(req Request) Provider {
	if req.Provider != "" {
		return req.Provider
	}
	if c.opts.Provider != "" {
		return c.opts.Provider
	}
	return InferProvider(c.opts.APIKey)
}

func (c *CloudBackend) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	if p := c.Probe(ctx); !p.Available {
		return func(yield func(string, error) bool) {
			yield("", unavailable(c.Name(), p))
		}
	}

	if c.Provider(req) == ProviderAnthropic {
		return c.anthropic.Stream(ctx, cloud.MessagesRequest{
			Model:     c.opts.AnthropicModel,
			System:    req.SystemPrompt,
			Messages:  []cloud.Message{anthropicUser(req)},
			MaxTokens: cloudMaxTokens,
		})
	}

	var msgs []cloud.Message
	if req.SystemPrompt != "" {
		msgs = append(msgs, cloud.Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, openAIUser(req))
	return c.openai.Stream(ctx, cloud.ChatRequest{
		Model:     c.opts.OpenAIModel,
		Messages:  msgs,
		MaxTokens: cloudMaxTokens,
	})
}

func openAIUser(req Request) cloud.Message {
	text := userText(req)
	if len(req.Images) == 0 {
		return cloud.Message{Role: "user", Content: text}
	}
	parts := []cloud.ContentPart{{Type: "text", Text: text}}
	for _, img := range req.Images {
		parts = append(parts, cloud.ContentPart{
			Type:     "image_url",
			ImageURL: &cloud.ImageURL{URL: media.DataURL(img.Data, imageMime(img))},
		})
	}
	return cloud.Message{Role: "user", Content: parts}
}

func anthropicUser(req Request) cloud.Message {
	text := userText(req)
	if len(req.Images) == 0 {
		return cloud.Message{Role: "user", Content: text}
	}
	parts := []cloud.ContentPart{{Type: "text", Text: text}}
	for _, img := range req.Images {
		parts = append(parts, cloud.ContentPart{
			Type: "image",
			Source: &cloud.ImageSource{
				Type:      "base64",
				MediaType: imageMime(img),
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	return cloud.Message{Role: "user", Content: parts}
}

func imageMime(img Image) string {
	if img.MimeType == "" {
		return "image/jpeg"
	}
	return img.MimeType
}
