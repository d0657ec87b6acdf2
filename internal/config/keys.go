package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDKIT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "FIELDKIT_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDKIT_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "media.backend", typ: kString, env: "FIELDKIT_MEDIA_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Media.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.Backend },
	},
	{
		key: "media.s3_region", typ: kString, env: "FIELDKIT_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Media.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.S3Region },
	},
	{
		key: "media.s3_endpoint", typ: kString, env: "FIELDKIT_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Media.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.S3Endpoint },
	},
	{
		key: "sync.server_url", typ: kString, env: "FIELDKIT_SYNC_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ServerURL },
	},
	{
		key: "sync.api_key", typ: kString, env: "FIELDKIT_SYNC_API_KEY",
		secret: true, account: "sync_api_key",
		apply:   func(cfg *Config, v any) { cfg.Sync.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.APIKey },
	},
	{
		key: "sync.requests_per_second", typ: kFloat, env: "FIELDKIT_SYNC_RPS",
		apply:   func(cfg *Config, v any) { cfg.Sync.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Sync.RequestsPerSecond },
	},
	{
		key: "enrichment.api_key", typ: kString, env: "FIELDKIT_ENRICHMENT_API_KEY",
		secret: true, account: "enrichment_api_key",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.APIKey },
	},
	{
		key: "enrichment.base_url", typ: kString, env: "FIELDKIT_ENRICHMENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.BaseURL },
	},
	{
		key: "enrichment.caption_model", typ: kString, env: "FIELDKIT_CAPTION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.CaptionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.CaptionModel },
	},
	{
		key: "enrichment.transcribe_model", typ: kString, env: "FIELDKIT_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.TranscribeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.TranscribeModel },
	},
	{
		key: "generation.preference", typ: kString, env: "FIELDKIT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Preference = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Preference },
	},
	{
		key: "generation.provider", typ: kString, env: "FIELDKIT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generation.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Provider },
	},
	{
		key: "generation.cloud_api_key", typ: kString, env: "FIELDKIT_CLOUD_API_KEY",
		secret: true, account: "cloud_api_key",
		apply:   func(cfg *Config, v any) { cfg.Generation.CloudAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.CloudAPIKey },
	},
	{
		key: "generation.ollama_url", typ: kString, env: "FIELDKIT_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OllamaURL },
	},
	{
		key: "generation.primary_model", typ: kString, env: "FIELDKIT_PRIMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.PrimaryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.PrimaryModel },
	},
	{
		key: "generation.fallback_model", typ: kString, env: "FIELDKIT_FALLBACK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.FallbackModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.FallbackModel },
	},
	{
		key: "generation.embed_model", typ: kString, env: "FIELDKIT_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.EmbedModel },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "FIELDKIT_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.interval", typ: kDuration, env: "FIELDKIT_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.Interval },
	},
	{
		key: "log.level", typ: kString, env: "FIELDKIT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	applyEnv(cfg, os.Getenv)
}

// applyEnv applies every FIELDKIT_* variable getenv knows about.
func applyEnv(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets that are still empty from the secret store.
func applySecrets(cfg *Config, store secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(secretService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
