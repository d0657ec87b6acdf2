package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.strs[key]
	return v, ok, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.ints[key]
	return v, ok, nil
}

func (b *memBackend) SetString(key, val string) error { b.strs[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error  { b.ints[key] = val; return nil }
func (b *memBackend) Delete(key string) error {
	delete(b.strs, key)
	delete(b.ints, key)
	return nil
}

// mockSecrets is a test double for the secret store.
type mockSecrets struct {
	values map[string]string
}

func (m *mockSecrets) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockSecrets) Set(service, account, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[service+"/"+account] = value
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(), &mockSecrets{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Empty(t, cfg.Server.APIToken)
	assert.Equal(t, "auto", cfg.Media.Backend)
	assert.Empty(t, cfg.Sync.ServerURL)
	assert.Equal(t, 5.0, cfg.Sync.RequestsPerSecond)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Enrichment.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.Enrichment.CaptionModel)
	assert.Equal(t, "whisper-1", cfg.Enrichment.TranscribeModel)
	assert.Equal(t, "auto", cfg.Generation.Preference)
	assert.Equal(t, "http://localhost:11434", cfg.Generation.OllamaURL)
	assert.Equal(t, "llama3.2:3b", cfg.Generation.PrimaryModel)
	assert.Equal(t, "llama3.2:1b", cfg.Generation.FallbackModel)
	assert.Equal(t, "nomic-embed-text", cfg.Generation.EmbedModel)
	assert.Equal(t, "https://www.gstatic.com/generate_204", cfg.Connectivity.ProbeURL)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Storage.DataDir)
}

func TestMissingCredentialsDoNotFail(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(), &mockSecrets{}, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Sync.APIKey)
	assert.Empty(t, cfg.Enrichment.APIKey)
	assert.Empty(t, cfg.Generation.CloudAPIKey)
}

func TestPrecedence(t *testing.T) {
	clearEnv(t)

	dotenv := map[string]string{
		"FIELDKIT_PORT":            "5000",
		"FIELDKIT_SYNC_SERVER_URL": "https://dotenv.example.com",
		"FIELDKIT_CAPTION_MODEL":   "dotenv-model",
	}
	b := newMemBackend()
	b.ints["server.port"] = 6000
	b.strs["sync.server_url"] = "https://backend.example.com"
	t.Setenv("FIELDKIT_PORT", "7000")

	cfg, err := loadWith(b, &mockSecrets{}, dotenv)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port, "env beats backend")
	assert.Equal(t, "https://backend.example.com", cfg.Sync.ServerURL, "backend beats .env")
	assert.Equal(t, "dotenv-model", cfg.Enrichment.CaptionModel, ".env beats defaults")
}

func TestBackendParsesTypedValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.strs["sync.requests_per_second"] = "2.5"
	b.strs["connectivity.interval"] = "45s"
	b.strs["generation.preference"] = "local"

	cfg, err := loadWith(b, &mockSecrets{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Sync.RequestsPerSecond)
	assert.Equal(t, 45*time.Second, cfg.Connectivity.Interval)
	assert.Equal(t, "local", cfg.Generation.Preference)
}

func TestUnparsableEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIELDKIT_PORT", "not-a-number")
	t.Setenv("FIELDKIT_PROBE_INTERVAL", "-5s")

	cfg, err := loadWith(newMemBackend(), &mockSecrets{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.Interval)
}

func TestSecretStoreFillsEmptySecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("FIELDKIT_CLOUD_API_KEY", "env-cloud")

	secrets := &mockSecrets{values: map[string]string{
		"fieldkit/sync_api_key":       "store-sync",
		"fieldkit/enrichment_api_key": "store-enrich",
		"fieldkit/cloud_api_key":      "store-cloud",
	}}

	cfg, err := loadWith(newMemBackend(), secrets, nil)
	require.NoError(t, err)
	assert.Equal(t, "store-sync", cfg.Sync.APIKey)
	assert.Equal(t, "store-enrich", cfg.Enrichment.APIKey)
	assert.Equal(t, "env-cloud", cfg.Generation.CloudAPIKey)
}

func TestBackendIgnoresSecrets(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.strs["sync.api_key"] = "plaintext"

	cfg, err := loadWith(b, &mockSecrets{}, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Sync.APIKey)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"media backend", "FIELDKIT_MEDIA_BACKEND", "tape"},
		{"preference", "FIELDKIT_BACKEND", "remote"},
		{"provider", "FIELDKIT_PROVIDER", "mistral"},
		{"port", "FIELDKIT_PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.val)
			_, err := loadWith(newMemBackend(), &mockSecrets{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()
	secrets := &mockSecrets{}

	require.NoError(t, setKey(b, secrets, "server.port", "4200"))
	assert.Equal(t, 4200, b.ints["server.port"])

	require.NoError(t, setKey(b, secrets, "connectivity.interval", "1m"))
	assert.Equal(t, "1m", b.strs["connectivity.interval"])

	require.NoError(t, setKey(b, secrets, "sync.requests_per_second", "0.5"))
	assert.Equal(t, "0.5", b.strs["sync.requests_per_second"])

	require.NoError(t, setKey(b, secrets, "sync.api_key", "s3cret"))
	assert.Equal(t, "s3cret", secrets.values["fieldkit/sync_api_key"])
	assert.NotContains(t, b.strs, "sync.api_key")
}

func TestSetKeyRejects(t *testing.T) {
	b := newMemBackend()
	secrets := &mockSecrets{}

	assert.ErrorContains(t, setKey(b, secrets, "nope.key", "x"), "unknown config key")
	assert.Error(t, setKey(b, secrets, "server.port", "abc"))
	assert.Error(t, setKey(b, secrets, "media.backend", "tape"))
	assert.Error(t, setKey(b, secrets, "connectivity.interval", "soon"))
	assert.Empty(t, b.strs)
	assert.Empty(t, b.ints)
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Sync.APIKey = "s3cret"

	byKey := map[string]KeyInfo{}
	for _, ki := range ShowAll(cfg) {
		byKey[ki.Key] = ki
	}

	assert.Equal(t, "4100", byKey["server.port"].Value)
	assert.Equal(t, "FIELDKIT_PORT", byKey["server.port"].EnvVar)
	assert.Equal(t, "(set)", byKey["sync.api_key"].Value)
	assert.True(t, byKey["sync.api_key"].Secret)
	assert.Equal(t, "(unset)", byKey["enrichment.api_key"].Value)
	assert.Len(t, ValidKeys(), len(specs))
}
