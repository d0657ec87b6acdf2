package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const secretService = "fieldkit"

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Media        MediaConfig
	Sync         SyncConfig
	Enrichment   EnrichmentConfig
	Generation   GenerationConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type MediaConfig struct {
	Backend    string // auto, blob or file
	S3Region   string
	S3Endpoint string
}

type SyncConfig struct {
	ServerURL         string
	APIKey            string
	RequestsPerSecond float64
}

type EnrichmentConfig struct {
	APIKey          string
	BaseURL         string
	CaptionModel    string
	TranscribeModel string
}

type GenerationConfig struct {
	Preference    string // local, cloud or auto
	Provider      string // openai or anthropic; empty infers from the key
	CloudAPIKey   string
	OllamaURL     string
	PrimaryModel  string
	FallbackModel string
	EmbedModel    string // indexes records for past-visit search
}

type ConnectivityConfig struct {
	ProbeURL string
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Media: MediaConfig{
			Backend: "auto",
		},
		Sync: SyncConfig{
			RequestsPerSecond: 5,
		},
		Enrichment: EnrichmentConfig{
			BaseURL:         "https://api.openai.com/v1",
			CaptionModel:    "gpt-4o-mini",
			TranscribeModel: "whisper-1",
		},
		Generation: GenerationConfig{
			Preference:    "auto",
			OllamaURL:     "http://localhost:11434",
			PrimaryModel:  "llama3.2:3b",
			FallbackModel: "llama3.2:1b",
			EmbedModel:    "nomic-embed-text",
		},
		Connectivity: ConnectivityConfig{
			ProbeURL: "https://www.gstatic.com/generate_204",
			Interval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from, lowest to highest precedence:
// defaults, a .env file in the working directory, the platform backend,
// FIELDKIT_* environment variables. Secrets still empty after that are
// read from the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.fieldkit.app) and
// secrets live in the Keychain (service: fieldkit).
// Elsewhere the backend is $XDG_CONFIG_HOME/fieldkit/config.json and
// secrets live in $XDG_DATA_HOME/fieldkit/secrets.json.
//
// Every key is optional. Missing credentials disable features instead of
// failing startup.
func Load() (Config, error) {
	dotenv, err := godotenv.Read(".env")
	if err != nil {
		dotenv = nil
	}
	return loadWith(newPlatformBackend(), platformSecrets{}, dotenv)
}

// secretStore abstracts Keychain / secrets-file access for testing.
type secretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, secrets secretStore, dotenv map[string]string) (Config, error) {
	cfg := defaults()

	applyEnv(&cfg, func(k string) string { return dotenv[k] })

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated keys.
func (c Config) Validate() error {
	switch c.Media.Backend {
	case "auto", "blob", "file":
	default:
		return fmt.Errorf("invalid media.backend %q: want auto, blob or file", c.Media.Backend)
	}
	switch c.Generation.Preference {
	case "auto", "local", "cloud":
	default:
		return fmt.Errorf("invalid generation.preference %q: want auto, local or cloud", c.Generation.Preference)
	}
	switch c.Generation.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("invalid generation.provider %q: want openai or anthropic", c.Generation.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// platformSecrets reads and writes the platform secret store.
type platformSecrets struct{}

func (platformSecrets) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformSecrets) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
