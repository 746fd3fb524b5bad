package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Objects   ObjectsConfig
	Bank      BankConfig
	Media     MediaConfig
	Sync      SyncConfig
	Providers ProviderKeys
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL     string
	FastModel   string
	VisionModel string
	EmbedModel  string
}

type StorageConfig struct {
	DataDir string
}

// ObjectsConfig selects where bank.json, bank.index and mirrored renditions
// live. Backend is one of "file", "sqlite" or "s3".
type ObjectsConfig struct {
	Backend       string
	Prefix        string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	PublicBaseURL string
}

type BankConfig struct {
	Dimension    int
	MinScore     float64
	MirrorImages bool
}

type MediaConfig struct {
	ConfidentScore  float64
	CacheTTL        time.Duration
	CacheSize       int
	Providers       []string
	FallbackQueries []string
}

type SyncConfig struct {
	Delay time.Duration
}

// ProviderKeys are API credentials; they are only ever read from the environment.
type ProviderKeys struct {
	UnsplashAccessKey string
	PexelsAPIKey      string
	GettyAPIKey       string
}

// Object backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			FastModel:   "llama3.2",
			VisionModel: "llava",
			EmbedModel:  "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Objects: ObjectsConfig{
			Backend: BackendFile,
			Prefix:  "imagebank",
		},
		Bank: BankConfig{
			Dimension: 768,
			MinScore:  0.88,
		},
		Media: MediaConfig{
			ConfidentScore:  0.90,
			CacheTTL:        15 * time.Minute,
			CacheSize:       512,
			Providers:       []string{"unsplash", "pexels", "getty"},
			FallbackQueries: []string{"restaurant interior", "food photography"},
		},
		Sync: SyncConfig{
			Delay: 5 * time.Second,
		},
	}
}

// Load reads configuration from a .env file in the working directory (if
// any), the JSON config file at $XDG_CONFIG_HOME/imagebank/config.json, and
// IMAGEBANK_* environment variables, in increasing order of precedence.
// Secrets are only read from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late, after the bank has
// been loaded or the first provider called.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Objects.Backend {
	case BackendFile, BackendSQLite:
	case BackendS3:
		if c.Objects.S3Bucket == "" {
			errs = append(errs, errors.New("objects.s3_bucket is required when objects.backend is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("objects.backend %q must be one of file, sqlite, s3", c.Objects.Backend))
	}
	if c.Bank.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("bank.dimension must be positive, got %d", c.Bank.Dimension))
	}
	if c.Bank.MinScore <= 0 || c.Bank.MinScore > 1 {
		errs = append(errs, fmt.Errorf("bank.min_score must be in (0, 1], got %v", c.Bank.MinScore))
	}
	if c.Media.ConfidentScore <= 0 || c.Media.ConfidentScore > 1 {
		errs = append(errs, fmt.Errorf("media.confident_score must be in (0, 1], got %v", c.Media.ConfidentScore))
	}
	if c.Sync.Delay < 0 {
		errs = append(errs, fmt.Errorf("sync.delay must not be negative, got %s", c.Sync.Delay))
	}
	return errors.Join(errs...)
}

// ProviderKey returns the credential for a provider name, or "" if unset.
func (c Config) ProviderKey(name string) string {
	switch strings.ToLower(name) {
	case "unsplash":
		return c.Providers.UnsplashAccessKey
	case "pexels":
		return c.Providers.PexelsAPIKey
	case "getty":
		return c.Providers.GettyAPIKey
	}
	return ""
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "imagebank-data"
		}
	}
	return filepath.Join(dir, "imagebank")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "imagebank", "config.json")
}
