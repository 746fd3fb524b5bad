package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "IMAGEBANK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "IMAGEBANK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "IMAGEBANK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "IMAGEBANK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "IMAGEBANK_OLLAMA_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "IMAGEBANK_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "IMAGEBANK_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IMAGEBANK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "objects.backend", typ: kString, env: "IMAGEBANK_OBJECTS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Objects.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.Backend },
	},
	{
		key: "objects.prefix", typ: kString, env: "IMAGEBANK_OBJECTS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Objects.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.Prefix },
	},
	{
		key: "objects.s3_bucket", typ: kString, env: "IMAGEBANK_OBJECTS_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Objects.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.S3Bucket },
	},
	{
		key: "objects.s3_region", typ: kString, env: "IMAGEBANK_OBJECTS_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Objects.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.S3Region },
	},
	{
		key: "objects.s3_endpoint", typ: kString, env: "IMAGEBANK_OBJECTS_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Objects.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.S3Endpoint },
	},
	{
		key: "objects.public_base_url", typ: kString, env: "IMAGEBANK_OBJECTS_PUBLIC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Objects.PublicBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.PublicBaseURL },
	},
	{
		key: "bank.dimension", typ: kInt, env: "IMAGEBANK_BANK_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Bank.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Bank.Dimension },
	},
	{
		key: "bank.min_score", typ: kFloat, env: "IMAGEBANK_BANK_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Bank.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Bank.MinScore },
	},
	{
		key: "bank.mirror_images", typ: kBool, env: "IMAGEBANK_BANK_MIRROR_IMAGES",
		apply:   func(cfg *Config, v any) { cfg.Bank.MirrorImages = v.(bool) },
		extract: func(cfg Config) any { return cfg.Bank.MirrorImages },
	},
	{
		key: "media.confident_score", typ: kFloat, env: "IMAGEBANK_MEDIA_CONFIDENT_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Media.ConfidentScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Media.ConfidentScore },
	},
	{
		key: "media.cache_ttl", typ: kDuration, env: "IMAGEBANK_MEDIA_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Media.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Media.CacheTTL },
	},
	{
		key: "media.cache_size", typ: kInt, env: "IMAGEBANK_MEDIA_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Media.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.CacheSize },
	},
	{
		key: "media.providers", typ: kList, env: "IMAGEBANK_MEDIA_PROVIDERS",
		apply:   func(cfg *Config, v any) { cfg.Media.Providers = v.([]string) },
		extract: func(cfg Config) any { return cfg.Media.Providers },
	},
	{
		key: "media.fallback_queries", typ: kList, env: "IMAGEBANK_MEDIA_FALLBACK_QUERIES",
		apply:   func(cfg *Config, v any) { cfg.Media.FallbackQueries = v.([]string) },
		extract: func(cfg Config) any { return cfg.Media.FallbackQueries },
	},
	{
		key: "sync.delay", typ: kDuration, env: "IMAGEBANK_SYNC_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sync.Delay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Delay },
	},
	{
		key: "providers.unsplash_access_key", typ: kString, env: "IMAGEBANK_UNSPLASH_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.UnsplashAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.UnsplashAccessKey },
	},
	{
		key: "providers.pexels_api_key", typ: kString, env: "IMAGEBANK_PEXELS_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.PexelsAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.PexelsAPIKey },
	},
	{
		key: "providers.getty_api_key", typ: kString, env: "IMAGEBANK_GETTY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.GettyAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.GettyAPIKey },
	},
}

// parseValue converts a raw string into the Go type a key expects. Lists
// accept a JSON array or a comma-separated string.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var list []string
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return nil, err
			}
			return list, nil
		}
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		return list, nil
	}
	return raw, nil
}

func formatValue(v any) string {
	if list, ok := v.([]string); ok {
		return strings.Join(list, ",")
	}
	return fmt.Sprintf("%v", v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
