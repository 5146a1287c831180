package qdrant

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/storysmith/storysmith-backend/internal/pkg/envutil"
)

type Config struct {
	URL        string
	Collection string
	VectorDim  int
}

func ResolveConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:        envutil.String("QDRANT_URL", ""),
		Collection: envutil.String("QDRANT_COLLECTION", "storysmith"),
		VectorDim:  envutil.Int("QDRANT_VECTOR_DIM", 1536),
	}
	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333", cfg.URL)
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return fmt.Errorf("QDRANT_COLLECTION is required")
	}
	if cfg.VectorDim <= 0 {
		return fmt.Errorf("invalid QDRANT_VECTOR_DIM=%d; expected positive integer", cfg.VectorDim)
	}
	return nil
}
