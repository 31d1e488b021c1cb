package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PlatformConfig is the static, read-only description of one social network.
type PlatformConfig struct {
	Slug              string            `yaml:"slug" validate:"required,lowercase,alphanum"`
	Name              string            `yaml:"name" validate:"required"`
	APIBase           string            `yaml:"api_base" validate:"required,url"`
	AuthType          string            `yaml:"auth_type" validate:"required,oneof=oauth2 api-key bearer"`
	MaxChars          int               `yaml:"max_chars" validate:"gte=0"`
	MaxMedia          int               `yaml:"max_media" validate:"gte=0"`
	SupportsImages    bool              `yaml:"supports_images"`
	SupportsVideos    bool              `yaml:"supports_videos"`
	RequiresMedia     bool              `yaml:"requires_media"`
	RateLimit         int               `yaml:"rate_limit" validate:"gte=0"`
	RateWindow        time.Duration     `yaml:"rate_window" validate:"gte=0"`
	RequestsPerSecond float64           `yaml:"requests_per_second" validate:"gte=0"`
	MaxAttempts       int               `yaml:"max_attempts" validate:"gte=0"`
	Truncate          bool              `yaml:"truncate"`
	ContentFormat     string            `yaml:"content_format" validate:"omitempty,oneof=plain html"`
	APIKeyHeader      string            `yaml:"api_key_header"`
	RefreshStyle      string            `yaml:"refresh_style" validate:"omitempty,oneof=oauth2 tiktok instagram none"`
	EndpointOverrides map[string]string `yaml:"endpoint_overrides" validate:"dive,keys,oneof=auth token post media analytics me,endkeys,required"`
}

type platformsFile struct {
	Platforms []PlatformConfig `yaml:"platforms" validate:"required,min=1,dive"`
}

var platformValidate = validator.New()

// LoadPlatforms reads and validates the platform table from a YAML file.
func LoadPlatforms(path string) ([]PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading platform config: %w", err)
	}
	return ParsePlatforms(data)
}

func ParsePlatforms(data []byte) ([]PlatformConfig, error) {
	var f platformsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing platform config: %w", err)
	}
	if err := platformValidate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid platform config: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Platforms))
	for i := range f.Platforms {
		p := &f.Platforms[i]
		if _, dup := seen[p.Slug]; dup {
			return nil, fmt.Errorf("invalid platform config: duplicate slug %q", p.Slug)
		}
		seen[p.Slug] = struct{}{}

		if p.ContentFormat == "" {
			p.ContentFormat = "plain"
		}
		if p.RefreshStyle == "" {
			if p.AuthType == "oauth2" {
				p.RefreshStyle = "oauth2"
			} else {
				p.RefreshStyle = "none"
			}
		}
		if p.AuthType == "api-key" && p.APIKeyHeader == "" {
			p.APIKeyHeader = "X-API-Key"
		}
	}
	return f.Platforms, nil
}
