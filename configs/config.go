package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
}

// OAuthClient holds the app credentials used to refresh user tokens.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	PostgresURI    string
	RedisURI       string
	ListenAddr     string
	SecretKey      string
	ServiceSecret  string
	PlatformsFile  string
	OAuthClients   map[string]OAuthClient
	R2             R2
	Pipeline       Pipeline
	TokenRefresh   string
	RefreshHorizon time.Duration
}

// Pipeline tunes the scheduler tick.
type Pipeline struct {
	TickSpec               string
	TickTimeout            time.Duration
	PromoteBatch           int
	DrainBatch             int
	DrainConcurrency       int
	HTTPTimeout            time.Duration
	StaleAfter             time.Duration
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	MaxAttempts            int
	PostRetention          time.Duration
	CompletedItemRetention time.Duration
	FailedItemRetention    time.Duration
	RetentionBatch         int
}

func LoadConfig() *Config {
	return &Config{
		PostgresURI:   getEnv("POSTGRES_URI", ""),
		RedisURI:      getEnv("REDIS_URI", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":3000"),
		SecretKey:     getEnv("SECRET_KEY", ""),
		ServiceSecret: getEnv("SERVICE_TOKEN_SECRET", ""),
		PlatformsFile: getEnv("PLATFORMS_FILE", "configs/platforms.yaml"),
		OAuthClients:  loadOAuthClients(getEnv("OAUTH_PLATFORMS", "twitter,linkedin,youtube,tiktok,instagram,facebook,tumblr")),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
		},
		Pipeline: Pipeline{
			TickSpec:               getEnv("TICK_SPEC", "@every 1m"),
			TickTimeout:            getEnvDuration("TICK_TIMEOUT", 4*time.Minute),
			PromoteBatch:           getEnvInt("PROMOTE_BATCH", 100),
			DrainBatch:             getEnvInt("DRAIN_BATCH", 50),
			DrainConcurrency:       getEnvInt("DRAIN_CONCURRENCY", 10),
			HTTPTimeout:            getEnvDuration("PLATFORM_HTTP_TIMEOUT", 30*time.Second),
			StaleAfter:             getEnvDuration("STALE_AFTER", 30*time.Minute),
			BackoffBase:            getEnvDuration("BACKOFF_BASE", 5*time.Minute),
			BackoffCap:             getEnvDuration("BACKOFF_CAP", 2*time.Hour),
			MaxAttempts:            getEnvInt("MAX_ATTEMPTS", 3),
			PostRetention:          getEnvDuration("POST_RETENTION", 30*24*time.Hour),
			CompletedItemRetention: getEnvDuration("COMPLETED_ITEM_RETENTION", 7*24*time.Hour),
			FailedItemRetention:    getEnvDuration("FAILED_ITEM_RETENTION", 30*24*time.Hour),
			RetentionBatch:         getEnvInt("RETENTION_BATCH", 200),
		},
		TokenRefresh:   getEnv("TOKEN_REFRESH_SPEC", "@every 10m"),
		RefreshHorizon: getEnvDuration("TOKEN_REFRESH_HORIZON", 30*time.Minute),
	}
}

// loadOAuthClients reads <SLUG>_CLIENT_ID / <SLUG>_CLIENT_SECRET for each slug.
func loadOAuthClients(slugs string) map[string]OAuthClient {
	clients := make(map[string]OAuthClient)
	for _, slug := range strings.Split(slugs, ",") {
		slug = strings.TrimSpace(slug)
		if slug == "" {
			continue
		}
		prefix := strings.ToUpper(strings.ReplaceAll(slug, "-", "_"))
		clients[slug] = OAuthClient{
			ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
		}
	}
	return clients
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
