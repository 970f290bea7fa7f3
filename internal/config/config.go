// Package config loads session configuration from the environment,
// following the teacher's envOr/typed-parse idiom.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config holds the environment-driven knobs for running an ingestion
// session.
type Config struct {
	BaseDir             string
	KnownDigestsPath    string
	Parallelism         int
	CDXBase             string
	UserAgent           string
	StoreDir            string
	StoreMirrorBucket   string
	StoreMirrorPrefix   string
	StoreForcePathStyle bool
	MetricsAddr         string
	LogLevel            slog.Level
}

// Load reads Config from the environment, falling back to the defaults the
// original implementation uses.
func Load() Config {
	parallelism, _ := strconv.Atoi(envOr("WAYBACK_PARALLELISM", "6"))
	if parallelism <= 0 {
		parallelism = 6
	}

	return Config{
		BaseDir:             os.Getenv("WAYBACK_BASE_DIR"),
		KnownDigestsPath:    os.Getenv("WAYBACK_KNOWN_DIGESTS"),
		Parallelism:         parallelism,
		CDXBase:             envOr("WAYBACK_CDX_BASE", ""),
		UserAgent:           os.Getenv("WAYBACK_USER_AGENT"),
		StoreDir:            os.Getenv("WAYBACK_STORE_DIR"),
		StoreMirrorBucket:   os.Getenv("WAYBACK_STORE_MIRROR_BUCKET"),
		StoreMirrorPrefix:   os.Getenv("WAYBACK_STORE_MIRROR_PREFIX"),
		StoreForcePathStyle: envOr("WAYBACK_STORE_MIRROR_PATH_STYLE", "true") == "true",
		MetricsAddr:         os.Getenv("WAYBACK_METRICS_ADDR"),
		LogLevel:            parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
