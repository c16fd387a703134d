// Package config loads a process-wide immutable configuration snapshot
// from the environment once at startup. Hot reload is out of scope.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved snapshot every component is constructed from.
type Config struct {
	PortControl string
	PortRuntime string
	LogLevel    string
	LogFormat   string // "json" or "text"

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	AuthProviderMode      string // mock|workos
	AuthMockAllowedEmails []string

	SyncTokenSigningKeys      map[string]string // kid -> secret
	SyncTokenMinTTL           time.Duration
	SyncTokenMaxTTL           time.Duration
	WorkspaceTokenSigningKeys map[string]string

	KhalaRetentionWindow        int
	KhalaPollMinInterval        time.Duration
	KhalaFairTopicSliceLimit    int
	KhalaConsumerRegistryCap    int
	KhalaAllowedOrigins         []string
	KhalaSlowConsumerLagThresh  int
	KhalaSlowConsumerMaxStrikes int

	RuntimeSignatureSecret     string
	RuntimeInternalSharedSecret string
	RuntimeInternalNonceTTL    time.Duration

	MaintenanceModeEnabled  bool
	MaintenanceAllowedPaths []string
	MaintenanceBypassToken  string
	MaintenanceBypassTTL    time.Duration

	CompatControlBuildMin string
	CompatProtocolVersion string
	CompatSchemaWindow    []string

	AdminEmails []string
}

// Load reads Config from the environment, applying safe development
// defaults where a value is unset.
func Load() *Config {
	return &Config{
		PortControl: envOr("PORT_CONTROL", "8080"),
		PortRuntime: envOr("PORT_RUNTIME", "8081"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		AuthProviderMode:      envOr("AUTH_PROVIDER_MODE", "mock"),
		AuthMockAllowedEmails: splitCSV(os.Getenv("AUTH_MOCK_ALLOWED_DOMAINS")),

		SyncTokenSigningKeys:      parseKeyMap(os.Getenv("SYNC_TOKEN_SIGNING_KEYS")),
		SyncTokenMinTTL:           envDurationSeconds("SYNC_TOKEN_MIN_TTL_SECONDS", 60*time.Second),
		SyncTokenMaxTTL:           envDurationSeconds("SYNC_TOKEN_MAX_TTL_SECONDS", 3600*time.Second),
		WorkspaceTokenSigningKeys: parseKeyMap(os.Getenv("WORKSPACE_TOKEN_SIGNING_KEYS")),

		KhalaRetentionWindow:        envInt("KHALA_RETENTION_WINDOW", 500),
		KhalaPollMinInterval:        envDurationMillis("KHALA_POLL_MIN_INTERVAL_MS", 250*time.Millisecond),
		KhalaFairTopicSliceLimit:    envInt("KHALA_FAIR_TOPIC_SLICE_LIMIT", 20),
		KhalaConsumerRegistryCap:    envInt("KHALA_CONSUMER_REGISTRY_CAPACITY", 10000),
		KhalaAllowedOrigins:         splitCSV(os.Getenv("KHALA_ALLOWED_ORIGINS")),
		KhalaSlowConsumerLagThresh:  envInt("KHALA_SLOW_CONSUMER_LAG_THRESHOLD", 1000),
		KhalaSlowConsumerMaxStrikes: envInt("KHALA_SLOW_CONSUMER_MAX_STRIKES", 5),

		RuntimeSignatureSecret:      os.Getenv("RUNTIME_SIGNATURE_SECRET"),
		RuntimeInternalSharedSecret: os.Getenv("RUNTIME_INTERNAL_SHARED_SECRET"),
		RuntimeInternalNonceTTL:     envDurationSeconds("RUNTIME_INTERNAL_NONCE_TTL_SECONDS", 300*time.Second),

		MaintenanceModeEnabled:  os.Getenv("MAINTENANCE_MODE_ENABLED") == "true",
		MaintenanceAllowedPaths: splitCSV(os.Getenv("MAINTENANCE_ALLOWED_PATHS")),
		MaintenanceBypassToken:  os.Getenv("MAINTENANCE_BYPASS_TOKEN"),
		MaintenanceBypassTTL:    envDurationSeconds("MAINTENANCE_BYPASS_TTL_SECONDS", 3600*time.Second),

		CompatControlBuildMin: os.Getenv("COMPAT_CONTROL_BUILD_MIN"),
		CompatProtocolVersion: os.Getenv("COMPAT_PROTOCOL_VERSION"),
		CompatSchemaWindow:    splitCSV(os.Getenv("COMPAT_SCHEMA_WINDOW")),

		AdminEmails: splitCSV(os.Getenv("ADMIN_EMAILS")),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationSeconds(key string, def time.Duration) time.Duration {
	n := envInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envDurationMillis(key string, def time.Duration) time.Duration {
	n := envInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyMap parses "kid1:secret1,kid2:secret2" into a map.
func parseKeyMap(v string) map[string]string {
	out := make(map[string]string)
	if v == "" {
		return out
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, ':')
		if idx < 0 {
			continue
		}
		out[pair[:idx]] = pair[idx+1:]
	}
	return out
}
