// Package config loads the engine's environment-variable driven configuration
// (§6 Configuration).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	BusBackend                 string // "nats" | "solace", mandatory
	NATSURL                    string
	NATSTopicPrefix            string
	SolaceDSN                  string // Postgres DSN backing the solace slot; defaults to EventStoreConnectionString
	EventStoreConnectionString string // mandatory

	RedisAddr string // backs both dedup caches, default 127.0.0.1:6379
	HTTPAddr  string // approval-gate + metrics listen address, default :8080

	LLMProviderOrder    []string
	LLMAPIKeys          map[string]string
	LLMLangchainBaseURL string // optional, passed to the langchain provider

	LLMRequestsPerSecond float64 // default 1.0, shared by both external providers

	AutonomyInitialLevel string // default NORMAL

	VerificationDefaultWindow    time.Duration // default 300s
	DeduplicationWindow          time.Duration // default 300s
	SpatialDeduplicationRadiusKM float64       // default 5.0

	LogLevel            string // default INFO
	LogFormat           string // default json
	ObservabilityDSN    string // optional
	AuditMirrorEndpoint string // optional

	DefenseRulesConfigPath string // optional yaml file, see defense package
}

// Load reads Config from the process environment, applying defaults and
// failing on missing mandatory values (a Fatal-kind misconfiguration per §7).
func Load() (Config, error) {
	cfg := Config{
		BusBackend:                 envOr("BUS_BACKEND", ""),
		NATSURL:                    envOr("NATS_URL", "nats://127.0.0.1:4222"),
		NATSTopicPrefix:            envOr("NATS_TOPIC_PREFIX", ""),
		SolaceDSN:                  envOr("SOLACE_DSN", ""),
		EventStoreConnectionString: envOr("EVENT_STORE_CONNECTION_STRING", ""),
		RedisAddr:                  envOr("REDIS_ADDR", "127.0.0.1:6379"),
		HTTPAddr:                   envOr("HTTP_ADDR", ":8080"),
		AutonomyInitialLevel:       strings.ToUpper(envOr("AUTONOMY_INITIAL_LEVEL", "NORMAL")),
		LogLevel:                   envOr("LOG_LEVEL", "INFO"),
		LogFormat:                  envOr("LOG_FORMAT", "json"),
		ObservabilityDSN:           envOr("OBSERVABILITY_DSN", ""),
		AuditMirrorEndpoint:        envOr("AUDIT_MIRROR_ENDPOINT", ""),
		DefenseRulesConfigPath:     envOr("DEFENSE_RULES_CONFIG_PATH", ""),
	}

	if cfg.BusBackend != "nats" && cfg.BusBackend != "solace" {
		return Config{}, fmt.Errorf("config: bus_backend must be %q or %q, got %q", "nats", "solace", cfg.BusBackend)
	}
	if strings.TrimSpace(cfg.EventStoreConnectionString) == "" {
		return Config{}, fmt.Errorf("config: event_store_connection_string is required")
	}
	if cfg.SolaceDSN == "" {
		cfg.SolaceDSN = cfg.EventStoreConnectionString
	}

	cfg.LLMProviderOrder = splitCSV(envOr("LLM_PROVIDER_ORDER", "external-llm-a,external-llm-b,rules"))
	cfg.LLMAPIKeys = parseKeyPairs(envOr("LLM_API_KEYS", ""))
	cfg.LLMLangchainBaseURL = envOr("LLM_LANGCHAIN_BASE_URL", "")
	cfg.LLMRequestsPerSecond = envOrFloat("LLM_REQUESTS_PER_SECOND", 1.0)

	cfg.VerificationDefaultWindow = envOrSeconds("VERIFICATION_DEFAULT_WINDOW_SECONDS", 300)
	cfg.DeduplicationWindow = envOrSeconds("DEDUPLICATION_WINDOW_SECONDS", 300)
	cfg.SpatialDeduplicationRadiusKM = envOrFloat("SPATIAL_DEDUPLICATION_RADIUS_KM", 5.0)

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrSeconds(key string, def int) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(def) * time.Second
	}
	return time.Duration(n) * time.Second
}

func envOrFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyPairs parses "provider=key,provider2=key2" into a map.
func parseKeyPairs(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitCSV(v) {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}
