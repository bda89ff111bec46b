// Package config loads the agent session core's configuration from a YAML
// file overlaid with environment variables, following the same
// getEnv/getEnvInt precedence convention cmd/main.go always has, but
// collecting the result into one struct: this process wires several
// long-lived actors (registry, per-session goroutines, gateways) that all
// need the same timings, so a passed-around struct beats loose globals.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in this core plus the connection strings
// for the collaborators this implementation wires in (Redis, Postgres,
// NATS).
type Config struct {
	HTTPPort string `yaml:"http_port"`

	TLSCertFile       string `yaml:"tls_cert_file"`
	TLSKeyFile        string `yaml:"tls_key_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	// RingTimeout is the default ring duration before a ringing leg times out.
	RingTimeout time.Duration `yaml:"ring_timeout"`

	// PollLivenessTimeout and KeepAliveTick implement the gateway's
	// keep-alive: 20s without a poll establishment kills the session; every
	// 11s the gateway checks liveness.
	PollLivenessTimeout time.Duration `yaml:"poll_liveness_timeout"`
	KeepAliveTick       time.Duration `yaml:"keep_alive_tick"`

	// EventFlushWindow is the 500ms coalescing window for buffered events.
	EventFlushWindow time.Duration `yaml:"event_flush_window"`

	// MediaCallTimeout bounds a media collaborator round trip.
	MediaCallTimeout time.Duration `yaml:"media_call_timeout"`

	// RegistryCallTimeout bounds a registry round trip (default 5s).
	RegistryCallTimeout time.Duration `yaml:"registry_call_timeout"`

	// RegistryLeaseTTL is how long a node's SETNX claim on a login survives
	// in Redis without renewal; the sweep in internal/registry/sweep.go
	// renews it for every login the node still holds.
	RegistryLeaseTTL time.Duration `yaml:"registry_lease_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PostgresDSN string `yaml:"postgres_dsn"`

	NATSURL string `yaml:"nats_url"`
	NodeID  string `yaml:"node_id"`

	JWTSecret string `yaml:"jwt_secret"`

	OIDCIssuer   string `yaml:"oidc_issuer"`
	OIDCClientID string `yaml:"oidc_client_id"`

	SAMLMetadataURL string `yaml:"saml_metadata_url"`

	// RegistrySweepCron is the robfig/cron expression for the periodic
	// lease-reconciliation sweep.
	RegistrySweepCron string `yaml:"registry_sweep_cron"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns the baseline configuration with every spec-mandated
// timing set to its normative default.
func Default() Config {
	return Config{
		HTTPPort:            "8000",
		RingTimeout:         30 * time.Second,
		PollLivenessTimeout: 20 * time.Second,
		KeepAliveTick:       11 * time.Second,
		EventFlushWindow:    500 * time.Millisecond,
		MediaCallTimeout:    5 * time.Second,
		RegistryCallTimeout: 5 * time.Second,
		RegistryLeaseTTL:    30 * time.Second,
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		NATSURL:             "nats://localhost:4222",
		NodeID:              "node-1",
		RegistrySweepCron:   "*/30 * * * * *",
		LogLevel:            "info",
		LogPretty:           false,
	}
}

// Load reads a YAML file (if path is non-empty and exists) over the
// defaults, then overlays environment variables (env wins, with
// getEnv(name, fallback)).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	cfg.HTTPPort = getEnv("API_PORT", cfg.HTTPPort)
	cfg.TLSCertFile = getEnv("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getEnv("TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.RequireClientCert = getEnvBool("REQUIRE_CLIENT_CERT", cfg.RequireClientCert)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NodeID = getEnv("NODE_ID", cfg.NodeID)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.OIDCIssuer = getEnv("OIDC_ISSUER", cfg.OIDCIssuer)
	cfg.OIDCClientID = getEnv("OIDC_CLIENT_ID", cfg.OIDCClientID)
	cfg.SAMLMetadataURL = getEnv("SAML_METADATA_URL", cfg.SAMLMetadataURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("LOG_PRETTY", cfg.LogPretty)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}
