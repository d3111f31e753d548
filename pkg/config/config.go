// Package config loads the collector's configuration with the overlay order
// defaults ← environment ← JSON file: a JSON config file, when present,
// has the final word over both environment variables and built-in
// defaults.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the fully-resolved runtime configuration for a collector
// process: external service endpoints, storage location, API bind/auth,
// collection cadence, and flow-manager fallback behavior.
type Config struct {
	PolicyEngineURL  string `json:"policy_engine_url" env:"POLICY_ENGINE_URL"`
	FLServerURL      string `json:"fl_server_url" env:"FL_SERVER_URL"`
	SDNControllerURL string `json:"sdn_controller_url" env:"SDN_CONTROLLER_URL"`

	MetricsOutputDir string `json:"metrics_output_dir" env:"METRICS_OUTPUT_DIR"`

	APIEnabled bool   `json:"api_enabled" env:"API_ENABLED"`
	APIHost    string `json:"api_host" env:"API_HOST"`
	APIPort    int    `json:"api_port" env:"API_PORT"`

	APIAuthEnabled bool   `json:"api_auth_enabled" env:"API_AUTH_ENABLED"`
	APIUsername    string `json:"api_username" env:"API_USERNAME"`
	APIPassword    string `json:"api_password" env:"API_PASSWORD"`

	EnableCORS        bool     `json:"enable_cors" env:"ENABLE_CORS"`
	APIAllowedOrigins []string `json:"api_allowed_origins"`

	APIRateLimitEnabled bool `json:"api_rate_limit_enabled" env:"API_RATE_LIMIT_ENABLED"`
	APIRateLimitPerSec  int  `json:"api_rate_limit_per_sec" env:"API_RATE_LIMIT_PER_SEC"`
	APIRateLimitBurst   int  `json:"api_rate_limit_burst" env:"API_RATE_LIMIT_BURST"`

	TrainingMode string `json:"training_mode" env:"TRAINING_MODE"` // mock | development | production

	PolicyIntervalSec  int `json:"policy_interval_sec" env:"POLICY_INTERVAL_SEC"`
	FLIntervalSec      int `json:"fl_interval_sec" env:"FL_INTERVAL_SEC"`
	NetworkIntervalSec int `json:"network_interval_sec" env:"NETWORK_INTERVAL_SEC"`
	EventIntervalSec   int `json:"event_interval_sec" env:"EVENT_INTERVAL_SEC"`

	StrictPolicyMode   bool `json:"strict_policy_mode" env:"STRICT_POLICY_MODE"`
	CheckPolicyEnabled bool `json:"check_policy_enabled" env:"CHECK_POLICY_ENABLED"`

	PolicyFallbackEnabled bool   `json:"policy_fallback_enabled" env:"POLICY_FALLBACK_ENABLED"`
	DefaultPolicyFile     string `json:"default_policy_file" env:"DEFAULT_POLICY_FILE"`

	NodeIPs       map[string]string `json:"node_ips"`
	SubnetPrefix  string            `json:"subnet_prefix" env:"SUBNET_PREFIX"`
	ClientIPRange string            `json:"client_ip_range" env:"CLIENT_IP_RANGE"`

	MetricsRetentionDays int `json:"metrics_retention_days" env:"METRICS_RETENTION_DAYS"`
	EventsRetentionDays  int `json:"events_retention_days" env:"EVENTS_RETENTION_DAYS"`
	CleanupIntervalHours int `json:"cleanup_interval_hours" env:"CLEANUP_INTERVAL_HOURS"`

	LogLevel  string `json:"log_level" env:"LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"LOG_FORMAT"`
	LogOutput string `json:"log_output" env:"LOG_OUTPUT"`
}

// Defaults returns the baseline configuration before environment and file
// overlays are applied.
func Defaults() Config {
	return Config{
		PolicyEngineURL:  "http://localhost:5000",
		FLServerURL:      "http://localhost:8080",
		SDNControllerURL: "http://localhost:8181",

		MetricsOutputDir: "./data",

		APIEnabled: true,
		APIHost:    "0.0.0.0",
		APIPort:    5050,

		APIAuthEnabled: false,
		APIUsername:    "admin",

		EnableCORS:        true,
		APIAllowedOrigins: []string{"*"},

		APIRateLimitEnabled: true,
		APIRateLimitPerSec:  20,
		APIRateLimitBurst:   40,

		TrainingMode: "production",

		PolicyIntervalSec:  30,
		FLIntervalSec:      5,
		NetworkIntervalSec: 15,
		EventIntervalSec:   20,

		StrictPolicyMode:   false,
		CheckPolicyEnabled: true,

		PolicyFallbackEnabled: true,
		DefaultPolicyFile:     "./config/fallback_policy.json",

		NodeIPs: map[string]string{},

		MetricsRetentionDays: 14,
		EventsRetentionDays:  7,
		CleanupIntervalHours: 6,

		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stdout",
	}
}

// Load resolves Config using defaults ← environment ← optional JSON file.
// filePath may be empty, in which case only env overlays defaults. A
// .env file in the working directory, if present, is loaded into the
// process environment first so envdecode picks it up alongside exported
// variables.
func Load(filePath string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	applyEnv(&cfg)

	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
		// A missing fallback/override file is not an error: defaults and
		// environment variables remain in effect.
	}

	applyTrainingModeIntervals(&cfg)
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg, per the
// table in §6. Scalar fields are decoded declaratively via struct `env`
// tags; the handful of fields with compound or dynamic-key semantics
// (host+port fallbacks, CSV lists, NODE_IP_<TYPE> prefixes) are resolved
// by hand afterward.
func applyEnv(cfg *Config) {
	// envdecode errors when none of the tagged fields are set in the
	// environment, which is the common case on a fresh checkout; only a
	// genuine malformed-value error is worth surfacing, and there is
	// nowhere useful to surface it from inside Defaults-overlay, so it is
	// discarded either way.
	_ = envdecode.Decode(cfg)

	if v, ok := os.LookupEnv("FL_SERVER_URL"); !ok || v == "" {
		host, hasHost := os.LookupEnv("FL_SERVER_HOST")
		port, hasPort := os.LookupEnv("FL_SERVER_PORT")
		if hasHost || hasPort {
			if host == "" {
				host = "localhost"
			}
			if port == "" {
				port = "8080"
			}
			cfg.FLServerURL = "http://" + host + ":" + port
		}
	}

	if v, ok := os.LookupEnv("SDN_CONTROLLER_URL"); !ok || v == "" {
		host, hasHost := os.LookupEnv("HOST")
		port, hasPort := os.LookupEnv("PORT")
		if hasHost || hasPort {
			if host == "" {
				host = "localhost"
			}
			if port == "" {
				port = "8181"
			}
			cfg.SDNControllerURL = "http://" + host + ":" + port
		}
	}

	if v, ok := os.LookupEnv("METRICS_API_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}

	if v, ok := os.LookupEnv("API_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.APIAllowedOrigins = splitCSV(v)
	}

	if cfg.NodeIPs == nil {
		cfg.NodeIPs = map[string]string{}
	}
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], "NODE_IP_") {
			nodeType := strings.ToUpper(strings.TrimPrefix(parts[0], "NODE_IP_"))
			cfg.NodeIPs[nodeType] = parts[1]
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyTrainingModeIntervals tightens the default cadence in mock/development
// mode so dashboards update quickly during local testbed iteration. Only an
// interval still equal to its default is tightened; an explicit config/env
// value that equals the default is tightened as well.
func applyTrainingModeIntervals(cfg *Config) {
	mode := strings.ToLower(cfg.TrainingMode)
	if mode != "mock" && mode != "development" {
		return
	}
	if cfg.PolicyIntervalSec == Defaults().PolicyIntervalSec {
		cfg.PolicyIntervalSec = 10
	}
	if cfg.FLIntervalSec == Defaults().FLIntervalSec {
		cfg.FLIntervalSec = 2
	}
	if cfg.NetworkIntervalSec == Defaults().NetworkIntervalSec {
		cfg.NetworkIntervalSec = 5
	}
	if cfg.EventIntervalSec == Defaults().EventIntervalSec {
		cfg.EventIntervalSec = 5
	}
}

// NodeIP resolves a rule-token type (e.g. "fl-server") to a configured IP via
// the NODE_IP_<TYPE> convention described in §4.10.
func (c Config) NodeIP(nodeType string) (string, bool) {
	key := strings.ToUpper(strings.ReplaceAll(nodeType, "-", "_"))
	ip, ok := c.NodeIPs[key]
	return ip, ok
}

// Duration helpers centralize the second-based config fields as
// time.Duration for ticker/cron construction.
func (c Config) PolicyInterval() time.Duration  { return time.Duration(c.PolicyIntervalSec) * time.Second }
func (c Config) FLInterval() time.Duration      { return time.Duration(c.FLIntervalSec) * time.Second }
func (c Config) NetworkInterval() time.Duration { return time.Duration(c.NetworkIntervalSec) * time.Second }
func (c Config) EventInterval() time.Duration   { return time.Duration(c.EventIntervalSec) * time.Second }

// IsDevMode reports whether training mode relaxes error thresholds (§4.5).
func (c Config) IsDevMode() bool {
	mode := strings.ToLower(c.TrainingMode)
	return mode == "mock" || mode == "development"
}
