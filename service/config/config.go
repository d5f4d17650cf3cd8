package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stream backends.
const (
	BackendKafka = "kafka"
	BackendNATS  = "nats"
)

// Config holds all application configuration loaded from environment variables
// or a JSON config file. Required fields are validated up front so commands
// fail before touching the network.
type Config struct {
	LogLevel    string
	MetricsAddr string

	// Vault API configuration
	User                string
	ServiceAccountToken string
	XPLAPIURL           string
	CoreAPIURL          string
	PaymentsHubAPIURL   string
	VaultCIDR           string

	// Stream configuration
	StreamBackend     string
	KafkaBrokers      []string
	NATSURL           string
	StreamGroupID     string
	StreamOffsetReset string
	StreamPollTimeout time.Duration

	// Projection
	DatabaseURL     string
	SyncCommitEvery int

	// Listing configuration
	ListMaxWait      time.Duration
	ListPollInterval time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg, errs := loadEnv()

	if cfg.XPLAPIURL == "" {
		errs = append(errs, fmt.Errorf("VAULT_XPL_API_URL is required"))
	}
	if cfg.ServiceAccountToken == "" {
		errs = append(errs, fmt.Errorf("VAULT_SERVICE_ACCOUNT_TOKEN is required"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv reads every setting from the environment, collecting parse errors.
func loadEnv() (*Config, []error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Vault API configuration
	cfg.XPLAPIURL = os.Getenv("VAULT_XPL_API_URL")
	cfg.ServiceAccountToken = os.Getenv("VAULT_SERVICE_ACCOUNT_TOKEN")
	cfg.User = os.Getenv("VAULT_USER")
	cfg.CoreAPIURL = os.Getenv("VAULT_CORE_API_URL")
	cfg.PaymentsHubAPIURL = os.Getenv("VAULT_PAYMENTS_HUB_API_URL")
	cfg.VaultCIDR = os.Getenv("VAULT_CIDR")

	// Stream configuration
	cfg.StreamBackend = getEnvOrDefault("STREAM_BACKEND", BackendKafka)
	cfg.KafkaBrokers = splitList(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092"))
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.StreamGroupID = getEnvOrDefault("STREAM_GROUP_ID", DefaultGroupID())
	cfg.StreamOffsetReset = getEnvOrDefault("STREAM_OFFSET_RESET", "latest")

	pollTimeout, err := parseDuration("STREAM_POLL_TIMEOUT", "1s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.StreamPollTimeout = pollTimeout
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	commitEvery, err := parseInt("SYNC_COMMIT_EVERY", 1)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SyncCommitEvery = commitEvery
	}

	// Listing configuration
	maxWait, err := parseDuration("LIST_MAX_WAIT", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ListMaxWait = maxWait
	}

	pollInterval, err := parseDuration("LIST_POLL_INTERVAL", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ListPollInterval = pollInterval
	}

	return cfg, errs
}

// fileConfig is the JSON config file layout.
type fileConfig struct {
	User                string `json:"user"`
	ServiceAccountToken string `json:"service_account_token"`
	CoreAPIURL          string `json:"core_api_url"`
	XPLAPIURL           string `json:"xpl_api_url"`
	PaymentsHubAPIURL   string `json:"payments_hub_api_url"`
	KafkaURL            string `json:"kafka_url"`
	VaultCIDR           string `json:"vault_cidr"`
}

// LoadFile reads a JSON config file. Every key of the file is required;
// settings the file does not carry take their environment values or defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	for _, key := range []string{
		"user",
		"service_account_token",
		"core_api_url",
		"xpl_api_url",
		"payments_hub_api_url",
		"kafka_url",
		"vault_cidr",
	} {
		if _, ok := raw[key]; !ok {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg, errs := loadEnv()
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	cfg.User = fc.User
	cfg.ServiceAccountToken = fc.ServiceAccountToken
	cfg.XPLAPIURL = fc.XPLAPIURL
	cfg.CoreAPIURL = fc.CoreAPIURL
	cfg.PaymentsHubAPIURL = fc.PaymentsHubAPIURL
	cfg.VaultCIDR = fc.VaultCIDR
	cfg.KafkaBrokers = splitList(fc.KafkaURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.XPLAPIURL == "" {
		errs = append(errs, fmt.Errorf("XPLAPIURL is required"))
	}

	if c.ServiceAccountToken == "" {
		errs = append(errs, fmt.Errorf("ServiceAccountToken is required"))
	}

	switch c.StreamBackend {
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KafkaBrokers is required for the kafka backend"))
		}
	case BackendNATS:
		if c.NATSURL == "" {
			errs = append(errs, fmt.Errorf("NATSURL is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("StreamBackend must be %q or %q, got %q", BackendKafka, BackendNATS, c.StreamBackend))
	}

	if c.StreamOffsetReset != "latest" && c.StreamOffsetReset != "earliest" {
		errs = append(errs, fmt.Errorf("StreamOffsetReset must be latest or earliest, got %q", c.StreamOffsetReset))
	}

	if c.StreamPollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("StreamPollTimeout must be positive"))
	}

	if c.ListMaxWait < 0 {
		errs = append(errs, fmt.Errorf("ListMaxWait cannot be negative"))
	}

	if c.SyncCommitEvery < 1 {
		errs = append(errs, fmt.Errorf("SyncCommitEvery must be at least 1"))
	}

	if c.ListPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ListPollInterval must be positive"))
	}

	if c.VaultCIDR != "" {
		errs = append(errs, c.checkVaultCIDR()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// checkVaultCIDR parses VaultCIDR and rejects API URLs whose host is an IP
// address outside it. Hosts given by name are not resolved.
func (c *Config) checkVaultCIDR() []error {
	prefix, err := netip.ParsePrefix(c.VaultCIDR)
	if err != nil {
		return []error{fmt.Errorf("VaultCIDR: %w", err)}
	}

	var errs []error
	for _, api := range []struct{ name, url string }{
		{"XPLAPIURL", c.XPLAPIURL},
		{"CoreAPIURL", c.CoreAPIURL},
		{"PaymentsHubAPIURL", c.PaymentsHubAPIURL},
	} {
		if api.url == "" {
			continue
		}
		u, err := url.Parse(api.url)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", api.name, err))
			continue
		}
		addr, err := netip.ParseAddr(u.Hostname())
		if err != nil {
			continue
		}
		if !prefix.Contains(addr.Unmap()) {
			errs = append(errs, fmt.Errorf("%s host %s is outside VaultCIDR %s", api.name, addr, prefix))
		}
	}
	return errs
}

// DefaultGroupID returns a fresh consumer group id, so that an unconfigured
// consumer sees every message instead of sharing them with another process.
func DefaultGroupID() string {
	return "vault-" + uuid.NewString()
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
