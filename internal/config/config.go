// Package config provides configuration parsing and validation for the relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	TLS    TLSConfig    `yaml:"tls"`
	API    APIConfig    `yaml:"api"`
	Limits LimitsConfig `yaml:"limits"`
	Store  StoreConfig  `yaml:"store"`
}

// RelayConfig contains the stream service settings.
type RelayConfig struct {
	// Bind is the stream listener address, e.g. ":4600".
	Bind string `yaml:"bind"`

	// Transport selects the stream transport: quic, ws, or h2.
	Transport string `yaml:"transport"`

	// Capacity caps the number of concurrently registered nodes.
	Capacity int `yaml:"capacity"`

	// OutboundBuffer is the per-node bounded outbound channel size.
	OutboundBuffer int `yaml:"outbound_buffer"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	// ShutdownGrace bounds how long a graceful shutdown waits for
	// outbound channels to drain.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// TLSConfig defines the relay's TLS identity. When neither a file path nor
// PEM content is configured, the relay generates a self-signed certificate
// at startup.
type TLSConfig struct {
	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// HasCert returns true if a certificate is configured (file or PEM).
func (t *TLSConfig) HasCert() bool {
	return t.Cert != "" || t.CertPEM != ""
}

// APIConfig contains the unary HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`

	// TrustedProxyHeader names a forwarded-for style header to trust for
	// client-IP rate limiting. Leave empty unless a reverse proxy in
	// front of the relay strips it from untrusted traffic.
	TrustedProxyHeader string `yaml:"trusted_proxy_header"`
}

// LimitsConfig contains the relay's rate-limit parameters.
type LimitsConfig struct {
	// RelayBurst/RelayRate bound RelaySend frames per registered node.
	RelayBurst int     `yaml:"relay_burst"`
	RelayRate  float64 `yaml:"relay_rate"`

	// RegisterBurst/RegisterRate bound RegisterUsername calls per IP.
	RegisterBurst int     `yaml:"register_burst"`
	RegisterRate  float64 `yaml:"register_rate"`

	// LookupBurst/LookupRate bound Lookup/LookupUsername calls per IP.
	LookupBurst int     `yaml:"lookup_burst"`
	LookupRate  float64 `yaml:"lookup_rate"`

	// BanThreshold is the strike count that trips an auto-ban; BanDuration
	// is how long a banned key stays blocked.
	BanThreshold int           `yaml:"ban_threshold"`
	BanDuration  time.Duration `yaml:"ban_duration"`
}

// StoreConfig contains the username/follow store settings.
type StoreConfig struct {
	// DataDir is where the sqlite database lives.
	DataDir string `yaml:"data_dir"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Bind:           ":4600",
			Transport:      "quic",
			Capacity:       1000,
			OutboundBuffer: 256,
			LogLevel:       "info",
			LogFormat:      "text",
			ShutdownGrace:  5 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Bind:    ":9443",
		},
		Limits: LimitsConfig{
			RelayBurst:    100,
			RelayRate:     100,
			RegisterBurst: 100,
			RegisterRate:  100,
			LookupBurst:   100,
			LookupRate:    100,
			BanThreshold:  100,
			BanDuration:   time.Minute,
		},
		Store: StoreConfig{
			DataDir: "./data",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.Bind == "" {
		errs = append(errs, "relay.bind is required")
	} else if err := validateBindAddr(c.Relay.Bind); err != nil {
		errs = append(errs, fmt.Sprintf("relay.bind: %v", err))
	}

	switch c.Relay.Transport {
	case "quic", "ws", "h2":
	default:
		errs = append(errs, fmt.Sprintf("invalid relay.transport: %s (must be quic, ws, or h2)", c.Relay.Transport))
	}

	if c.Relay.Capacity <= 0 {
		errs = append(errs, "relay.capacity must be positive")
	}
	if c.Relay.OutboundBuffer <= 0 {
		errs = append(errs, "relay.outbound_buffer must be positive")
	}
	if !isValidLogLevel(c.Relay.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Relay.LogLevel))
	}
	if !isValidLogFormat(c.Relay.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Relay.LogFormat))
	}

	if c.API.Enabled {
		if c.API.Bind == "" {
			errs = append(errs, "api.bind is required when api.enabled")
		} else if err := validateBindAddr(c.API.Bind); err != nil {
			errs = append(errs, fmt.Sprintf("api.bind: %v", err))
		}
	}

	if (c.TLS.Cert != "" || c.TLS.CertPEM != "") != (c.TLS.Key != "" || c.TLS.KeyPEM != "") {
		errs = append(errs, "tls: cert and key must be configured together")
	}

	for name, v := range map[string]int{
		"limits.relay_burst":    c.Limits.RelayBurst,
		"limits.register_burst": c.Limits.RegisterBurst,
		"limits.lookup_burst":   c.Limits.LookupBurst,
		"limits.ban_threshold":  c.Limits.BanThreshold,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}
	for name, v := range map[string]float64{
		"limits.relay_rate":    c.Limits.RelayRate,
		"limits.register_rate": c.Limits.RegisterRate,
		"limits.lookup_rate":   c.Limits.LookupRate,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}

	if c.Store.DataDir == "" {
		errs = append(errs, "store.data_dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBindAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", addr)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	return redacted
}
