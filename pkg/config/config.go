package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orbitfs/orbitfs/pkg/db"
)

// Config holds runtime configuration for orbitfs.
//
// YAML example:
//   server:
//     host: "0.0.0.0"
//     port: 9000
//     region: "us-east-1"
//     volumes: "./data/vol{1...4}"
//     accessKey: "orbitadmin"
//     secretKey: "orbitadmin"
//   database:             # optional; presence enables the connection pool
//     host: "localhost"
//     port: 5432
//
// The config file is selected by the ENVIRONMENT variable: production
// spellings (pro/production/p, any case) read config.yaml, anything else
// reads config.dev.yaml. An explicit path always wins.
//
// Maintenance flags are resolved exactly once at load time from
// ORBITFS_ENABLE_HEAL and ORBITFS_ENABLE_SCANNER (default true) and carried
// in the returned Config; they are never re-read from the environment.
type Config struct {
	Server        *ServerConfig        `yaml:"server"`
	Database      *db.Config           `yaml:"database,omitempty"`
	Storage       *StorageConfig       `yaml:"storage,omitempty"`
	TLS           *TLSConfig           `yaml:"tls,omitempty"`
	Observability *ObservabilityConfig `yaml:"observability,omitempty"`
	Maintenance   MaintenanceConfig    `yaml:"maintenance,omitempty"`
	Admin         AdminConfig          `yaml:"admin,omitempty"`
}

// ServerConfig is the only required section. Its absence is a fatal
// configuration error.
type ServerConfig struct {
	Name      string `yaml:"name,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Volumes   string `yaml:"volumes,omitempty"` // volume pattern, e.g. "./data/vol{1...4}"
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
}

// StorageConfig tunes the storage engine.
type StorageConfig struct {
	BasePath string `yaml:"basePath,omitempty"`
}

// TLSConfig carries certificate material locations. The orchestrator only
// threads these through to the serving layer.
type TLSConfig struct {
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

// ObservabilityConfig controls tracing and metrics export.
type ObservabilityConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`    // OTLP collector endpoint
	Protocol    string  `yaml:"protocol,omitempty"`    // "grpc" (default) or "http"
	SampleRatio float64 `yaml:"sampleRatio,omitempty"` // 0.0 - 1.0
	ServiceName string  `yaml:"serviceName,omitempty"` // default "orbitfs"
	LogJSON     bool    `yaml:"logJSON,omitempty"`     // slog JSON handler instead of text
}

// MaintenanceConfig carries the resolved background-maintenance flags.
// Both default to true; either can be disabled independently.
type MaintenanceConfig struct {
	EnableHeal    bool   `yaml:"enableHeal"`
	EnableScanner bool   `yaml:"enableScanner"`
	ScanInterval  string `yaml:"scanInterval,omitempty"` // e.g. "1h"
	HealWorkers   int    `yaml:"healWorkers,omitempty"`
}

// AdminConfig configures the optional admin listener.
type AdminConfig struct {
	Address string     `yaml:"address,omitempty"` // empty disables the admin server
	OIDC    OIDCConfig `yaml:"oidc,omitempty"`
}

// OIDCConfig configures admin endpoint OIDC verification (disabled by default).
type OIDCConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Issuer            string `yaml:"issuer,omitempty"`
	ClientID          string `yaml:"clientID,omitempty"`
	Audience          string `yaml:"audience,omitempty"`
	JWKSURL           string `yaml:"jwksURL,omitempty"`
	AllowUnauthHealth bool   `yaml:"allowUnauthHealth,omitempty"`
}

const (
	productionPath  = "config.yaml"
	developmentPath = "config.dev.yaml"

	envEnvironment   = "ENVIRONMENT"
	envEnableHeal    = "ORBITFS_ENABLE_HEAL"
	envEnableScanner = "ORBITFS_ENABLE_SCANNER"
)

// Default returns a Config with safe local defaults. The server section is
// still required from the file; defaults only fill optional knobs.
func Default() Config {
	return Config{
		Maintenance: MaintenanceConfig{
			EnableHeal:    true,
			EnableScanner: true,
			ScanInterval:  "1h",
			HealWorkers:   1,
		},
	}
}

// Load reads configuration from path. When path is empty, the file is chosen
// by the ENVIRONMENT variable (production -> config.yaml, otherwise
// config.dev.yaml). A missing or malformed file is an error: the server
// refuses to start on guessed configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = pathForEnvironment(os.Getenv(envEnvironment))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the orchestrator depends on.
func (c *Config) Validate() error {
	if c.Server == nil {
		return fmt.Errorf("config: missing required server section")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Maintenance.HealWorkers < 0 {
		return fmt.Errorf("config: maintenance healWorkers must be >= 0")
	}
	return nil
}

// BindAddress returns the host:port the server section resolves to, with
// the original defaults (0.0.0.0:9000) applied.
func (c *Config) BindAddress() string {
	host := "0.0.0.0"
	port := 9000
	if c.Server != nil {
		if c.Server.Host != "" {
			host = c.Server.Host
		}
		if c.Server.Port != 0 {
			port = c.Server.Port
		}
	}
	return host + ":" + strconv.Itoa(port)
}

// VolumePattern returns the configured volume pattern or the built-in
// development default.
func (c *Config) VolumePattern() string {
	if c.Server != nil && c.Server.Volumes != "" {
		return c.Server.Volumes
	}
	return "./data/vol{1...4}"
}

func pathForEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "pro", "production", "p":
		return productionPath
	default:
		return developmentPath
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envEnableHeal); v != "" {
		cfg.Maintenance.EnableHeal = ParseBool(v, cfg.Maintenance.EnableHeal)
	}
	if v := os.Getenv(envEnableScanner); v != "" {
		cfg.Maintenance.EnableScanner = ParseBool(v, cfg.Maintenance.EnableScanner)
	}
	if v := os.Getenv("ORBITFS_ADDR"); v != "" {
		host, port, err := splitHostPort(v)
		if err == nil {
			if cfg.Server == nil {
				cfg.Server = &ServerConfig{}
			}
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
	}
}

// ParseBool interprets the common truthy/falsy spellings. Unrecognized
// values fall back to def.
func ParseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on", "enabled":
		return true
	case "0", "false", "no", "n", "off", "disabled":
		return false
	default:
		return def
	}
}

func splitHostPort(v string) (string, int, error) {
	i := strings.LastIndexByte(v, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("config: address %q missing port", v)
	}
	port, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("config: address %q: %w", v, err)
	}
	return v[:i], port, nil
}
