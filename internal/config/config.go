package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds relay server configuration.
type Config struct {
	// Port is the listen port for the HTTP server hosting /ws and the
	// status surface. Zero means "probe from DefaultPort upward".
	Port int
	// AdvertiseHost overrides the host embedded in the pairing URI. Empty
	// means auto-detect the local IP.
	AdvertiseHost string
	// PairingToken authenticates new sockets. Empty means "generate one at
	// startup".
	PairingToken string
	// AssistantBin is the assistant CLI binary name; relayed assistant
	// commands must start with it.
	AssistantBin string
	// WorkDir is the working directory for spawned processes. Empty means
	// the server's own working directory.
	WorkDir string
	// DatabasePath is the sqlite session/command audit database location.
	DatabasePath string
	// QRFile is where the pairing QR PNG is written. Empty disables it.
	QRFile string
	// DefaultTimeout bounds executions that do not request a timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps client-requested execution timeouts.
	MaxTimeout time.Duration
	// AllowedOrigins is the CORS allow-list for the status surface.
	AllowedOrigins []string
	// Debug enables verbose logging.
	Debug bool
}

// DefaultPort is the first port probed when none is configured.
const DefaultPort = 8090

// fileConfig is the YAML shape of an optional config file.
type fileConfig struct {
	Port           int      `yaml:"port"`
	AdvertiseHost  string   `yaml:"advertiseHost"`
	PairingToken   string   `yaml:"pairingToken"`
	AssistantBin   string   `yaml:"assistantBin"`
	WorkDir        string   `yaml:"workDir"`
	DatabasePath   string   `yaml:"databasePath"`
	QRFile         string   `yaml:"qrFile"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	MaxSeconds     int      `yaml:"maxTimeoutSeconds"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	Debug          bool     `yaml:"debug"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in that precedence order (environment wins).
func Load(path string) (*Config, error) {
	cfg := &Config{
		AssistantBin:   "claude",
		DatabasePath:   "./relay.db",
		QRFile:         "qr.png",
		DefaultTimeout: 300 * time.Second,
		MaxTimeout:     1800 * time.Second,
		AllowedOrigins: []string{"*"},
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q", portStr)
		}
		cfg.Port = p
	}
	if host := os.Getenv("RELAY_ADVERTISE_HOST"); host != "" {
		cfg.AdvertiseHost = host
	}
	if token := os.Getenv("RELAY_PAIRING_TOKEN"); token != "" {
		cfg.PairingToken = token
	}
	if bin := os.Getenv("RELAY_ASSISTANT_BIN"); bin != "" {
		cfg.AssistantBin = bin
	}
	if dir := os.Getenv("RELAY_WORK_DIR"); dir != "" {
		cfg.WorkDir = dir
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		cfg.Debug = true
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}

// applyFile overlays values from a YAML config file. A missing file at the
// default location is not an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.AdvertiseHost != "" {
		cfg.AdvertiseHost = fc.AdvertiseHost
	}
	if fc.PairingToken != "" {
		cfg.PairingToken = fc.PairingToken
	}
	if fc.AssistantBin != "" {
		cfg.AssistantBin = fc.AssistantBin
	}
	if fc.WorkDir != "" {
		cfg.WorkDir = fc.WorkDir
	}
	if fc.DatabasePath != "" {
		cfg.DatabasePath = fc.DatabasePath
	}
	if fc.QRFile != "" {
		cfg.QRFile = fc.QRFile
	}
	if fc.TimeoutSeconds > 0 {
		cfg.DefaultTimeout = time.Duration(fc.TimeoutSeconds) * time.Second
	}
	if fc.MaxSeconds > 0 {
		cfg.MaxTimeout = time.Duration(fc.MaxSeconds) * time.Second
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.Debug {
		cfg.Debug = true
	}
	return nil
}
