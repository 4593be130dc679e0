// Package config assembles runtime configuration from three layers, later
// layers overriding earlier ones: built-in defaults, an optional .env file,
// and process environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// DataDir is the root for all persisted state (key store, audit logs).
	DataDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	Keystore KeystoreConfig
	Cert     CertConfig
	Pairing  PairingConfig
	Session  SessionConfig
	Token    TokenConfig
	Audit    AuditConfig
	Limits   LimitsConfig
	Sandbox  SandboxConfig
}

type KeystoreConfig struct {
	Path string // key store file, default <DataDir>/keystore.json
}

type CertConfig struct {
	ValidityDays  int
	WarningDays   int
	CheckInterval time.Duration
}

type PairingConfig struct {
	PINLength   int
	MaxAttempts int
	SessionTTL  time.Duration
	QRSize      int
}

type SessionConfig struct {
	TTL              time.Duration
	RotationInterval time.Duration
	ForwardSecrecy   bool
}

type TokenConfig struct {
	Issuer string
	TTL    time.Duration
}

type AuditConfig struct {
	Dir           string // default <DataDir>/audit
	MaxFileSize   int64
	RetentionDays int
}

type LimitsConfig struct {
	GlobalPerMinute int
	DevicePerMinute int
	ActionPerMinute int
	BlockDuration   time.Duration
}

type SandboxConfig struct {
	MaxFileSize     int64
	ScanExecutables bool
	ScanText        bool
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".securecore")

	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Keystore: KeystoreConfig{},
		Cert: CertConfig{
			ValidityDays:  365,
			WarningDays:   14,
			CheckInterval: 24 * time.Hour,
		},
		Pairing: PairingConfig{
			PINLength:   6,
			MaxAttempts: 3,
			SessionTTL:  5 * time.Minute,
			QRSize:      256,
		},
		Session: SessionConfig{
			TTL:              time.Hour,
			RotationInterval: 15 * time.Minute,
			ForwardSecrecy:   true,
		},
		Token: TokenConfig{
			Issuer: "securecore",
			TTL:    24 * time.Hour,
		},
		Audit: AuditConfig{
			MaxFileSize:   10 << 20,
			RetentionDays: 90,
		},
		Limits: LimitsConfig{
			GlobalPerMinute: 1000,
			DevicePerMinute: 100,
			ActionPerMinute: 30,
			BlockDuration:   5 * time.Minute,
		},
		Sandbox: SandboxConfig{
			MaxFileSize:     100 << 20,
			ScanExecutables: true,
			ScanText:        true,
		},
	}
}

// Load builds the configuration. envFile, when non-empty, names a dotenv
// file loaded into the process environment first; a missing file is not an
// error so deployments without one start on defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // best-effort ./.env
	}

	cfg := defaults()
	cfg.applyEnv()

	// derived paths follow DataDir unless pinned explicitly
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = filepath.Join(cfg.DataDir, "keystore.json")
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.DataDir, "audit")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	getString(&c.DataDir, "SECURECORE_DATA_DIR")
	getString(&c.LogLevel, "SECURECORE_LOG_LEVEL")
	getString(&c.Keystore.Path, "SECURECORE_KEYSTORE_PATH")

	getInt(&c.Cert.ValidityDays, "SECURECORE_CERT_VALIDITY_DAYS")
	getInt(&c.Cert.WarningDays, "SECURECORE_CERT_WARNING_DAYS")
	getDuration(&c.Cert.CheckInterval, "SECURECORE_CERT_CHECK_INTERVAL")

	getInt(&c.Pairing.PINLength, "SECURECORE_PAIRING_PIN_LENGTH")
	getInt(&c.Pairing.MaxAttempts, "SECURECORE_PAIRING_MAX_ATTEMPTS")
	getDuration(&c.Pairing.SessionTTL, "SECURECORE_PAIRING_TTL")
	getInt(&c.Pairing.QRSize, "SECURECORE_PAIRING_QR_SIZE")

	getDuration(&c.Session.TTL, "SECURECORE_SESSION_TTL")
	getDuration(&c.Session.RotationInterval, "SECURECORE_SESSION_ROTATION_INTERVAL")
	getBool(&c.Session.ForwardSecrecy, "SECURECORE_SESSION_FORWARD_SECRECY")

	getString(&c.Token.Issuer, "SECURECORE_TOKEN_ISSUER")
	getDuration(&c.Token.TTL, "SECURECORE_TOKEN_TTL")

	getString(&c.Audit.Dir, "SECURECORE_AUDIT_DIR")
	getInt64(&c.Audit.MaxFileSize, "SECURECORE_AUDIT_MAX_FILE_SIZE")
	getInt(&c.Audit.RetentionDays, "SECURECORE_AUDIT_RETENTION_DAYS")

	getInt(&c.Limits.GlobalPerMinute, "SECURECORE_LIMIT_GLOBAL_PER_MINUTE")
	getInt(&c.Limits.DevicePerMinute, "SECURECORE_LIMIT_DEVICE_PER_MINUTE")
	getInt(&c.Limits.ActionPerMinute, "SECURECORE_LIMIT_ACTION_PER_MINUTE")
	getDuration(&c.Limits.BlockDuration, "SECURECORE_LIMIT_BLOCK_DURATION")

	getInt64(&c.Sandbox.MaxFileSize, "SECURECORE_SANDBOX_MAX_FILE_SIZE")
	getBool(&c.Sandbox.ScanExecutables, "SECURECORE_SANDBOX_SCAN_EXECUTABLES")
	getBool(&c.Sandbox.ScanText, "SECURECORE_SANDBOX_SCAN_TEXT")
}

func (c *Config) validate() error {
	if c.Pairing.PINLength < 4 || c.Pairing.PINLength > 12 {
		return fmt.Errorf("pairing PIN length %d out of range [4,12]", c.Pairing.PINLength)
	}
	if c.Pairing.MaxAttempts < 1 {
		return fmt.Errorf("pairing max attempts must be positive, got %d", c.Pairing.MaxAttempts)
	}
	if c.Cert.ValidityDays < 1 {
		return fmt.Errorf("cert validity must be at least one day, got %d", c.Cert.ValidityDays)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.Session.TTL)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func getString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func getInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func getInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func getBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func getDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
