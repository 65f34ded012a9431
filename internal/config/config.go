// Package config loads draft-keeper settings from defaults, YAML, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/and161185/draft-keeper/internal/crypto/clientcrypto"
	"github.com/and161185/draft-keeper/internal/netmon"
	"github.com/and161185/draft-keeper/internal/store"
	"github.com/and161185/draft-keeper/internal/syncer"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DK_"

// Config is the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Remote     RemoteConfig     `yaml:"remote"`
	Credential CredentialConfig `yaml:"credential"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// StorageConfig selects and configures the local envelope store.
type StorageConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory file redis postgres"`
	Dir           string `yaml:"dir" validate:"required_if=Backend file"`
	MaxBytes      int64  `yaml:"max_bytes" validate:"min=0"`
	Prefix        string `yaml:"prefix" validate:"required"`
	Suffix        string `yaml:"suffix" validate:"required"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0"`
	PostgresDSN   string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
}

// CryptoConfig selects key derivation and cipher.
type CryptoConfig struct {
	KDF         string `yaml:"kdf" validate:"oneof=pbkdf2-sha256 argon2id"`
	Iterations  int    `yaml:"iterations" validate:"min=1"`
	ArgonPasses int    `yaml:"argon_passes" validate:"min=1,max=10"`
	Cipher      string `yaml:"cipher" validate:"oneof=aes-256-gcm chacha20-poly1305"`
}

// SyncConfig tunes the scheduler. The 24h draft TTL is fixed and not configurable.
type SyncConfig struct {
	Debounce       time.Duration   `yaml:"debounce" validate:"gt=0"`
	Backoff        []time.Duration `yaml:"backoff" validate:"dive,gt=0"`
	RequestTimeout time.Duration   `yaml:"request_timeout" validate:"gt=0"`
}

// NetworkConfig configures connectivity probing. An empty ProbeURL disables probing.
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url" validate:"omitempty,url"`
	ProbeInterval time.Duration `yaml:"probe_interval" validate:"gt=0"`
}

// RemoteConfig points at the draft API.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// CredentialConfig locates the bearer credential.
type CredentialConfig struct {
	TokenFile string `yaml:"token_file"`
}

// MetricsConfig configures the metrics listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Dir returns the per-user configuration directory.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "draft-keeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "draft-keeper")
}

// Default returns the built-in configuration.
func Default() *Config {
	p := clientcrypto.DefaultParams()
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Storage: StorageConfig{
			Backend: BackendFile,
			Dir:     filepath.Join(Dir(), "drafts"),
			Prefix:  store.DefaultPrefix,
			Suffix:  store.DefaultSuffix,
		},
		Crypto: CryptoConfig{KDF: p.KDF, Iterations: p.Iterations, ArgonPasses: p.ArgonPasses, Cipher: p.Cipher},
		Sync: SyncConfig{
			Debounce:       syncer.DefaultDebounce,
			Backoff:        syncer.DefaultBackoff(),
			RequestTimeout: syncer.DefaultRequestTimeout,
		},
		Network:    NetworkConfig{ProbeInterval: netmon.DefaultProbeInterval},
		Credential: CredentialConfig{TokenFile: filepath.Join(Dir(), "token.json")},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any), then DK_* env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("REDIS_PASSWORD", &c.Storage.RedisPassword)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("KDF", &c.Crypto.KDF)
	str("CIPHER", &c.Crypto.Cipher)
	str("REMOTE_URL", &c.Remote.BaseURL)
	str("PROBE_URL", &c.Network.ProbeURL)
	str("TOKEN_FILE", &c.Credential.TokenFile)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := lookup(EnvPrefix + "KDF_ITERATIONS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sKDF_ITERATIONS: %w", EnvPrefix, err)
		}
		c.Crypto.Iterations = n
	}
	if v, ok := lookup(EnvPrefix + "ARGON_PASSES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sARGON_PASSES: %w", EnvPrefix, err)
		}
		c.Crypto.ArgonPasses = n
	}
	if v, ok := lookup(EnvPrefix + "DEBOUNCE"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sDEBOUNCE: %w", EnvPrefix, err)
		}
		c.Sync.Debounce = d
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CryptoParams converts the crypto section.
func (c *Config) CryptoParams() clientcrypto.Params {
	return clientcrypto.Params{
		KDF:         c.Crypto.KDF,
		Iterations:  c.Crypto.Iterations,
		ArgonPasses: c.Crypto.ArgonPasses,
		Cipher:      c.Crypto.Cipher,
	}
}
