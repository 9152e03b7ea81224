// Package config handles loading, validating, and writing the medrec
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Storage driver and data directory
//   - Field cipher algorithm
//   - Where the field key comes from (env, passphrase, file, vault)
//   - Audit chain digest and append retry budget
//   - Access policy file
//   - Log level and format
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/fieldcipher"
	"github.com/medrec/medrec/internal/keysource"
	"github.com/medrec/medrec/internal/storage"
)

// FileName is the config file inside the config directory.
const FileName = "config.yaml"

// Config is the top-level medrec configuration. Fields not set in the file
// keep their defaults.
type Config struct {
	Storage StorageConfig    `yaml:"storage"`
	Cipher  CipherConfig     `yaml:"cipher"`
	Key     keysource.Config `yaml:"key"`
	Audit   AuditConfig      `yaml:"audit"`
	Policy  PolicyConfig     `yaml:"policy"`
	Logging LoggingConfig    `yaml:"logging"`
}

// StorageConfig selects the backend. Path is relative to the config
// directory unless absolute.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// CipherConfig selects the AEAD used for clinical fields.
type CipherConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// AuditConfig controls the hash chain.
//
// Digest is fixed for the life of a chain: entries written under one
// digest do not verify under another.
type AuditConfig struct {
	Digest        string `yaml:"digest"`
	AppendRetries int    `yaml:"append_retries"`
}

// PolicyConfig points at the access rules file.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# medrec configuration
#
# storage:
#   driver: sqlite | badger | memory
#   path: data directory, relative to this file's directory
#
# cipher:
#   algorithm: aes-256-gcm | chacha20-poly1305
#
# key:
#   source: env | passphrase | file | vault
#   env: variable holding a base64 or hex 256-bit key (source: env)
#   passphrase_env: variable holding the passphrase (source: passphrase)
#   salt_file: PBKDF2 salt, created on first use (source: passphrase)
#   kdf_iterations: PBKDF2-SHA256 iterations
#   file: key file (source: file)
#   vault: {path, field} KV secret; VAULT_ADDR and VAULT_TOKEN from env
#
# audit:
#   digest: sha256 | sha512-256 | sha3-256 | blake2b-256 (never change on an existing chain)
#   append_retries: re-reads of the tail after losing a write race
#
# policy:
#   file: access rules, see "medrec config generate"
#
# logging:
#   level: debug | info | warn | error
#   format: text | json

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			Path:   "data",
		},
		Cipher: CipherConfig{
			Algorithm: string(fieldcipher.AES256GCM),
		},
		Key: keysource.Config{
			Source:        keysource.SourceEnv,
			Env:           "MEDREC_FIELD_KEY",
			PassphraseEnv: "MEDICAL_MASTER_KEY",
			SaltFile:      "salt.key",
			KDFIterations: keysource.DefaultKDFIterations,
			Vault: keysource.VaultConfig{
				Path:  "secret/data/medrec",
				Field: keysource.DefaultVaultField,
			},
		},
		Audit: AuditConfig{
			Digest:        string(audit.SHA256),
			AppendRetries: audit.DefaultAppendRetries,
		},
		Policy: PolicyConfig{
			File: "policy.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// validate checks the config for logical errors after parsing. Every
// problem is reported, keyed by its YAML path.
func validate(cfg *Config) error {
	var errs errsx.Map

	switch cfg.Storage.Driver {
	case storage.DriverSQLite, storage.DriverBadger:
		if cfg.Storage.Path == "" {
			errs.Set("storage.path", fmt.Errorf("required for driver %q", cfg.Storage.Driver))
		}
	case storage.DriverMemory:
	default:
		errs.Set("storage.driver", fmt.Errorf("unknown driver %q", cfg.Storage.Driver))
	}

	if _, err := fieldcipher.ParseAlgorithm(cfg.Cipher.Algorithm); err != nil {
		errs.Set("cipher.algorithm", err)
	}

	switch cfg.Key.Source {
	case keysource.SourceEnv:
		if cfg.Key.Env == "" {
			errs.Set("key.env", fmt.Errorf("required for source %q", cfg.Key.Source))
		}
	case keysource.SourcePassphrase:
		if cfg.Key.PassphraseEnv == "" {
			errs.Set("key.passphrase_env", fmt.Errorf("required for source %q", cfg.Key.Source))
		}
		if cfg.Key.SaltFile == "" {
			errs.Set("key.salt_file", fmt.Errorf("required for source %q", cfg.Key.Source))
		}
		if cfg.Key.KDFIterations < 10000 {
			errs.Set("key.kdf_iterations", fmt.Errorf("%d is below the minimum of 10000", cfg.Key.KDFIterations))
		}
	case keysource.SourceFile:
		if cfg.Key.File == "" {
			errs.Set("key.file", fmt.Errorf("required for source %q", cfg.Key.Source))
		}
	case keysource.SourceVault:
		if cfg.Key.Vault.Path == "" {
			errs.Set("key.vault.path", fmt.Errorf("required for source %q", cfg.Key.Source))
		}
	default:
		errs.Set("key.source", fmt.Errorf("unknown source %q", cfg.Key.Source))
	}

	if _, err := audit.ParseDigest(cfg.Audit.Digest); err != nil {
		errs.Set("audit.digest", err)
	}
	if cfg.Audit.AppendRetries < 0 {
		errs.Set("audit.append_retries", fmt.Errorf("must be non-negative, got %d", cfg.Audit.AppendRetries))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs.Set("logging.level", fmt.Errorf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs.Set("logging.format", fmt.Errorf("unknown format %q", cfg.Logging.Format))
	}

	return errs.AsError()
}

// Resolve returns p relative to dir unless p is empty or absolute.
func Resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
