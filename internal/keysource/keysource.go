// Package keysource resolves the 256-bit field key at process start.
//
// The key comes from outside the data directory: an environment variable,
// a passphrase stretched with PBKDF2, a key file, or a HashiCorp Vault KV
// secret. It is never derived from or stored next to the records it
// protects.
package keysource

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the length of the field key in bytes.
const KeySize = 32

// SaltSize is the length of the PBKDF2 salt persisted in the salt file.
const SaltSize = 16

// DefaultKDFIterations matches the PBKDF2 work factor used for existing
// deployments.
const DefaultKDFIterations = 100000

// Key sources.
const (
	SourceEnv        = "env"
	SourcePassphrase = "passphrase"
	SourceFile       = "file"
	SourceVault      = "vault"
)

var (
	// ErrNoKey means the configured source holds no key.
	ErrNoKey = errors.New("no field key configured")
	// ErrInvalidKey means the source holds something that is not a 256-bit key.
	ErrInvalidKey = errors.New("invalid field key")
)

// Config selects and parameterizes a key source.
type Config struct {
	Source        string      `yaml:"source"`
	Env           string      `yaml:"env"`
	PassphraseEnv string      `yaml:"passphrase_env"`
	SaltFile      string      `yaml:"salt_file"`
	KDFIterations int         `yaml:"kdf_iterations"`
	File          string      `yaml:"file"`
	Vault         VaultConfig `yaml:"vault"`
}

// VaultConfig names the KV secret holding the key.
type VaultConfig struct {
	Path  string `yaml:"path"`
	Field string `yaml:"field"`
}

// Resolve loads the key described by cfg. Relative file paths are taken
// relative to baseDir.
func Resolve(ctx context.Context, cfg Config, baseDir string) ([]byte, error) {
	var (
		key []byte
		err error
	)
	switch cfg.Source {
	case SourceEnv, "":
		key, err = FromEnv(cfg.Env)
	case SourcePassphrase:
		pass := os.Getenv(cfg.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("%w: %s is not set", ErrNoKey, cfg.PassphraseEnv)
		}
		iterations := cfg.KDFIterations
		if iterations <= 0 {
			iterations = DefaultKDFIterations
		}
		key, err = FromPassphrase(pass, resolvePath(baseDir, cfg.SaltFile), iterations)
	case SourceFile:
		key, err = FromFile(resolvePath(baseDir, cfg.File))
	case SourceVault:
		var client *VaultClient
		client, err = NewVaultClient()
		if err == nil {
			key, err = client.Key(ctx, cfg.Vault.Path, cfg.Vault.Field)
		}
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("field key resolved", "source", cfg.Source)
	return key, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment. Missing files are skipped and variables that are
// already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// FromEnv reads a hex or base64 encoded key from the named variable.
func FromEnv(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no environment variable named", ErrNoKey)
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNoKey, name)
	}
	key, err := DecodeKey(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}

// FromFile reads a key file holding either the raw 32 bytes or their hex
// or base64 encoding.
func FromFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no key file configured", ErrNoKey)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	if len(data) == KeySize {
		return data, nil
	}
	key, err := DecodeKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

// FromPassphrase stretches pass with PBKDF2-HMAC-SHA256 using the salt in
// saltPath. A missing salt file is created with fresh random bytes.
func FromPassphrase(pass, saltPath string, iterations int) ([]byte, error) {
	if pass == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrNoKey)
	}
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(pass), salt, iterations, KeySize, sha256.New), nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("passphrase key source needs a salt file")
	}
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s: want %d bytes, got %d", path, SaltSize, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt file %s: %w", path, err)
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating salt directory: %w", err)
	}
	// O_EXCL so two first runs cannot each write their own salt.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return loadOrCreateSalt(path)
		}
		return nil, fmt.Errorf("creating salt file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(salt); err != nil {
		return nil, fmt.Errorf("writing salt file %s: %w", path, err)
	}
	slog.Info("created new salt file", "path", path)
	return salt, nil
}

// DecodeKey accepts a 64-character hex string or standard, URL-safe or
// unpadded base64, and requires the result to be exactly KeySize bytes.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: not hex or base64", ErrInvalidKey)
}

// EncodeKey renders key in the base64 form DecodeKey and the env source
// accept.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
