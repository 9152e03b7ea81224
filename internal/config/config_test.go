package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hengadev/errsx"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default driver: expected sqlite, got %q", cfg.Storage.Driver)
	}
	if cfg.Cipher.Algorithm != "aes-256-gcm" {
		t.Errorf("default algorithm: expected aes-256-gcm, got %q", cfg.Cipher.Algorithm)
	}
	if cfg.Key.Source != "env" || cfg.Key.Env != "MEDREC_FIELD_KEY" {
		t.Errorf("default key source: got %q/%q", cfg.Key.Source, cfg.Key.Env)
	}
	if cfg.Key.KDFIterations != 100000 {
		t.Errorf("default kdf iterations: expected 100000, got %d", cfg.Key.KDFIterations)
	}
	if cfg.Key.PassphraseEnv != "MEDICAL_MASTER_KEY" {
		t.Errorf("default passphrase env: got %q", cfg.Key.PassphraseEnv)
	}
	if cfg.Audit.Digest != "sha256" {
		t.Errorf("default digest: expected sha256, got %q", cfg.Audit.Digest)
	}
	if cfg.Audit.AppendRetries != 3 {
		t.Errorf("default retries: expected 3, got %d", cfg.Audit.AppendRetries)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("default logging: got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
storage:
  driver: badger
  path: /var/lib/medrec
cipher:
  algorithm: chacha20-poly1305
key:
  source: vault
  vault:
    path: secret/data/clinic
    field: field_key
audit:
  digest: sha3-256
  append_retries: 5
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "badger" || cfg.Storage.Path != "/var/lib/medrec" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Cipher.Algorithm != "chacha20-poly1305" {
		t.Errorf("algorithm: got %q", cfg.Cipher.Algorithm)
	}
	if cfg.Key.Source != "vault" || cfg.Key.Vault.Path != "secret/data/clinic" || cfg.Key.Vault.Field != "field_key" {
		t.Errorf("key: got %+v", cfg.Key)
	}
	if cfg.Audit.Digest != "sha3-256" || cfg.Audit.AppendRetries != 5 {
		t.Errorf("audit: got %+v", cfg.Audit)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
key:
  source: passphrase
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Key.Source != "passphrase" {
		t.Errorf("source: expected passphrase, got %q", cfg.Key.Source)
	}
	// Sibling fields keep their defaults.
	if cfg.Key.SaltFile != "salt.key" {
		t.Errorf("salt file should be default salt.key, got %q", cfg.Key.SaltFile)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver should be default sqlite, got %q", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"memory without path", func(c *Config) { c.Storage = StorageConfig{Driver: "memory"} }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, true},
		{"unknown algorithm", func(c *Config) { c.Cipher.Algorithm = "des" }, true},
		{"unknown key source", func(c *Config) { c.Key.Source = "kms" }, true},
		{"env source without variable", func(c *Config) { c.Key.Env = "" }, true},
		{"weak kdf", func(c *Config) { c.Key.Source = "passphrase"; c.Key.KDFIterations = 1000 }, true},
		{"file source without file", func(c *Config) { c.Key.Source = "file" }, true},
		{"vault without path", func(c *Config) { c.Key.Source = "vault"; c.Key.Vault.Path = "" }, true},
		{"non-cryptographic digest", func(c *Config) { c.Audit.Digest = "crc32" }, true},
		{"negative retries", func(c *Config) { c.Audit.AppendRetries = -1 }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := applyDefaults()
	cfg.Storage.Driver = "postgres"
	cfg.Audit.Digest = "md5"
	cfg.Logging.Format = "xml"

	err := validate(cfg)
	errs, ok := err.(errsx.Map)
	if !ok {
		t.Fatalf("expected errsx.Map, got %T: %v", err, err)
	}
	for _, key := range []string{"storage.driver", "audit.digest", "logging.format"} {
		if _, ok := errs[key]; !ok {
			t.Errorf("expected key %q in errors", key)
		}
	}
	if len(errs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(errs), err)
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Load it back and verify defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("roundtrip driver: expected sqlite, got %q", cfg.Storage.Driver)
	}
	if cfg.Key.Vault.Field != "key" {
		t.Errorf("roundtrip vault field: expected key, got %q", cfg.Key.Vault.Field)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("/etc/medrec", "data"); got != filepath.Join("/etc/medrec", "data") {
		t.Errorf("relative: got %q", got)
	}
	if got := Resolve("/etc/medrec", "/srv/data"); got != "/srv/data" {
		t.Errorf("absolute: got %q", got)
	}
	if got := Resolve("/etc/medrec", ""); got != "" {
		t.Errorf("empty: got %q", got)
	}
}
