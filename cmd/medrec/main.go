// Package main is the CLI entry point for medrec, a patient record store
// with field-level encryption and a tamper-evident audit trail.
//
// Every mutation follows the same path:
//
//	role check (policy) --> seal clinical fields (fieldcipher)
//	                    --> persist row (storage)
//	                    --> append hash-chained audit entry (audit)
//
// CLI commands (cobra):
//
//	medrec patient   - Add, edit, delete, view and list patients
//	medrec audit     - Tail, query, verify and export the audit log
//	medrec keys      - Generate field keys and re-encrypt records
//	medrec policy    - Inspect and test access rules
//	medrec config    - View and generate configuration
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/config"
	"github.com/medrec/medrec/internal/fieldcipher"
	"github.com/medrec/medrec/internal/keysource"
	"github.com/medrec/medrec/internal/logging"
	"github.com/medrec/medrec/internal/policy"
	"github.com/medrec/medrec/internal/records"
	"github.com/medrec/medrec/internal/storage"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.medrec, where config.yaml, policy.yaml, .env,
// the salt file and (by default) the data directory live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medrec"
	}
	return filepath.Join(home, ".medrec")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the medrec config/state directory.
var configDir string

// roleFlag is the acting role. Authentication happens outside medrec; the
// caller states who they are and policy decides what that role may do.
var roleFlag string

var rootCmd = &cobra.Command{
	Use:   "medrec",
	Short: "medrec: encrypted patient records with a tamper-evident audit log",
	Long: `medrec stores patient records with the clinical fields (diagnosis,
treatment) sealed under an authenticated cipher, and records every
create, update, delete and view in a hash-chained audit log. Editing or
reordering any past audit entry is detected by 'medrec audit verify'.

Run 'medrec config generate' to create a default configuration.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to medrec config and state directory",
	)
	rootCmd.PersistentFlags().StringVar(
		&roleFlag,
		"role",
		os.Getenv("MEDREC_ROLE"),
		"Acting role: Doctor, Nurse or Admin (default $MEDREC_ROLE)",
	)

	rootCmd.AddCommand(patientCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(configCmd)
}

func actingRole() (audit.Role, error) {
	if roleFlag == "" {
		return "", fmt.Errorf("no role given: pass --role or set MEDREC_ROLE")
	}
	return audit.ParseRole(roleFlag)
}

// ============================================================================
// Wiring
// ============================================================================

// app holds everything one command invocation needs.
type app struct {
	cfg     *config.Config
	backend *storage.Backend
	chain   *audit.Chain
	policy  *policy.Engine

	// Set only by openApp(ctx, true).
	cipher  *fieldcipher.Cipher
	records *records.Service
}

// openApp loads .env and config, sets up logging, opens storage and the
// audit chain, and loads the policy. With needKey it also resolves the field
// key and builds the record service.
func openApp(ctx context.Context, needKey bool) (*app, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	if err := keysource.LoadDotEnv(filepath.Join(configDir, ".env"), ".env"); err != nil {
		return nil, err
	}

	cfg, err := config.Load(filepath.Join(configDir, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}

	digest, err := audit.ParseDigest(cfg.Audit.Digest)
	if err != nil {
		return nil, err
	}

	pol, err := policy.New(config.Resolve(configDir, cfg.Policy.File))
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	backend, err := storage.Open(cfg.Storage.Driver, config.Resolve(configDir, cfg.Storage.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{
		cfg:     cfg,
		backend: backend,
		chain:   audit.New(backend.Audit, audit.WithDigest(digest), audit.WithAppendRetries(cfg.Audit.AppendRetries)),
		policy:  pol,
	}

	if needKey {
		c, err := a.newCipher(ctx, cfg.Key, cfg.Cipher.Algorithm)
		if err != nil {
			backend.Close()
			return nil, err
		}
		a.cipher = c
		a.records = records.NewService(backend.Patients, a.chain, c, pol)
	}

	slog.Debug("medrec ready", "driver", cfg.Storage.Driver, "digest", digest, "policy_rules", len(pol.ListRules()))
	return a, nil
}

func (a *app) newCipher(ctx context.Context, src keysource.Config, algorithm string) (*fieldcipher.Cipher, error) {
	key, err := keysource.Resolve(ctx, src, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load field key: %w", err)
	}
	alg, err := fieldcipher.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	return fieldcipher.New(key, fieldcipher.WithAlgorithm(alg))
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		slog.Error("closing storage", "error", err)
	}
}
