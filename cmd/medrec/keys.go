package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrec/medrec/internal/fieldcipher"
	"github.com/medrec/medrec/internal/keysource"
)

// ============================================================================
// medrec keys: Field key management
// ============================================================================

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate field keys and re-encrypt records",
	Long: `The field key seals every patient's clinical fields. It is loaded at
startup from the source configured under 'key:' in config.yaml and is
never written to the data directory.`,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysReencryptCmd)
}

var (
	keysGenerateFormat string
	keysGenerateVault  bool
)

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random 256-bit field key",
	Long: `Print a new random key, suitable for MEDREC_FIELD_KEY or a key file.
With --store-vault the key is written to the Vault secret configured
under key.vault instead of being printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := fieldcipher.GenerateKey()
		if err != nil {
			return err
		}

		if keysGenerateVault {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := keysource.NewVaultClient()
			if err != nil {
				return err
			}
			if err := v.StoreKey(cmd.Context(), a.cfg.Key.Vault.Path, a.cfg.Key.Vault.Field, key); err != nil {
				return err
			}
			fmt.Printf("[medrec] New key stored at %s\n", a.cfg.Key.Vault.Path)
			return nil
		}

		switch keysGenerateFormat {
		case "base64":
			fmt.Println(keysource.EncodeKey(key))
		case "hex":
			fmt.Println(hex.EncodeToString(key))
		default:
			return fmt.Errorf("unknown format %q (want base64 or hex)", keysGenerateFormat)
		}
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysGenerateFormat, "format", "base64", "Output encoding: base64 or hex")
	keysGenerateCmd.Flags().BoolVar(&keysGenerateVault, "store-vault", false, "Write the key to the configured Vault secret")
}

var (
	reencryptNewEnv       string
	reencryptNewFile      string
	reencryptNewAlgorithm string
)

var keysReencryptCmd = &cobra.Command{
	Use:   "reencrypt",
	Short: "Re-encrypt every record under a new key",
	Long: `Open every stored record with the current key and seal it again under
a new one. Records that do not open under the current key are reported
and left unchanged. Update the key configuration afterwards so medrec
loads the new key.

Example:
  MEDREC_NEW_KEY=$(medrec keys generate) \
    medrec keys reencrypt --role Admin --new-key-env MEDREC_NEW_KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		src := keysource.Config{Source: keysource.SourceEnv, Env: reencryptNewEnv}
		if reencryptNewFile != "" {
			src = keysource.Config{Source: keysource.SourceFile, File: reencryptNewFile}
		}
		algorithm := reencryptNewAlgorithm
		if algorithm == "" {
			algorithm = a.cfg.Cipher.Algorithm
		}
		next, err := a.newCipher(ctx, src, algorithm)
		if err != nil {
			return err
		}

		report, err := a.records.Reencrypt(ctx, role, a.cipher, next)
		for _, id := range report.Stranded {
			fmt.Printf("  %s is now sealed under the NEW key and could not be restored\n", id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("[medrec] Re-encrypted %d of %d records with %s\n", report.Reencrypted, report.Total, report.Algorithm)
		for _, id := range report.Failed {
			fmt.Printf("  could not open %s with the current key\n", id)
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d records were not re-encrypted", len(report.Failed))
		}
		return nil
	},
}

func init() {
	keysReencryptCmd.Flags().StringVar(&reencryptNewEnv, "new-key-env", "MEDREC_NEW_KEY", "Environment variable holding the new key")
	keysReencryptCmd.Flags().StringVar(&reencryptNewFile, "new-key-file", "", "File holding the new key (overrides --new-key-env)")
	keysReencryptCmd.Flags().StringVar(&reencryptNewAlgorithm, "algorithm", "", "Cipher for the new key (default: cipher.algorithm)")
}
