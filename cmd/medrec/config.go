package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/config"
	"github.com/medrec/medrec/internal/policy"
)

// ============================================================================
// medrec policy: Access rules
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and test access rules",
	Long: `Access rules decide which role may create, update, delete or view
records and which fields it may touch. Custom rules in policy.yaml are
evaluated before the built-in rules; the first match wins and requests
no rule matches are denied.`,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyCheckCmd)
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		rules := a.policy.ListRules()
		fmt.Printf("%-24s %-8s %-6s %s\n", "NAME", "TYPE", "EFFECT", "DESCRIPTION")
		fmt.Printf("%-24s %-8s %-6s %s\n", "----", "----", "------", "-----------")
		for _, r := range rules {
			ruleType := "custom"
			if r.Builtin {
				ruleType = "builtin"
			}
			fmt.Printf("%-24s %-8s %-6s %s\n", r.Name, ruleType, r.Effect, r.Message)
		}
		fmt.Printf("\n%d rules (%d builtin + %d custom)\n", len(rules), a.policy.BuiltinCount(), a.policy.CustomCount())
		return nil
	},
}

var policyCheckFields []string

var policyCheckCmd = &cobra.Command{
	Use:   "check <action>",
	Short: "Show whether the acting role may perform an action",
	Example: `  medrec policy check --role Nurse Update --field treatment
  medrec policy check --role Doctor View --field audit_log`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := actingRole()
		if err != nil {
			return err
		}
		action, err := audit.ParseAction(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		d := a.policy.Evaluate(policy.Request{Role: role, Action: action, Fields: policyCheckFields})
		verdict := "DENIED"
		if d.Allowed {
			verdict = "ALLOWED"
		}
		rule := d.Rule
		if rule == "" {
			rule = "(default)"
		}
		fmt.Printf("[medrec] %s %s %s: %s by rule %s: %s\n",
			role, action, strings.Join(policyCheckFields, ","), verdict, rule, d.Message)
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().StringSliceVar(&policyCheckFields, "field", nil, "Field touched (repeatable)")
}

// ============================================================================
// medrec config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the medrec configuration. The config file lives at
~/.medrec/config.yaml and selects the storage driver, cipher, key source,
audit digest and logging.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'medrec config generate' for a template.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "[medrec] warning: %v\n", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configGenerateForce bool

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write default config.yaml and policy.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		configPath := filepath.Join(configDir, config.FileName)
		if err := writeIfAbsent(configPath, config.WriteDefault); err != nil {
			return err
		}
		policyPath := filepath.Join(configDir, "policy.yaml")
		if err := writeIfAbsent(policyPath, policy.WriteDefault); err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Create a field key and keep it outside the data directory:")
		fmt.Printf("     echo MEDREC_FIELD_KEY=$(medrec keys generate) >> %s\n", filepath.Join(configDir, ".env"))
		fmt.Println("  2. Add a patient:")
		fmt.Println("     medrec patient add --role Doctor --name \"Jane Roe\" --diagnosis ...")
		return nil
	},
}

func writeIfAbsent(path string, write func(string) error) error {
	if _, err := os.Stat(path); err == nil && !configGenerateForce {
		fmt.Printf("[medrec] %s exists, leaving it (use --force to overwrite)\n", path)
		return nil
	}
	if err := write(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("[medrec] Wrote %s\n", path)
	return nil
}

func init() {
	configGenerateCmd.Flags().BoolVar(&configGenerateForce, "force", false, "Overwrite existing files")
}
