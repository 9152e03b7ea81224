package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/policy"
)

// ============================================================================
// medrec audit: Query and verify the audit log
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit log",
	Long: `The audit log records every create, update, delete and view of a
patient record: who (role), what (action), which record and fields, and
when. Entries are hash-chained: each entry's hash covers the previous
entry's hash, so editing, deleting or reordering any entry is detectable.

Reading the audit log requires a role the policy allows to view it
(Admin by default).`,
}

// auditFollowMode enables real-time following of new audit entries (-f flag).
var auditFollowMode bool

// auditTailLimit controls how many recent entries to show.
var auditTailLimit int

func init() {
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}

// openAuditReader opens the app for a command that reads the audit log and
// checks that the acting role may do so.
func openAuditReader(ctx context.Context) (*app, error) {
	role, err := actingRole()
	if err != nil {
		return nil, err
	}
	a, err := openApp(ctx, false)
	if err != nil {
		return nil, err
	}
	req := policy.Request{Role: role, Action: audit.ActionView, Fields: []string{policy.FieldAuditLog}}
	if err := a.policy.Authorize(req); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit log entries. Use -f to follow in real-time (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openAuditReader(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.chain.Tail(ctx, auditTailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		var lastSeq uint64
		for _, entry := range entries {
			printAuditEntry(entry)
			lastSeq = entry.Seq
		}

		if auditFollowMode {
			err := a.chain.Follow(ctx, a.backend.Dir, lastSeq, printAuditEntry)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new entries in real-time")
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// Audit query filter flags.
var (
	auditQueryRole    string
	auditQueryAction  string
	auditQuerySince   string
	auditQueryDetails string
	auditQueryLimit   int
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit log with filters. Supports filtering by role, action,
time range and a glob over the details text.

Examples:
  medrec audit query --role Admin --filter-role Nurse --action Update --since 24h
  medrec audit query --role Admin --details "*patient 3f2a*"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openAuditReader(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		params := audit.QueryParams{
			Since:   auditQuerySince,
			Details: auditQueryDetails,
			Limit:   auditQueryLimit,
		}
		if auditQueryRole != "" {
			if params.Role, err = audit.ParseRole(auditQueryRole); err != nil {
				return err
			}
		}
		if auditQueryAction != "" {
			if params.Action, err = audit.ParseAction(auditQueryAction); err != nil {
				return err
			}
		}

		entries, err := a.chain.Query(ctx, params)
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}

		for _, entry := range entries {
			printAuditEntry(entry)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQueryRole, "filter-role", "", "Filter by acting role (Doctor/Nurse/Admin)")
	auditQueryCmd.Flags().StringVar(&auditQueryAction, "action", "", "Filter by action (Create/Update/Delete/View)")
	auditQueryCmd.Flags().StringVar(&auditQuerySince, "since", "", "Show entries since duration (e.g., 1h, 24h) or RFC 3339 time")
	auditQueryCmd.Flags().StringVar(&auditQueryDetails, "details", "", "Glob over the details text")
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", 50, "Maximum number of entries to return")
}

// auditVerifyCmd recomputes every hash from genesis. It exits non-zero when
// the chain is broken.
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every audit entry's hash from its content and the previous
entry's recomputed hash, starting at genesis. Stored hashes are never
trusted. If any entry was altered, removed or reordered, this command
reports the first entry where the chain diverges and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openAuditReader(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.chain.VerifyChain(ctx)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if idx, tampered := result.Tampered(); tampered {
			fmt.Printf("[medrec] Hash chain BROKEN at entry #%d: %s\n", idx, result.Reason)
			fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
			fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
			return fmt.Errorf("audit chain integrity violation detected at entry #%d", idx)
		}
		fmt.Printf("[medrec] Hash chain VALID (%d entries verified, %s)\n", result.EntriesChecked, a.chain.Digest())
		return nil
	},
}

// auditExportFormat controls the export output format (csv, json, jsonl).
var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit log",
	Long: `Export the full audit log to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  medrec audit export --role Admin --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openAuditReader(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.chain.Export(ctx, os.Stdout, auditExportFormat)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// printAuditEntry formats and prints a single audit entry to stdout.
func printAuditEntry(e audit.Entry) {
	fmt.Printf("[%s] #%-5d role=%-6s action=%-6s %s\n",
		e.Timestamp.Format("2006-01-02T15:04:05.000000Z"), e.Seq, e.Role, e.Action, e.Details)
}
