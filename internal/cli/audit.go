package cli

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/audit"
)

var (
	tailLines    int
	tailAgent    string
	tailType     string
	tailUnknown  string
	tailTimeline bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&tailAgent, "agent", "", "Only entries for this agent")
	auditTailCmd.Flags().StringVar(&tailType, "type", "", "Only this event type (decision, action, lease_revoked, violation)")
	auditTailCmd.Flags().StringVar(&tailUnknown, "unknown", "", "Only entries carrying this known unknown")
	auditTailCmd.Flags().BoolVar(&tailTimeline, "timeline", false, "Render a timeline with a summary instead of JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long: "Walks the JSONL audit log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.\n" +
		"Defaults to the configured audit_log.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

func auditPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if cfg.AuditLog == "" {
		return "", errors.New("no audit log given and audit_log is not configured")
	}
	return cfg.AuditLog, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if jsonOutput {
		if err := printJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
	} else {
		fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	}
	if !result.Valid {
		os.Exit(1)
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args)
	if err != nil {
		return err
	}
	entries, err := audit.ReadAll(path)
	if err != nil {
		return err
	}
	entries = audit.Select(entries, audit.Filter{
		AgentID: tailAgent,
		Type:    audit.EventType(tailType),
		Unknown: tailUnknown,
	})
	// Recent is newest first; print in log order.
	entries = audit.Recent(entries, tailLines)
	slices.Reverse(entries)

	if tailTimeline {
		fmt.Print(audit.FormatTimeline(entries))
		return nil
	}
	out, err := audit.FormatJSON(entries)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
