package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/store"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show policy, lease and store totals",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

type statusReport struct {
	Policy             string       `json:"policy"`
	PolicyHash         string       `json:"policy_hash"`
	PolicyFile         string       `json:"policy_file,omitempty"`
	Database           string       `json:"database"`
	AuditLog           string       `json:"audit_log,omitempty"`
	IntelligenceActive bool         `json:"intelligence_enabled"`
	ActiveLeases       int          `json:"active_leases"`
	Counts             store.Counts `json:"counts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return err
	}
	active, err := a.svc.ActiveLeases(ctx)
	if err != nil {
		return err
	}
	p, hash := a.svc.Policy()
	r := statusReport{
		Policy:             p.Name,
		PolicyHash:         hash,
		PolicyFile:         cfg.PolicyPath,
		Database:           cfg.DBPath,
		AuditLog:           cfg.AuditLog,
		IntelligenceActive: a.svc.IntelligenceEnabled(),
		ActiveLeases:       len(active),
		Counts:             counts,
	}
	if jsonOutput {
		return printJSON(r)
	}

	policyFile := r.PolicyFile
	if policyFile == "" {
		policyFile = "(built-in)"
	}
	fmt.Printf("Policy:       %s %s\n", r.Policy, policyFile)
	fmt.Printf("  Hash:       %s\n", r.PolicyHash)
	fmt.Printf("Database:     %s\n", r.Database)
	if r.AuditLog != "" {
		fmt.Printf("Audit log:    %s\n", r.AuditLog)
	}
	fmt.Printf("Intelligence: %t\n", r.IntelligenceActive)
	fmt.Println()
	fmt.Printf("Active leases:     %d\n", r.ActiveLeases)
	fmt.Printf("Pending approvals: %d\n", counts.PendingApprovals)
	fmt.Printf("Decisions:         %d\n", counts.Decisions)
	fmt.Printf("Actions:           %d\n", counts.Actions)
	fmt.Printf("Revocations:       %d\n", counts.Revocations)
	fmt.Printf("Human approvals:   %d\n", counts.HumanApprovals)
	return nil
}
