package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	revokeComment  string
	revokeOperator string
)

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().StringVar(&revokeComment, "comment", "", "Why the lease is revoked")
	revokeCmd.Flags().StringVar(&revokeOperator, "operator", "", "Who is revoking (default: cli)")
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <lease-id>",
	Short: "Revoke a lease",
	Long:  "Revokes a lease with HUMAN_OVERRIDE. Later steps under it are refused.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.svc.Revoke(context.Background(), args[0], revokeOperator, revokeComment)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}
	fmt.Printf("Revoked %s (%s by %s)\n", rec.LeaseID, rec.Reason, rec.RevokedBy)
	return nil
}
