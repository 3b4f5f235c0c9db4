package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/authority"
)

var (
	denyAll      bool
	denyComment  string
	denyOperator string
	denyYes      bool
)

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().BoolVar(&denyAll, "all", false, "Deny every pending decision")
	denyCmd.Flags().StringVar(&denyComment, "comment", "", "Reason recorded with the denial")
	denyCmd.Flags().StringVar(&denyOperator, "operator", "", "Who is denying (default: cli)")
	denyCmd.Flags().BoolVarP(&denyYes, "yes", "y", false, "Do not ask for confirmation with --all")
}

var denyCmd = &cobra.Command{
	Use:   "deny [decision-id]",
	Short: "Deny a pending decision",
	Long:  "Denies a needs_human decision. The agent polling for it sees the denial and does not act.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	if denyAll == (len(args) == 1) {
		return errors.New("give exactly one decision id, or --all")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	if !denyAll {
		if err := a.svc.Deny(ctx, args[0], authority.DenyOptions{Comment: denyComment, Operator: denyOperator}); err != nil {
			return err
		}
		fmt.Printf("Denied %s\n", args[0])
		return nil
	}

	list, err := a.store.PendingApprovals(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	if !denyYes && !confirm(os.Stdin, fmt.Sprintf("Deny all %d pending decisions?", len(list))) {
		fmt.Println("Aborted.")
		return nil
	}

	var errs []error
	denied := 0
	for _, d := range list {
		err := a.svc.Deny(ctx, d.ID, authority.DenyOptions{Comment: denyComment, Operator: denyOperator, Batch: true})
		if errors.Is(err, authority.ErrDecisionNotPending) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.ID, err))
			continue
		}
		denied++
		fmt.Printf("Denied %s\n", d.ID)
	}
	fmt.Printf("%d of %d denied\n", denied, len(list))
	return errors.Join(errs...)
}
