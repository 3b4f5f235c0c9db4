package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/authority"
)

var (
	approveAll      bool
	approveSteps    int
	approveDuration time.Duration
	approveComment  string
	approveOperator string
	approveYes      bool
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().BoolVar(&approveAll, "all", false, "Approve every pending decision with default constraints")
	approveCmd.Flags().IntVar(&approveSteps, "max-steps", 0, "Override the recommended step limit")
	approveCmd.Flags().DurationVar(&approveDuration, "duration", 0, "Override the recommended lease duration (e.g. 10m)")
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "Rationale recorded with the approval")
	approveCmd.Flags().StringVar(&approveOperator, "operator", "", "Who is approving (default: cli)")
	approveCmd.Flags().BoolVarP(&approveYes, "yes", "y", false, "Do not ask for confirmation")
}

var approveCmd = &cobra.Command{
	Use:   "approve [decision-id]",
	Short: "Approve a pending decision and issue a lease",
	Long: "Approves a needs_human decision. Constraints default to the decision\n" +
		"intelligence recommendation when one exists, else 1 step for 5 minutes.\n" +
		"With --all every pending decision is approved with those defaults.",
	Args: cobra.MaximumNArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	if approveAll == (len(args) == 1) {
		return errors.New("give exactly one decision id, or --all")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	if approveAll {
		return approveAllPending(ctx, a)
	}

	id := args[0]
	d, err := a.store.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	rec, err := a.svc.Recommend(ctx, id)
	if err != nil {
		return err
	}
	opts := authority.ApproveOptions{
		MaxSteps:        approveSteps,
		DurationMinutes: minutes(approveDuration),
		Rationale:       approveComment,
		Operator:        approveOperator,
	}

	if !approveYes && !jsonOutput {
		steps, mins := rec.MaxSteps, rec.DurationMinutes
		if opts.MaxSteps > 0 {
			steps = opts.MaxSteps
		}
		if opts.DurationMinutes > 0 {
			mins = opts.DurationMinutes
		}
		fmt.Printf("Decision: %s\n", d.ID)
		fmt.Printf("  Agent:  %s\n", d.AgentID)
		fmt.Printf("  Action: %s\n", d.Action)
		if cmdline, ok := d.Context["command"].(string); ok {
			fmt.Printf("  Command: %s\n", cmdline)
		}
		if len(rec.MissingInfo) > 0 {
			fmt.Printf("  Open questions: %s\n", strings.Join(rec.MissingInfo, ", "))
		}
		fmt.Printf("  Lease: max %d steps, %d minutes\n", steps, mins)
		if !confirm(os.Stdin, "Approve?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	l, err := a.svc.Approve(ctx, id, opts)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(l)
	}
	fmt.Printf("Approved %s\n", id)
	fmt.Printf("  Lease: %s (max steps %d, expires %s)\n", l.ID(), l.MaxSteps(), l.ExpiresAt().Local().Format(time.RFC3339))
	return nil
}

func approveAllPending(ctx context.Context, a *app) error {
	list, err := a.store.PendingApprovals(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	if !approveYes && !confirm(os.Stdin, fmt.Sprintf("Approve all %d pending decisions?", len(list))) {
		fmt.Println("Aborted.")
		return nil
	}

	var errs []error
	approved := 0
	for _, d := range list {
		l, err := a.svc.Approve(ctx, d.ID, authority.ApproveOptions{
			MaxSteps:        approveSteps,
			DurationMinutes: minutes(approveDuration),
			Rationale:       approveComment,
			Operator:        approveOperator,
			Batch:           true,
		})
		if err != nil {
			// Someone else may have resolved it since the listing.
			if errors.Is(err, authority.ErrDecisionNotPending) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", d.ID, err))
			continue
		}
		approved++
		fmt.Printf("Approved %s -> lease %s\n", d.ID, l.ID())
	}
	fmt.Printf("%d of %d approved\n", approved, len(list))
	return errors.Join(errs...)
}

// minutes rounds a duration up to whole minutes.
func minutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
