package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/decision"
)

var requestAttrs []string

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringArrayVarP(&requestAttrs, "attr", "a", nil, "Request context as key=value (repeatable)")
}

var requestCmd = &cobra.Command{
	Use:   "request <agent-id> <action>",
	Short: "Ask for authority to perform an action",
	Long: "Evaluates the action against the policy. An allow issues a lease; a\n" +
		"needs_human decision waits in 'ward pending' for a person.",
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

func runRequest(cmd *cobra.Command, args []string) error {
	attrs, err := parseAttrs(requestAttrs)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	d, err := a.svc.Request(context.Background(), args[0], args[1], attrs)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(d)
	}
	printDecision(d)
	return nil
}

func printDecision(d decision.Decision) {
	switch d.Outcome {
	case decision.Approved:
		fmt.Printf("APPROVED %s\n", d.ID)
	case decision.Denied:
		fmt.Printf("DENIED %s\n", d.ID)
	default:
		fmt.Printf("NEEDS HUMAN %s\n", d.ID)
	}
	fmt.Printf("  Agent:  %s\n", d.AgentID)
	fmt.Printf("  Action: %s\n", d.RequestedAction)
	fmt.Printf("  Reason: %s\n", d.Reason)
	if d.RuleName != "" {
		fmt.Printf("  Rule:   %s/%s\n", d.PolicyName, d.RuleName)
	}
	if l := d.Lease; l != nil {
		fmt.Printf("  Lease:  %s (max steps %d, expires %s)\n",
			l.ID(), l.MaxSteps(), l.ExpiresAt().Local().Format(time.RFC3339))
	}
	if d.NeedsHuman() {
		fmt.Printf("\nApprove with: ward approve %s\n", d.ID)
	}
}
