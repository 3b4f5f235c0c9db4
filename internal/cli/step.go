package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stepResult []string

func init() {
	rootCmd.AddCommand(stepCmd)
	stepCmd.Flags().StringArrayVarP(&stepResult, "result", "r", nil, "Action result as key=value (repeatable)")
}

var stepCmd = &cobra.Command{
	Use:   "step <lease-id> <action>",
	Short: "Record an action performed under a lease",
	Long:  "Counts one step against the lease. Refused when the lease is exhausted, expired, revoked or does not grant the action.",
	Args:  cobra.ExactArgs(2),
	RunE:  runStep,
}

func runStep(cmd *cobra.Command, args []string) error {
	result, err := parseAttrs(stepResult)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.svc.RecordStep(context.Background(), args[0], args[1], result)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(snap)
	}
	if snap.MaxSteps > 0 {
		fmt.Printf("Step recorded: %d of %d\n", snap.StepsTaken, snap.MaxSteps)
	} else {
		fmt.Printf("Step recorded: %d\n", snap.StepsTaken)
	}
	return nil
}
