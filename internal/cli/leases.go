package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(leasesCmd)
}

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List active leases",
	Args:  cobra.NoArgs,
	RunE:  runLeases,
}

func runLeases(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	active, err := a.svc.ActiveLeases(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(active)
	}
	if len(active) == 0 {
		fmt.Println("No active leases.")
		return nil
	}

	fmt.Printf("%-36s %-16s %-30s %-8s %s\n", "LEASE", "AGENT", "ACTIONS", "STEPS", "EXPIRES IN")
	now := time.Now()
	for _, l := range active {
		steps := fmt.Sprintf("%d", l.StepsTaken)
		if l.MaxSteps > 0 {
			steps = fmt.Sprintf("%d/%d", l.StepsTaken, l.MaxSteps)
		}
		fmt.Printf("%-36s %-16s %-30s %-8s %s\n",
			l.ID,
			truncate(l.AgentID, 16),
			truncate(strings.Join(l.AllowedActions, ","), 30),
			steps,
			l.ExpiresAt.Sub(now).Round(time.Second),
		)
	}
	return nil
}
