package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/sim"
)

var simAgent string

func init() {
	policyCmd.AddCommand(policySimulateCmd)
	policySimulateCmd.Flags().StringVar(&simAgent, "agent", "", "Only replay decisions for this agent")
}

var policySimulateCmd = &cobra.Command{
	Use:   "simulate <policy-file> [audit-log]",
	Short: "Replay recorded decisions against a candidate policy",
	Long: "Reads the audit log, re-evaluates each recorded decision with the given\n" +
		"policy, and shows which outcomes would change.\n\n" +
		"Use this to preview policy changes before deploying them.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runPolicySimulate,
}

func runPolicySimulate(cmd *cobra.Command, args []string) error {
	path, err := auditPath(args[1:])
	if err != nil {
		return err
	}
	result, err := sim.SimulateFile(path, args[0], simAgent)
	if err != nil {
		return err
	}

	if jsonOutput {
		out, err := sim.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(sim.FormatText(result))
	return nil
}
