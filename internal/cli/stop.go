package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	stopReason   string
	stopOperator string
	stopYes      bool
)

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopReason, "reason", "", "Description recorded on every revocation")
	stopCmd.Flags().StringVar(&stopOperator, "operator", "", "Who pulled the stop (default: system)")
	stopCmd.Flags().BoolVarP(&stopYes, "yes", "y", false, "Do not ask for confirmation")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Emergency stop: revoke every active lease",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	if !stopYes && !confirm(os.Stdin, "Revoke ALL active leases?") {
		fmt.Println("Aborted.")
		return nil
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.svc.EmergencyStop(context.Background(), stopOperator, stopReason)
	if jsonOutput {
		if perr := printJSON(recs); perr != nil {
			return perr
		}
	} else {
		for _, r := range recs {
			fmt.Printf("Revoked %s (agent %s)\n", r.LeaseID, r.AgentID)
		}
		fmt.Printf("Emergency stop: %d leases revoked\n", len(recs))
	}
	return err
}
