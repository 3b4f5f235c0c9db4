package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Aliases: []string{"approvals"},
	Short:   "List decisions waiting for a human",
	Long:    "Shows every needs_human decision that has not been approved or denied, newest first.",
	Args:    cobra.NoArgs,
	RunE:    runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.PendingApprovals(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list pending decisions: %w", err)
	}
	if jsonOutput {
		return printJSON(list)
	}

	if len(list) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-36s %-16s %-20s %-40s %s\n", "DECISION", "AGENT", "ACTION", "REASON", "CREATED")
	for _, d := range list {
		fmt.Printf("%-36s %-16s %-20s %-40s %s\n",
			d.ID,
			truncate(d.AgentID, 16),
			truncate(d.Action, 20),
			truncate(d.Reason, 40),
			d.Timestamp.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}
