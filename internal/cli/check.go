package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var checkAttrs []string

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringArrayVarP(&checkAttrs, "attr", "a", nil, "Observed context as key=value, e.g. action=delete_db (repeatable)")
}

var checkCmd = &cobra.Command{
	Use:   "check <lease-id>",
	Short: "Run the watchdog against a lease",
	Long: "Evaluates every watchdog rule for the lease in the given context.\n" +
		"Violations that require it revoke the lease.\n\n" +
		"Exit code 0 if clean, 1 if any violation was found.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	attrs, err := parseAttrs(checkAttrs)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}

	res, err := a.svc.Check(context.Background(), args[0], attrs)
	a.close()
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		if len(res.Violations) == 0 {
			fmt.Println("OK: no violations")
		}
		for _, v := range res.Violations {
			fmt.Printf("VIOLATION [%s] %s: %s\n", v.Severity, v.Type, v.Description)
		}
		if r := res.Revocation; r != nil {
			fmt.Printf("Lease %s revoked (%s)\n", r.LeaseID, r.Reason)
		}
	}
	if len(res.Violations) > 0 {
		os.Exit(1)
	}
	return nil
}
