package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/policydiff"
)

func init() {
	policyCmd.AddCommand(policyDiffCmd)
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old> [new]",
	Short: "Compare two policy documents rule by rule",
	Long: "Shows added, removed, reordered and changed rules between two policies.\n" +
		"With one file, that file is compared against the configured policy.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runPolicyDiff,
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldPath := args[0]
	oldPolicy, _, err := policy.CompileFile(oldPath)
	if err != nil {
		return fmt.Errorf("%s: %w", oldPath, err)
	}

	var newPolicy *policy.Policy
	newPath := "(configured)"
	if len(args) == 2 {
		newPath = args[1]
		newPolicy, _, err = policy.CompileFile(newPath)
		if err != nil {
			return fmt.Errorf("%s: %w", newPath, err)
		}
	} else {
		newPolicy, _ = loadPolicy()
		if cfg.PolicyPath != "" {
			newPath = cfg.PolicyPath
		}
	}

	result := policydiff.Diff(oldPolicy, newPolicy)
	result.OldPath = oldPath
	result.NewPath = newPath

	if jsonOutput {
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(policydiff.FormatText(result))
	return nil
}
