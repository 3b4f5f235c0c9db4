package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(saturationCmd)
}

var saturationCmd = &cobra.Command{
	Use:   "saturation",
	Short: "Show how predictable human decisions have become",
	Long: "Measures how often people accept the recommended constraints and resolve\n" +
		"the open questions. Ready means enough decisions at a high enough score\n" +
		"to consider automating them.",
	Args: cobra.NoArgs,
	RunE: runSaturation,
}

func runSaturation(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := st.DecisionSaturation(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Printf("Human decisions:          %d / %d\n", s.TotalDecisions, s.TargetDecisions)
	fmt.Printf("Constraints accepted:     %.0f%%\n", s.ConstraintsAcceptanceRate*100)
	fmt.Printf("Missing info resolved:    %.0f%%\n", s.MissingInfoResolutionRate*100)
	fmt.Printf("Saturation score:         %.2f (target %.2f)\n", s.SaturationScore, s.TargetSaturation)
	fmt.Printf("Status:                   %s\n", s.Status)
	return nil
}
