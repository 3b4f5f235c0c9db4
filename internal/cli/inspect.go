package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/intel"
	"github.com/ppiankov/ward/internal/store"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <decision-id>",
	Short: "Show a decision and its intelligence report",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

type inspection struct {
	Decision store.DecisionRecord `json:"decision"`
	Report   *intel.Report        `json:"report,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var out inspection
	if out.Decision, err = st.GetDecision(ctx, args[0]); err != nil {
		return err
	}
	rec, err := st.GetDecisionIntel(ctx, args[0])
	switch {
	case err == nil:
		out.Report = &intel.Report{}
		if err := json.Unmarshal(rec.Payload, out.Report); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if jsonOutput {
		return printJSON(out)
	}

	d := out.Decision
	fmt.Printf("Decision: %s\n", d.ID)
	fmt.Printf("Outcome:  %s\n", d.Outcome)
	fmt.Printf("Agent:    %s\n", d.AgentID)
	fmt.Printf("Action:   %s\n", d.Action)
	fmt.Printf("Reason:   %s\n", d.Reason)
	if d.RuleName != "" {
		fmt.Printf("Rule:     %s/%s\n", d.PolicyName, d.RuleName)
	}
	if d.LeaseID != "" {
		fmt.Printf("Lease:    %s\n", d.LeaseID)
	}
	if len(d.KnownUnknowns) > 0 {
		fmt.Printf("Unknowns: %s\n", strings.Join(d.KnownUnknowns, ", "))
	}
	keys := slices.Sorted(maps.Keys(d.Context))
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, d.Context[k])
	}

	r := out.Report
	if r == nil {
		return nil
	}
	fmt.Printf("\nRisk: %s\n", r.RiskAssessment.RiskLevel)
	for _, f := range r.RiskAssessment.RiskFactors {
		fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Code, f.Explanation)
	}
	if len(r.MissingInfo) > 0 {
		fmt.Println("\nMissing information:")
		for _, m := range r.MissingInfo {
			marker := ""
			if m.Blocking {
				marker = " (blocking)"
			}
			fmt.Printf("  - %s%s\n", m.Question, marker)
		}
	}
	if c := r.RecommendedConstraints; c != nil {
		fmt.Printf("\nRecommended: max %d steps, %d minutes\n", c.MaxSteps, c.DurationMinutes())
	}
	return nil
}
