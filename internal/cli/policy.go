package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/authority"
	"github.com/ppiankov/ward/internal/policy"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyCompileCmd)
	policyCmd.AddCommand(policyExplainCmd)
	policyCmd.AddCommand(policyWatchCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy operations",
	Long:  "Commands for validating, inspecting and hot-reloading policy documents.",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a policy document compiles",
	Long:  "Compiles the document and reports the first error. Exits 0 if valid, 1 if not.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var policyCompileCmd = &cobra.Command{
	Use:   "compile [file]",
	Short: "Print the canonical JSON form of a policy",
	Long:  "Without a file the configured policy (or the built-in one) is compiled.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyCompile,
}

var policyExplainCmd = &cobra.Command{
	Use:   "explain <rule-id>",
	Short: "Describe a rule of the configured policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyExplain,
}

var policyWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Hot-reload the configured policy until interrupted",
	Long: "Watches the policy file and swaps it into the authority on every change.\n" +
		"A document that fails to compile leaves the previous policy in force.",
	Args: cobra.NoArgs,
	RunE: runPolicyWatch,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	p, hash, err := policy.CompileFile(args[0])
	if err != nil {
		var ce *policy.CompileError
		if errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", ce)
		} else {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		os.Exit(1)
	}
	fingerprint, err := policy.Fingerprint(p)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{
			"policy":      p.Name,
			"rules":       len(p.Rules()),
			"file_hash":   hash,
			"fingerprint": fingerprint,
		})
	}
	fmt.Printf("OK: policy %q, %d rules\n", p.Name, len(p.Rules()))
	fmt.Printf("  File hash:   %s\n", hash)
	fmt.Printf("  Fingerprint: %s\n", fingerprint)
	return nil
}

func runPolicyCompile(cmd *cobra.Command, args []string) error {
	var p *policy.Policy
	if len(args) == 1 {
		compiled, _, err := policy.CompileFile(args[0])
		if err != nil {
			return err
		}
		p = compiled
	} else {
		p, _ = loadPolicy()
	}
	out, err := policy.Canonical(p)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPolicyExplain(cmd *cobra.Command, args []string) error {
	p, _ := loadPolicy()
	text, ok := policy.Explain(p, args[0])
	if !ok {
		return fmt.Errorf("policy %q has no rule %q", p.Name, args[0])
	}
	fmt.Println(text)
	return nil
}

func runPolicyWatch(cmd *cobra.Command, args []string) error {
	if cfg.PolicyPath == "" {
		return errors.New("no policy file configured (set policy_path or --policy)")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	r, err := authority.NewReloader(a.svc, cfg.PolicyPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, hash := a.svc.Policy()
	fmt.Fprintf(os.Stderr, "Watching %s (policy %q, %s). Ctrl+C to stop.\n", cfg.PolicyPath, p.Name, hash)
	return r.Run(ctx)
}
