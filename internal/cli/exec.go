package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/agent"
)

// exitBlocked tells wrappers the command was not run because authority was
// refused.
const exitBlocked = 77

// ShellAction is the action name requested for commands run through exec.
const ShellAction = "shell_exec"

var (
	execAttrs  []string
	execNoWait bool
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringArrayVarP(&execAttrs, "attr", "a", nil, "Extra request context as key=value (repeatable)")
	execCmd.Flags().BoolVar(&execNoWait, "no-wait", false, "Exit instead of waiting when a human must approve")
}

var execCmd = &cobra.Command{
	Use:   "exec <agent-id> -- <command> [args...]",
	Short: "Run a command under ward authority",
	Long: "Requests shell_exec for the command. An approval runs it at once under the\n" +
		"issued lease. A needs_human decision waits, polling every agent.poll_interval\n" +
		"up to agent.timeout, until someone approves or denies it.\n" +
		"Exit code 77 indicates the command was denied, revoked or never approved.",
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	agentID, name, cmdArgs := args[0], args[1], args[2:]
	line := strings.Join(args[1:], " ")

	attrs, err := parseAttrs(execAttrs)
	if err != nil {
		return err
	}
	attrs["command"] = line
	if wd, err := os.Getwd(); err == nil {
		attrs["working_dir"] = wd
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func(ctx context.Context, action string, _ map[string]any, leaseID string) (any, error) {
		if _, err := a.svc.RecordStep(ctx, leaseID, action, map[string]any{"command": line}); err != nil {
			return nil, err
		}
		c := exec.CommandContext(ctx, name, cmdArgs...)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		err := c.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return nil, err
		}
		return 0, nil
	}

	poller := agent.New(agentID, a.store, agent.Options{
		PollInterval: cfg.Agent.PollInterval,
		Timeout:      cfg.Agent.Timeout,
		Logger:       a.logger,
	})
	res, err := poller.Submit(ctx, a.svc, ShellAction, attrs, nil, run)
	if err != nil {
		return err
	}

	if res.Status == agent.StatusPending {
		fmt.Fprintf(os.Stderr, "Waiting for approval: ward approve %s\n", res.DecisionID)
		if execNoWait {
			return exitCode(exitBlocked)
		}
		results, err := poller.PollUntilResolved(ctx, run)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintf(os.Stderr, "BLOCKED: no decision within %s\n", cfg.Agent.Timeout)
			return exitCode(exitBlocked)
		}
		res = results[0]
	}

	switch res.Status {
	case agent.StatusExecuted:
		if code, ok := res.Result.(int); ok && code != 0 {
			return exitCode(code)
		}
		return nil
	case agent.StatusError:
		return fmt.Errorf("%v", res.Result)
	default:
		fmt.Fprintf(os.Stderr, "BLOCKED (%s): %v\n", res.Status, res.Result)
		return exitCode(exitBlocked)
	}
}
