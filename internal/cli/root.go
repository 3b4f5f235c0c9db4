package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/ward/internal/audit"
	"github.com/ppiankov/ward/internal/authority"
	"github.com/ppiankov/ward/internal/config"
	"github.com/ppiankov/ward/internal/metrics"
	"github.com/ppiankov/ward/internal/policy"
	"github.com/ppiankov/ward/internal/store"
)

// exitConfig is EX_CONFIG from sysexits.h.
const exitConfig = 78

var (
	cfgFile    string
	flagDB     string
	flagAudit  string
	flagPolicy string
	flagIntel  bool
	flagVerb   bool
	jsonOutput bool

	cfg *config.Config
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ./ward.yaml or ~/.ward/ward.yaml)")
	pf.StringVar(&flagDB, "db", "", "SQLite database path")
	pf.StringVar(&flagAudit, "audit-log", "", "Hash-chained audit log path")
	pf.StringVar(&flagPolicy, "policy", "", "Policy file (YAML or JSON)")
	pf.BoolVar(&flagIntel, "enable-intelligence", false, "Generate decision intelligence reports")
	pf.BoolVarP(&flagVerb, "verbose", "v", false, "Debug logging")
	pf.BoolVar(&jsonOutput, "json", false, "Output JSON")
}

var rootCmd = &cobra.Command{
	Use:   "ward",
	Short: "Authority control plane for autonomous agents",
	Long: "Decides whether an agent may act, issues bounded leases for what it may do,\n" +
		"watches how those leases are used and revokes them when they are abused.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, used, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(exitConfig)
		}
		applyFlags(cmd, loaded)
		cfg = loaded
		if used != "" {
			newLogger().Debug("loaded config", "file", used)
		}
		return nil
	},
}

// exitCode asks Execute to exit with a specific status once the command has
// returned and its deferred cleanup has run.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

// Execute runs the root command.
func Execute() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("db") {
		c.DBPath = flagDB
	}
	if flags.Changed("audit-log") {
		c.AuditLog = flagAudit
	}
	if flags.Changed("policy") {
		c.PolicyPath = flagPolicy
	}
	if flags.Changed("enable-intelligence") {
		c.EnableIntelligence = flagIntel
	}
	if flags.Changed("verbose") {
		c.Verbose = flagVerb
	}
}

func newLogger() *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadPolicy compiles the configured policy, or returns the built-in one.
// A policy that does not compile is a configuration failure.
func loadPolicy() (*policy.Policy, string) {
	if cfg.PolicyPath == "" {
		p := policy.Default()
		hash, err := policy.Fingerprint(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(exitConfig)
		}
		return p, hash
	}
	p, hash, err := policy.CompileFile(cfg.PolicyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: policy %s: %v\n", cfg.PolicyPath, err)
		os.Exit(exitConfig)
	}
	return p, hash
}

// app is everything a command needs to talk to the authority.
type app struct {
	logger   *slog.Logger
	store    *store.Store
	audit    *audit.Log
	registry *prometheus.Registry
	svc      *authority.Service
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

func openApp() (*app, error) {
	a := &app{
		logger:   newLogger(),
		registry: prometheus.NewRegistry(),
	}
	p, hash := loadPolicy()

	st, err := openStore()
	if err != nil {
		return nil, err
	}
	a.store = st

	if cfg.AuditLog != "" {
		al, err := audit.Open(cfg.AuditLog)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.audit = al
	}

	svc, err := authority.New(authority.Options{
		Policy:               p,
		PolicyHash:           hash,
		Store:                st,
		Audit:                a.audit,
		Metrics:              metrics.New(a.registry),
		Logger:               a.logger,
		LeaseTTL:             cfg.Lease.DefaultTTL,
		LeaseMaxSteps:        cfg.Lease.DefaultMaxSteps,
		EnableIntelligence:   cfg.EnableIntelligence,
		RevokeOnPolicyChange: cfg.RevokeOnPolicyChange,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// close flushes metrics to the textfile collector, if configured, and
// releases the store and audit log.
func (a *app) close() {
	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile, a.registry); err != nil {
			a.logger.Warn("metrics textfile not written", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit log close failed", "error", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
