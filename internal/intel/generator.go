package intel

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	// GeneratorRules identifies the deterministic generator in provenance.
	GeneratorRules = "rules"
	// Version is the report format version.
	Version = "1"

	maxSummaryLen = 100
)

type pattern struct {
	re       *regexp.Regexp
	code     string
	severity RiskLevel
}

// Destructive command patterns.
var destructivePatterns = []pattern{
	{regexp.MustCompile(`(?i)\brm\s+(-rf?|--recursive)`), "DESTRUCTIVE_RM", RiskHigh},
	{regexp.MustCompile(`(?i)\bDROP\s+(DATABASE|TABLE)`), "SQL_DROP", RiskCritical},
	{regexp.MustCompile(`(?i)\btruncate\b`), "SQL_TRUNCATE", RiskHigh},
	{regexp.MustCompile(`(?i)\bdelete\s+from\b`), "SQL_DELETE", RiskMedium},
	{regexp.MustCompile(`(?i)>\s*/dev/`), "WRITE_TO_DEV", RiskHigh},
	{regexp.MustCompile(`(?i)\bmkfs\b`), "FORMAT_FILESYSTEM", RiskCritical},
	{regexp.MustCompile(`(?i)\bdd\b.*of=`), "DD_WRITE", RiskHigh},
}

// Risky but not necessarily destructive patterns.
var riskyPatterns = []pattern{
	{regexp.MustCompile(`(?i)\bsudo\b`), "ELEVATED_PRIVILEGES", RiskMedium},
	{regexp.MustCompile(`(?i)\bcurl.*\|\s*bash`), "PIPE_TO_BASH", RiskHigh},
	{regexp.MustCompile(`(?i)\bwget.*\|\s*bash`), "PIPE_TO_BASH", RiskHigh},
	{regexp.MustCompile(`(?i)\bchmod\s+777`), "OVERLY_PERMISSIVE", RiskMedium},
}

var resourcePatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?i)\b(mysql|postgres|mongo|redis)\b`), "db"},
	{regexp.MustCompile(`(?i)\b(\.sql|database|schema)\b`), "db"},
	{regexp.MustCompile(`(?i)\b(/dev/|/sys/|/proc/)`), "system"},
	{regexp.MustCompile(`(?i)\b(docker|kubernetes|k8s)\b`), "container"},
	{regexp.MustCompile(`(?i)\b(aws|gcp|azure)\b`), "cloud"},
	{regexp.MustCompile(`(?i)\b(secret|password|token|key)\b`), "secrets"},
	{regexp.MustCompile(`(?i)\b(network|iptables|firewall)\b`), "network"},
}

var (
	readRe   = regexp.MustCompile(`(?i)\b(read|get|list|show|select)\b`)
	updateRe = regexp.MustCompile(`(?i)\b(update|modify|set)\b`)
)

// envMarkers are checked in order; the first hit wins.
var envMarkers = []struct {
	marker string
	env    Environment
}{
	{"prod", EnvProd},
	{"production", EnvProd},
	{"staging", EnvStaging},
	{"stage", EnvStaging},
	{"dev", EnvDev},
	{"development", EnvDev},
}

// Generator builds reports from fixed pattern tables. The same request
// always yields the same report, apart from GeneratedAt.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a rules-based generator.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate builds the report for a decision. The request context is read
// for "command", "working_dir" and "surface".
func (g *Generator) Generate(decisionID, agentID, action string, context map[string]any) *Report {
	command := stringField(context, "command")

	facts := extractFacts(command, context)
	risk := assessRisk(command, facts)

	return &Report{
		DecisionID:             decisionID,
		GeneratedAt:            g.now().UTC(),
		AgentID:                agentID,
		RequestedAction:        action,
		RequestFacts:           facts,
		RiskAssessment:         risk,
		MissingInfo:            missingInfo(command, context, risk),
		RecommendedConstraints: recommendConstraints(risk.RiskLevel),
		Comparables:            []Comparable{},
		Provenance:             Provenance{Generator: GeneratorRules, Version: Version},
	}
}

func extractFacts(command string, context map[string]any) RequestFacts {
	lower := strings.ToLower(command)
	workingDir := strings.ToLower(stringField(context, "working_dir"))

	env := EnvUnknown
	for _, m := range envMarkers {
		if strings.Contains(lower, m.marker) || strings.Contains(workingDir, m.marker) {
			env = m.env
			break
		}
	}

	surface := stringField(context, "surface")
	if surface == "" {
		surface = "shell"
	}

	destructive := false
	for _, p := range destructivePatterns {
		if p.re.MatchString(command) {
			destructive = true
			break
		}
	}

	tags := []string{}
	for _, p := range resourcePatterns {
		if p.re.MatchString(command) && !slices.Contains(tags, p.tag) {
			tags = append(tags, p.tag)
		}
	}

	return RequestFacts{
		Env:            env,
		Surface:        surface,
		CommandSummary: summarize(command),
		ResourceTags:   tags,
		IsDestructive:  destructive,
		IsReversible:   !destructive,
	}
}

func assessRisk(command string, facts RequestFacts) RiskAssessment {
	factors := []RiskFactor{}

	for _, p := range destructivePatterns {
		if m := p.re.FindString(command); m != "" {
			factors = append(factors, RiskFactor{
				Code:        p.code,
				Severity:    p.severity,
				Evidence:    []string{m},
				Explanation: fmt.Sprintf("Destructive operation detected: %s", p.code),
			})
		}
	}
	for _, p := range riskyPatterns {
		if m := p.re.FindString(command); m != "" {
			factors = append(factors, RiskFactor{
				Code:        p.code,
				Severity:    p.severity,
				Evidence:    []string{m},
				Explanation: fmt.Sprintf("Risky pattern detected: %s", p.code),
			})
		}
	}

	if facts.Env == EnvProd && facts.IsDestructive {
		factors = append(factors, RiskFactor{
			Code:        "DESTRUCTIVE_IN_PROD",
			Severity:    RiskCritical,
			Evidence:    []string{"production environment", "destructive operation"},
			Explanation: "Destructive command targeting production",
		})
	}

	return RiskAssessment{
		RiskLevel:     overallLevel(factors),
		RiskFactors:   factors,
		BlastRadius:   blastRadius(facts),
		Reversibility: reversibility(command, facts),
	}
}

func overallLevel(factors []RiskFactor) RiskLevel {
	has := func(l RiskLevel) bool {
		return slices.ContainsFunc(factors, func(f RiskFactor) bool { return f.Severity == l })
	}
	switch {
	case has(RiskCritical):
		return RiskCritical
	case has(RiskHigh):
		return RiskHigh
	case has(RiskMedium):
		return RiskMedium
	default:
		return RiskLow
	}
}

func blastRadius(facts RequestFacts) BlastRadius {
	switch {
	case slices.Contains(facts.ResourceTags, "db"):
		return BlastRadius{Scope: "service", Estimate: "Database operation may affect entire service", Confidence: "medium"}
	case facts.Env == EnvProd && facts.IsDestructive:
		return BlastRadius{Scope: "env", Estimate: "Destructive prod operation may affect environment", Confidence: "high"}
	case slices.Contains(facts.ResourceTags, "system"):
		return BlastRadius{Scope: "env", Estimate: "System-level operation may affect host/cluster", Confidence: "medium"}
	default:
		return BlastRadius{Scope: "single_resource", Estimate: "Impact likely limited to single resource", Confidence: "low"}
	}
}

func reversibility(command string, facts RequestFacts) ReversibilityAssessment {
	switch {
	case facts.IsDestructive:
		return ReversibilityAssessment{Estimate: Irreversible, Notes: "Destructive operation cannot be undone without backups"}
	case readRe.MatchString(command):
		return ReversibilityAssessment{Estimate: Reversible, Notes: "Read operation is idempotent"}
	case updateRe.MatchString(command):
		return ReversibilityAssessment{Estimate: PartiallyReversible, Notes: "Update may be reversible if previous state was recorded"}
	default:
		return ReversibilityAssessment{Estimate: ReversibilityUnknown, Notes: "Reversibility unclear"}
	}
}

func missingInfo(command string, context map[string]any, risk RiskAssessment) []MissingInfo {
	missing := []MissingInfo{}

	if risk.RiskLevel == RiskHigh || risk.RiskLevel == RiskCritical {
		if e := risk.Reversibility.Estimate; e == Irreversible || e == ReversibilityUnknown {
			missing = append(missing, MissingInfo{
				Field:    "backup_status",
				Question: "Is there a verified backup taken within last 24 hours?",
				Blocking: true,
			})
		}
	}

	if strings.Contains(strings.ToLower(command), "prod") ||
		strings.Contains(strings.ToLower(fmt.Sprint(context)), "production") {
		missing = append(missing, MissingInfo{
			Field:    "approval_chain",
			Question: "Has this been reviewed by required approvers?",
			Blocking: false,
		})
	}

	return missing
}

func recommendConstraints(level RiskLevel) *RecommendedConstraints {
	switch level {
	case RiskHigh, RiskCritical:
		return &RecommendedConstraints{
			MaxSteps:          1,
			TTLSeconds:        300,
			AllowedActions:    []string{"shell_exec"},
			AllowedScopes:     []string{},
			ForbiddenPatterns: []string{"rm -rf", "DROP DATABASE", "truncate"},
		}
	case RiskMedium:
		return &RecommendedConstraints{
			MaxSteps:          5,
			TTLSeconds:        600,
			AllowedActions:    []string{"shell_exec"},
			AllowedScopes:     []string{},
			ForbiddenPatterns: []string{"rm -rf"},
		}
	default:
		return &RecommendedConstraints{
			MaxSteps:          10,
			TTLSeconds:        1800,
			AllowedActions:    []string{"shell_exec"},
			AllowedScopes:     []string{},
			ForbiddenPatterns: []string{},
		}
	}
}

func summarize(command string) string {
	r := []rune(command)
	if len(r) <= maxSummaryLen {
		return command
	}
	return string(r[:maxSummaryLen-3]) + "..."
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
