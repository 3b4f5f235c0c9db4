package intel

import "time"

// RiskLevel grades how dangerous a request is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Environment is the deployment environment a request appears to target.
type Environment string

const (
	EnvProd    Environment = "prod"
	EnvStaging Environment = "staging"
	EnvDev     Environment = "dev"
	EnvUnknown Environment = "unknown"
)

// Reversibility estimates whether an action can be undone.
type Reversibility string

const (
	Reversible           Reversibility = "reversible"
	PartiallyReversible  Reversibility = "partially_reversible"
	Irreversible         Reversibility = "irreversible"
	ReversibilityUnknown Reversibility = "unknown"
)

// Report is a Decision Intelligence Report: structured context attached to
// a needs_human decision so the reviewer does not start from a bare command.
// It is advisory and never changes the decision.
type Report struct {
	DecisionID             string                  `json:"decision_id"`
	GeneratedAt            time.Time               `json:"generated_at"`
	AgentID                string                  `json:"agent_id"`
	RequestedAction        string                  `json:"requested_action"`
	RequestFacts           RequestFacts            `json:"request_facts"`
	RiskAssessment         RiskAssessment          `json:"risk_assessment"`
	MissingInfo            []MissingInfo           `json:"missing_info"`
	RecommendedConstraints *RecommendedConstraints `json:"recommended_constraints"`
	Recommendation         *Recommendation         `json:"recommendation"`
	Comparables            []Comparable            `json:"comparables"`
	Provenance             Provenance              `json:"provenance"`
}

// RequestFacts are properties read directly off the request.
type RequestFacts struct {
	Env            Environment `json:"env"`
	Surface        string      `json:"surface"`
	CommandSummary string      `json:"command_summary"`
	ResourceTags   []string    `json:"resource_tags"`
	IsDestructive  bool        `json:"is_destructive"`
	IsReversible   bool        `json:"is_reversible"`
}

// RiskFactor is one detected hazard and the text that triggered it.
type RiskFactor struct {
	Code        string    `json:"code"`
	Severity    RiskLevel `json:"severity"`
	Evidence    []string  `json:"evidence"`
	Explanation string    `json:"explanation"`
}

type BlastRadius struct {
	Scope      string `json:"scope"`
	Estimate   string `json:"estimate"`
	Confidence string `json:"confidence"`
}

type ReversibilityAssessment struct {
	Estimate Reversibility `json:"estimate"`
	Notes    string        `json:"notes"`
}

type RiskAssessment struct {
	RiskLevel     RiskLevel               `json:"risk_level"`
	RiskFactors   []RiskFactor            `json:"risk_factors"`
	BlastRadius   BlastRadius             `json:"blast_radius"`
	Reversibility ReversibilityAssessment `json:"reversibility"`
}

// MissingInfo is a question whose answer would improve the decision.
type MissingInfo struct {
	Field    string `json:"field"`
	Question string `json:"question"`
	Blocking bool   `json:"blocking"`
}

// RecommendedConstraints are suggested lease parameters if a person approves.
type RecommendedConstraints struct {
	MaxSteps          int      `json:"max_steps"`
	TTLSeconds        int      `json:"ttl_seconds"`
	AllowedActions    []string `json:"allowed_actions"`
	AllowedScopes     []string `json:"allowed_scopes"`
	ForbiddenPatterns []string `json:"forbidden_patterns"`
}

// DurationMinutes is the TTL in whole minutes.
func (c RecommendedConstraints) DurationMinutes() int {
	return c.TTLSeconds / 60
}

type Recommendation struct {
	SuggestedOutcome string `json:"suggested_outcome"`
	Confidence       string `json:"confidence"`
	Rationale        string `json:"rationale"`
}

type Comparable struct {
	PriorDecisionID string  `json:"prior_decision_id"`
	PriorOutcome    string  `json:"prior_outcome"`
	Similarity      float64 `json:"similarity"`
	Notes           string  `json:"notes"`
}

// Provenance records how a report was produced.
type Provenance struct {
	Generator string `json:"generator"`
	Model     string `json:"model,omitempty"`
	Version   string `json:"version"`
}

// MissingFields returns the field names of the missing information, in
// report order. These are what a human approval records as open questions.
func (r *Report) MissingFields() []string {
	out := make([]string, 0, len(r.MissingInfo))
	for _, mi := range r.MissingInfo {
		out = append(out, mi.Field)
	}
	return out
}
