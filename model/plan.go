package model

// AIMode selects the reasoning strategy for a client's turns
type AIMode string

const (
	AIModeStandard AIMode = "standard"
	AIModeAdaptive AIMode = "adaptive"
)

// Unlimited marks a limit or remaining amount with no bound
const Unlimited int64 = -1

// Usage metric names checked against plan limits
const (
	MetricMessages  = "messages"
	MetricTokens    = "tokens"
	MetricToolCalls = "tool_calls"
)

// FeatureTools gates tool use for a plan
const FeatureTools = "tools"

// Plan is the subscription plan data the core reads. It is never mutated here.
type Plan struct {
	Name   string           `yaml:"name"`
	AIMode AIMode           `yaml:"ai_mode"`
	Limits map[string]int64 `yaml:"limits"`

	// Features are plan feature flags, e.g. "tools"
	Features map[string]bool `yaml:"features"`

	// Prices per 1000 tokens
	InputTokenPrice  float64 `yaml:"input_token_price"`
	OutputTokenPrice float64 `yaml:"output_token_price"`
}

// Limit returns the plan limit for a metric, Unlimited when not set
func (p *Plan) Limit(metric string) int64 {
	if p == nil || p.Limits == nil {
		return Unlimited
	}
	if v, ok := p.Limits[metric]; ok {
		return v
	}
	return Unlimited
}

// Mode returns the plan's reasoning mode, standard when unset
func (p *Plan) Mode() AIMode {
	if p == nil || p.AIMode == "" {
		return AIModeStandard
	}
	return p.AIMode
}

// HasFeature reports whether a feature flag is enabled. Missing flags are enabled.
func (p *Plan) HasFeature(name string) bool {
	if p == nil || p.Features == nil {
		return true
	}
	enabled, ok := p.Features[name]
	return !ok || enabled
}

// Cost prices a token pair against the plan
func (p *Plan) Cost(tokensIn, tokensOut int) float64 {
	if p == nil {
		return 0
	}
	return float64(tokensIn)/1000*p.InputTokenPrice + float64(tokensOut)/1000*p.OutputTokenPrice
}

// LimitDecision is the answer to a limit check for one metric
type LimitDecision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	Exceeded  bool
}

// UsageRecord is what a single turn consumed
type UsageRecord struct {
	TokensIn  int
	TokensOut int
	ToolCalls int
	Cost      float64
}

// IsZero reports whether nothing was consumed
func (u UsageRecord) IsZero() bool {
	return u.TokensIn == 0 && u.TokensOut == 0 && u.ToolCalls == 0 && u.Cost == 0
}
