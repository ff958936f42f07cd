package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rehoboam/internal/logging"
	"rehoboam/internal/model"
)

// Static fallback confidences, one per call site.
const (
	FallbackSentimentConfidence    = 0.5
	FallbackStrategyConfidence     = 0.5
	FallbackLoopConfidence         = 0.4
	FallbackDestinyConfidence      = 0.5
	FallbackDivergenceConfidence   = 0.5
	FallbackInterventionConfidence = 0.6
)

// Sentiment scores a batch of headlines.
type Sentiment struct {
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback"`
	Reason     string  `json:"reason,omitempty"`
}

// StrategyAdvice is the research-style recommendation for a subject.
type StrategyAdvice struct {
	Direction  model.Direction `json:"direction"`
	Magnitude  float64         `json:"magnitude"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Actions    []string        `json:"actions"`
	Fallback   bool            `json:"fallback"`
	Reason     string          `json:"reason,omitempty"`
}

// LoopAnalysis describes an agent's behavioral loop and likely next moves.
type LoopAnalysis struct {
	LoopType    string          `json:"loop_type"`
	NextActions []string        `json:"next_actions"`
	Direction   model.Direction `json:"direction"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning"`
	Fallback    bool            `json:"fallback"`
	Reason      string          `json:"reason,omitempty"`
}

// DestinyAnalysis is the narrative outlook for a timeframe.
type DestinyAnalysis struct {
	Outlook    model.Direction `json:"outlook"`
	Confidence float64         `json:"confidence"`
	Drivers    []string        `json:"drivers"`
	Narrative  string          `json:"narrative"`
	Fallback   bool            `json:"fallback"`
	Reason     string          `json:"reason,omitempty"`
}

// DivergenceAnalysis explains why an agent left its pattern.
type DivergenceAnalysis struct {
	Explanation string  `json:"explanation"`
	LikelyCause string  `json:"likely_cause"`
	Risk        float64 `json:"risk"`
	Confidence  float64 `json:"confidence"`
	Fallback    bool    `json:"fallback"`
	Reason      string  `json:"reason,omitempty"`
}

// InterventionAdvice lists corrective actions.
type InterventionAdvice struct {
	Actions    []string `json:"actions"`
	Urgency    string   `json:"urgency"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
	Fallback   bool     `json:"fallback"`
	Reason     string   `json:"reason,omitempty"`
}

// Analyzer runs the typed analyses, substituting the static fallback whenever the
// completer fails, times out, or answers with something that is not JSON.
type Analyzer struct {
	completer Completer
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewAnalyzer builds an analyzer. A nil completer behaves like Disabled.
func NewAnalyzer(c Completer, timeout time.Duration, logger zerolog.Logger) *Analyzer {
	if c == nil {
		c = Disabled{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{
		completer: c,
		timeout:   timeout,
		logger:    logging.Component(logger, "inference"),
	}
}

// Timeout returns the default per-call bound.
func (a *Analyzer) Timeout() time.Duration { return a.timeout }

func (a *Analyzer) fellBack(kind, reason string) {
	a.logger.Warn().Str("analysis", kind).Str("reason", reason).Msg("inference fallback used")
}

// Sentiment scores headlines in [-1,1].
func (a *Analyzer) Sentiment(ctx context.Context, headlines []string) Sentiment {
	if len(headlines) == 0 {
		return Sentiment{Label: "neutral", Confidence: FallbackSentimentConfidence, Fallback: true, Reason: "no headlines"}
	}
	prompt := "Score the aggregate market sentiment of these headlines. " +
		`Schema: {"score": number in [-1,1], "label": "bullish"|"bearish"|"neutral", "confidence": number in [0,1]}` +
		"\nHeadlines:\n- " + strings.Join(headlines, "\n- ")

	out := Query[Sentiment](ctx, a.completer, a.timeout, prompt, nil)
	v, ok := out.Get()
	if !ok {
		a.fellBack("sentiment", out.Reason())
		return Sentiment{Label: "neutral", Confidence: FallbackSentimentConfidence, Fallback: true, Reason: out.Reason()}
	}
	v.Score = clampSigned(v.Score)
	v.Confidence = model.Clamp01(v.Confidence)
	if v.Label == "" {
		v.Label = "neutral"
	}
	v.Fallback = false
	return v
}

// Strategy asks for a research-backed recommendation with an explicit timeout.
func (a *Analyzer) Strategy(ctx context.Context, subject, question string, timeout time.Duration, vars map[string]any) StrategyAdvice {
	if timeout <= 0 {
		timeout = a.timeout
	}
	prompt := fmt.Sprintf("Research %q and recommend a positioning. Question: %s\n", subject, question) +
		`Schema: {"direction": "up"|"down"|"neutral", "magnitude": number in [0,1], "confidence": number in [0,1], "rationale": string, "actions": [string]}`

	out := Query[strategyWire](ctx, a.completer, timeout, prompt, vars)
	w, ok := out.Get()
	if !ok {
		a.fellBack("strategy", out.Reason())
		return StrategyAdvice{
			Direction:  model.DirectionNeutral,
			Confidence: FallbackStrategyConfidence,
			Rationale:  "research unavailable; holding neutral stance",
			Actions:    []string{"maintain_positions"},
			Fallback:   true,
			Reason:     out.Reason(),
		}
	}
	return StrategyAdvice{
		Direction:  model.ParseDirection(w.Direction),
		Magnitude:  model.Clamp01(w.Magnitude),
		Confidence: model.Clamp01(w.Confidence),
		Rationale:  w.Rationale,
		Actions:    w.Actions,
	}
}

// LoopAnalysis predicts an agent's next actions from its recent behavior.
func (a *Analyzer) LoopAnalysis(ctx context.Context, agentID string, vars map[string]any) LoopAnalysis {
	prompt := fmt.Sprintf("Analyse the behavioral loop of trading agent %q and predict its next actions.\n", agentID) +
		`Schema: {"loop_type": string, "next_actions": [string], "direction": "up"|"down"|"neutral", "confidence": number in [0,1], "reasoning": string}`

	out := Query[loopWire](ctx, a.completer, a.timeout, prompt, vars)
	w, ok := out.Get()
	if !ok {
		a.fellBack("loop_analysis", out.Reason())
		return LoopAnalysis{
			LoopType:    "unknown",
			NextActions: []string{"hold"},
			Direction:   model.DirectionNeutral,
			Confidence:  FallbackLoopConfidence,
			Reasoning:   "behavior analysis unavailable",
			Fallback:    true,
			Reason:      out.Reason(),
		}
	}
	return LoopAnalysis{
		LoopType:    w.LoopType,
		NextActions: w.NextActions,
		Direction:   model.ParseDirection(w.Direction),
		Confidence:  model.Clamp01(w.Confidence),
		Reasoning:   w.Reasoning,
	}
}

// Destiny produces the narrative outlook for a timeframe.
func (a *Analyzer) Destiny(ctx context.Context, timeframe string, vars map[string]any) DestinyAnalysis {
	prompt := fmt.Sprintf("Forecast the aggregate market and agent outlook for the next %s.\n", timeframe) +
		`Schema: {"outlook": "up"|"down"|"neutral", "confidence": number in [0,1], "drivers": [string], "narrative": string}`

	out := Query[destinyWire](ctx, a.completer, a.timeout, prompt, vars)
	w, ok := out.Get()
	if !ok {
		a.fellBack("destiny", out.Reason())
		return DestinyAnalysis{
			Outlook:    model.DirectionNeutral,
			Confidence: FallbackDestinyConfidence,
			Narrative:  "outlook unavailable; assuming continuation",
			Fallback:   true,
			Reason:     out.Reason(),
		}
	}
	return DestinyAnalysis{
		Outlook:    model.ParseDirection(w.Outlook),
		Confidence: model.Clamp01(w.Confidence),
		Drivers:    w.Drivers,
		Narrative:  w.Narrative,
	}
}

// Divergence explains a divergence alert.
func (a *Analyzer) Divergence(ctx context.Context, agentID string, vars map[string]any) DivergenceAnalysis {
	prompt := fmt.Sprintf("Agent %q diverged from its established behavior. Explain the likely cause.\n", agentID) +
		`Schema: {"explanation": string, "likely_cause": string, "risk": number in [0,1], "confidence": number in [0,1]}`

	out := Query[DivergenceAnalysis](ctx, a.completer, a.timeout, prompt, vars)
	v, ok := out.Get()
	if !ok {
		a.fellBack("divergence", out.Reason())
		return DivergenceAnalysis{
			Explanation: "divergence detected; automated explanation unavailable",
			LikelyCause: "unknown",
			Risk:        0.5,
			Confidence:  FallbackDivergenceConfidence,
			Fallback:    true,
			Reason:      out.Reason(),
		}
	}
	v.Risk = model.Clamp01(v.Risk)
	v.Confidence = model.Clamp01(v.Confidence)
	v.Fallback = false
	return v
}

// Intervention recommends corrective actions for a control decision.
func (a *Analyzer) Intervention(ctx context.Context, decision string, vars map[string]any) InterventionAdvice {
	prompt := fmt.Sprintf("The surveillance engine decided %q. Recommend concrete interventions.\n", decision) +
		`Schema: {"actions": [string], "urgency": "low"|"medium"|"high"|"critical", "rationale": string, "confidence": number in [0,1]}`

	out := Query[InterventionAdvice](ctx, a.completer, a.timeout, prompt, vars)
	v, ok := out.Get()
	if !ok || len(v.Actions) == 0 {
		reason := out.Reason()
		if ok {
			reason = "empty action list"
		}
		a.fellBack("intervention", reason)
		return InterventionAdvice{
			Actions:    []string{"increase_monitoring", "review_agent_limits"},
			Urgency:    "medium",
			Rationale:  "static intervention playbook",
			Confidence: FallbackInterventionConfidence,
			Fallback:   true,
			Reason:     reason,
		}
	}
	v.Confidence = model.Clamp01(v.Confidence)
	v.Fallback = false
	return v
}

type strategyWire struct {
	Direction  string   `json:"direction"`
	Magnitude  float64  `json:"magnitude"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Actions    []string `json:"actions"`
}

type loopWire struct {
	LoopType    string   `json:"loop_type"`
	NextActions []string `json:"next_actions"`
	Direction   string   `json:"direction"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

type destinyWire struct {
	Outlook    string   `json:"outlook"`
	Confidence float64  `json:"confidence"`
	Drivers    []string `json:"drivers"`
	Narrative  string   `json:"narrative"`
}

func clampSigned(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
