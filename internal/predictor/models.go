package predictor

import (
	"context"
	"math"

	"rehoboam/internal/inference"
	"rehoboam/internal/model"
)

// Model names and ensemble weights.
const (
	ModelBehavioralLoop        = "behavioral_loop"
	ModelAgentDestiny          = "agent_destiny"
	ModelManipulationDetection = "manipulation_detection"
	ModelInterventionStrategy  = "intervention_strategy"
)

// AgentSignal is the per-agent state the orchestrator shares with the predictor.
type AgentSignal struct {
	AgentID        string          `json:"agent_id"`
	LoopType       string          `json:"loop_type"`
	Integrity      string          `json:"integrity"`
	Predictability float64         `json:"predictability"`
	RiskTolerance  float64         `json:"risk_tolerance"`
	Direction      model.Direction `json:"direction"`
	NextActions    []string        `json:"next_actions,omitempty"`
}

// Context is the latest view of the world used by every model.
type Context struct {
	Tickers      []model.Ticker `json:"tickers,omitempty"`
	Sentiment    *float64       `json:"sentiment,omitempty"`
	RiskLevel    float64        `json:"risk_level"`
	ActiveAlerts int            `json:"active_alerts"`
	Agents       []AgentSignal  `json:"agents,omitempty"`
}

func (c Context) vars() map[string]any {
	v := map[string]any{
		"risk_level":    c.RiskLevel,
		"active_alerts": c.ActiveAlerts,
		"tickers":       c.Tickers,
		"agents":        c.Agents,
	}
	if c.Sentiment != nil {
		v["sentiment"] = *c.Sentiment
	}
	return v
}

// MeanChange is the average 24h change across tickers.
func (c Context) MeanChange() float64 {
	if len(c.Tickers) == 0 {
		return 0
	}
	var sum float64
	for _, t := range c.Tickers {
		sum += t.Change24h
	}
	return sum / float64(len(c.Tickers))
}

// Request is what every model is asked.
type Request struct {
	Subject   string
	Timeframe string
	Context   Context
	DeadZone  float64
}

// ModelOutput is one model's independent forecast.
type ModelOutput struct {
	Model      string          `json:"model"`
	Weight     float64         `json:"weight"`
	Direction  model.Direction `json:"direction"`
	Magnitude  float64         `json:"magnitude"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale,omitempty"`
	Notes      []string        `json:"notes,omitempty"`
	Fallback   bool            `json:"fallback"`
}

// Model is one ensemble member.
type Model interface {
	Name() string
	Weight() float64
	Predict(ctx context.Context, req Request) ModelOutput
}

// DefaultModels builds the standard four-model ensemble.
func DefaultModels(a *inference.Analyzer) []Model {
	return []Model{
		behavioralLoopModel{analyzer: a},
		agentDestinyModel{analyzer: a},
		manipulationModel{},
		interventionModel{analyzer: a},
	}
}

// behavioralLoopModel reads the aggregate direction of tracked agents' loops.
type behavioralLoopModel struct{ analyzer *inference.Analyzer }

func (behavioralLoopModel) Name() string    { return ModelBehavioralLoop }
func (behavioralLoopModel) Weight() float64 { return 0.4 }

func (m behavioralLoopModel) Predict(ctx context.Context, req Request) ModelOutput {
	var score, weight float64
	for _, a := range req.Context.Agents {
		w := math.Max(a.Predictability, 0.05)
		score += a.Direction.Score() * w
		weight += w
	}
	if weight > 0 {
		score /= weight
	}

	res := m.analyzer.LoopAnalysis(ctx, req.Subject, req.Context.vars())
	if res.Fallback {
		return ModelOutput{
			Direction:  model.DirectionFromScore(score, req.DeadZone),
			Magnitude:  math.Abs(score),
			Confidence: inference.FallbackLoopConfidence,
			Rationale:  "aggregate agent loop direction",
			Fallback:   true,
		}
	}
	return ModelOutput{
		Direction:  res.Direction,
		Magnitude:  math.Max(math.Abs(score), res.Confidence*0.5),
		Confidence: res.Confidence,
		Rationale:  res.Reasoning,
		Notes:      res.NextActions,
	}
}

// agentDestinyModel extrapolates market drift and sentiment.
type agentDestinyModel struct{ analyzer *inference.Analyzer }

func (agentDestinyModel) Name() string    { return ModelAgentDestiny }
func (agentDestinyModel) Weight() float64 { return 0.3 }

func (m agentDestinyModel) Predict(ctx context.Context, req Request) ModelOutput {
	score := req.Context.MeanChange() * 5
	if req.Context.Sentiment != nil {
		score += 0.5 * *req.Context.Sentiment
	}
	score = math.Max(-1, math.Min(1, score))

	res := m.analyzer.Destiny(ctx, req.Timeframe, req.Context.vars())
	if res.Fallback {
		return ModelOutput{
			Direction:  model.DirectionFromScore(score, req.DeadZone),
			Magnitude:  math.Abs(score),
			Confidence: inference.FallbackDestinyConfidence,
			Rationale:  res.Narrative,
			Fallback:   true,
		}
	}
	return ModelOutput{
		Direction:  res.Outlook,
		Magnitude:  math.Max(math.Abs(score), 0.1),
		Confidence: res.Confidence,
		Rationale:  res.Narrative,
		Notes:      res.Drivers,
	}
}

// manipulationModel turns detector risk into a bearish tilt. It is purely statistical.
type manipulationModel struct{}

func (manipulationModel) Name() string    { return ModelManipulationDetection }
func (manipulationModel) Weight() float64 { return 0.2 }

func (manipulationModel) Predict(_ context.Context, req Request) ModelOutput {
	risk := model.Clamp01(req.Context.RiskLevel)
	dir := model.DirectionNeutral
	if risk > 0.5 {
		dir = model.DirectionDown
	}
	return ModelOutput{
		Direction:  dir,
		Magnitude:  risk,
		Confidence: 0.5 + 0.3*risk,
		Rationale:  "active manipulation alerts",
	}
}

// interventionModel asks for a positioning recommendation.
type interventionModel struct{ analyzer *inference.Analyzer }

func (interventionModel) Name() string    { return ModelInterventionStrategy }
func (interventionModel) Weight() float64 { return 0.1 }

func (m interventionModel) Predict(ctx context.Context, req Request) ModelOutput {
	res := m.analyzer.Strategy(ctx, req.Subject, "best positioning for "+req.Timeframe, 0, req.Context.vars())
	return ModelOutput{
		Direction:  res.Direction,
		Magnitude:  res.Magnitude,
		Confidence: res.Confidence,
		Rationale:  res.Rationale,
		Notes:      res.Actions,
		Fallback:   res.Fallback,
	}
}

// Combine merges model outputs: weight-normalised signed direction and magnitude,
// dead-zone mapping back to a label, and an unweighted mean confidence.
func Combine(outputs []ModelOutput, deadZone float64) (dir model.Direction, score, magnitude, confidence float64) {
	var wsum, csum float64
	for _, o := range outputs {
		score += o.Weight * o.Direction.Score()
		magnitude += o.Weight * o.Magnitude
		wsum += o.Weight
		csum += o.Confidence
	}
	if wsum > 0 {
		score /= wsum
		magnitude /= wsum
	}
	// Strip accumulation noise so exact boundaries such as 0.4-0.3 stay on the boundary.
	score = math.Round(score*1e9) / 1e9
	if len(outputs) > 0 {
		confidence = csum / float64(len(outputs))
	}
	return model.DirectionFromScore(score, deadZone), score, magnitude, confidence
}
