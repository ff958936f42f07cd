package profiler

import (
	"math"
	"time"

	"rehoboam/internal/model"
)

// Class labels. "unknown" is reported whenever a sub-profile lacks samples.
const (
	ClassUnknown = "unknown"

	FrequencyVeryHigh = "very_high"
	FrequencyHigh     = "high"
	FrequencyMedium   = "medium"
	FrequencyLow      = "low"

	HoldMinutes = "minutes"
	HoldHours   = "hours"
	HoldDays    = "days"
	HoldWeeks   = "weeks_months"

	SpeedFast   = "fast"
	SpeedMedium = "medium"
	SpeedSlow   = "slow"

	RelianceHigh   = "high"
	RelianceMedium = "medium"
	RelianceLow    = "low"
)

// RiskProfile summarises the agent's risk appetite.
type RiskProfile struct {
	Tolerance        float64 `json:"tolerance"`
	Consistency      float64 `json:"consistency"`
	AdaptationRate   float64 `json:"adaptation_rate"`
	InsufficientData bool    `json:"insufficient_data"`
}

// StyleProfile classifies how the agent trades.
type StyleProfile struct {
	Frequency        string  `json:"frequency"`
	HoldTime         string  `json:"hold_time"`
	SuccessRate      float64 `json:"success_rate"`
	InsufficientData bool    `json:"insufficient_data"`
}

// DecisionProfile classifies how the agent decides.
type DecisionProfile struct {
	Speed            string  `json:"speed"`
	DataReliance     string  `json:"data_reliance"`
	Consistency      float64 `json:"consistency"`
	Adaptability     float64 `json:"adaptability"`
	InsufficientData bool    `json:"insufficient_data"`
}

// Performance aggregates realised results.
type Performance struct {
	TotalTrades int     `json:"total_trades"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	AvgReturn   float64 `json:"avg_return"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Volatility  float64 `json:"volatility"`
}

// BehavioralScore rates how predictable the agent is.
type BehavioralScore struct {
	Predictability   float64 `json:"predictability"`
	Stability        float64 `json:"stability"`
	AnomalyCount     int     `json:"anomaly_count"`
	Confidence       float64 `json:"confidence"`
	InsufficientData bool    `json:"insufficient_data"`
}

// Defaults reported verbatim below the sample minimums.
var (
	DefaultRisk     = RiskProfile{Tolerance: 0.5, Consistency: 0.5, AdaptationRate: 0, InsufficientData: true}
	DefaultStyle    = StyleProfile{Frequency: ClassUnknown, HoldTime: ClassUnknown, InsufficientData: true}
	DefaultDecision = DecisionProfile{Speed: ClassUnknown, DataReliance: ClassUnknown, InsufficientData: true}
	DefaultScore    = BehavioralScore{Predictability: 0.5, Stability: 0.5, AnomalyCount: 0, Confidence: 0.1, InsufficientData: true}
)

// Thresholds parameterise the pure profile computation.
type Thresholds struct {
	MinRiskSamples  int
	MinStyleSamples int
	FrequencyPeriod time.Duration
	AnomalyZScore   float64
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{MinRiskSamples: 5, MinStyleSamples: 10, FrequencyPeriod: 24 * time.Hour, AnomalyZScore: 2.5}
}

// withDefaults fills every unset field from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.MinRiskSamples <= 0 {
		t.MinRiskSamples = def.MinRiskSamples
	}
	if t.MinStyleSamples <= 0 {
		t.MinStyleSamples = def.MinStyleSamples
	}
	if t.FrequencyPeriod <= 0 {
		t.FrequencyPeriod = def.FrequencyPeriod
	}
	if t.AnomalyZScore <= 0 {
		t.AnomalyZScore = def.AnomalyZScore
	}
	return t
}

// ProfileSnapshot is the derived view of one agent.
type ProfileSnapshot struct {
	AgentID     string          `json:"agent_id"`
	EventCount  int             `json:"event_count"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
	Risk        RiskProfile     `json:"risk"`
	Style       StyleProfile    `json:"style"`
	Decision    DecisionProfile `json:"decision"`
	Performance Performance     `json:"performance"`
	Score       BehavioralScore `json:"score"`
}

// Compute derives every sub-profile from the whole window. history is most-recent-first.
func Compute(agentID string, history []model.BehaviorEvent, th Thresholds) ProfileSnapshot {
	snap := ProfileSnapshot{
		AgentID:    agentID,
		EventCount: len(history),
		Risk:       DefaultRisk,
		Style:      DefaultStyle,
		Decision:   DefaultDecision,
		Score:      DefaultScore,
	}
	n := len(history)
	if n == 0 {
		return snap
	}
	snap.LastSeen = history[0].Timestamp
	snap.FirstSeen = history[n-1].Timestamp
	snap.Performance = computePerformance(history)

	if n >= th.MinRiskSamples {
		snap.Risk = computeRisk(history)
	}
	if n >= th.MinStyleSamples {
		snap.Style = computeStyle(history, th.FrequencyPeriod)
		snap.Decision = computeDecision(history)
		snap.Score = computeScore(history, th.AnomalyZScore)
	}
	return snap
}

func computeRisk(history []model.BehaviorEvent) RiskProfile {
	risks := riskSeries(history)
	mean, std := meanStd(risks)

	var change float64
	for i := 1; i < len(risks); i++ {
		change += math.Abs(risks[i-1] - risks[i])
	}
	if len(risks) > 1 {
		change /= float64(len(risks) - 1)
	}

	return RiskProfile{
		Tolerance:      mean,
		Consistency:    model.Clamp01(1 - 2*std),
		AdaptationRate: model.Clamp01(change),
	}
}

func computeStyle(history []model.BehaviorEvent, period time.Duration) StyleProfile {
	newest := history[0].Timestamp
	cutoff := newest.Add(-period)
	inPeriod := 0
	var hold time.Duration
	success, resolved := 0, 0
	for _, ev := range history {
		if !ev.Timestamp.Before(cutoff) {
			inPeriod++
		}
		hold += ev.HoldTime
		if ev.Resolved() {
			resolved++
			if ev.Succeeded() {
				success++
			}
		}
	}
	var rate float64
	if resolved > 0 {
		rate = float64(success) / float64(resolved)
	}
	return StyleProfile{
		Frequency:   ClassifyFrequency(inPeriod),
		HoldTime:    ClassifyHoldTime(hold / time.Duration(len(history))),
		SuccessRate: rate,
	}
}

func computeDecision(history []model.BehaviorEvent) DecisionProfile {
	var timing time.Duration
	var points float64
	for _, ev := range history {
		timing += ev.Timing
		points += float64(ev.DataPoints)
	}
	n := len(history)
	modeShare, distinct := decisionMode(history)
	return DecisionProfile{
		Speed:        ClassifySpeed(timing / time.Duration(n)),
		DataReliance: ClassifyDataReliance(points / float64(n)),
		Consistency:  modeShare,
		Adaptability: model.Clamp01(float64(distinct-1) / 4),
	}
}

func computePerformance(history []model.BehaviorEvent) Performance {
	perf := Performance{TotalTrades: len(history)}
	returns := make([]float64, 0, len(history))
	for _, ev := range history {
		switch {
		case ev.Outcome == model.OutcomeSuccess:
			perf.Successful++
		case ev.Outcome == model.OutcomeFailure:
			perf.Failed++
		}
		returns = append(returns, ev.Return)
	}
	perf.AvgReturn, perf.Volatility = meanStd(returns)

	// Walk oldest to newest along the cumulative return curve.
	var cum, peak, dd float64
	for i := len(history) - 1; i >= 0; i-- {
		cum += history[i].Return
		if cum > peak {
			peak = cum
		}
		if peak-cum > dd {
			dd = peak - cum
		}
	}
	perf.MaxDrawdown = dd
	return perf
}

func computeScore(history []model.BehaviorEvent, zThreshold float64) BehavioralScore {
	modeShare, _ := decisionMode(history)

	timings := make([]float64, 0, len(history))
	for _, ev := range history {
		timings = append(timings, ev.Timing.Seconds())
	}
	tMean, tStd := meanStd(timings)
	var cv float64
	if tMean > 0 {
		cv = tStd / tMean
	}

	risks := riskSeries(history)
	rMean, rStd := meanStd(risks)
	anomalies := 0
	if rStd > 0 {
		for _, r := range risks {
			if math.Abs(r-rMean)/rStd > zThreshold {
				anomalies++
			}
		}
	}

	return BehavioralScore{
		Predictability: 0.5*modeShare + 0.5*(1-model.Clamp01(cv)),
		Stability:      model.Clamp01(1 - 2*rStd),
		AnomalyCount:   anomalies,
		Confidence:     math.Min(1, float64(len(history))/100),
	}
}

// ClassifyFrequency buckets the number of events per period.
func ClassifyFrequency(perPeriod int) string {
	switch {
	case perPeriod > 50:
		return FrequencyVeryHigh
	case perPeriod > 10:
		return FrequencyHigh
	case perPeriod > 2:
		return FrequencyMedium
	default:
		return FrequencyLow
	}
}

// ClassifyHoldTime buckets the average holding period.
func ClassifyHoldTime(avg time.Duration) string {
	minutes := avg.Minutes()
	switch {
	case minutes < 60:
		return HoldMinutes
	case minutes < 1440:
		return HoldHours
	case minutes < 10080:
		return HoldDays
	default:
		return HoldWeeks
	}
}

// ClassifySpeed buckets the average decision latency.
func ClassifySpeed(avg time.Duration) string {
	switch {
	case avg < 30*time.Second:
		return SpeedFast
	case avg < 120*time.Second:
		return SpeedMedium
	default:
		return SpeedSlow
	}
}

// ClassifyDataReliance buckets the average number of data points consulted.
func ClassifyDataReliance(avg float64) string {
	switch {
	case avg > 10:
		return RelianceHigh
	case avg > 3:
		return RelianceMedium
	default:
		return RelianceLow
	}
}

func riskSeries(history []model.BehaviorEvent) []float64 {
	out := make([]float64, 0, len(history))
	for _, ev := range history {
		out = append(out, ev.RiskLevel)
	}
	return out
}

// decisionMode returns the share of the most common decision type and the number of distinct types.
func decisionMode(history []model.BehaviorEvent) (float64, int) {
	if len(history) == 0 {
		return 0, 0
	}
	counts := make(map[string]int)
	best := 0
	for _, ev := range history {
		counts[ev.DecisionType]++
		if counts[ev.DecisionType] > best {
			best = counts[ev.DecisionType]
		}
	}
	return float64(best) / float64(len(history)), len(counts)
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
