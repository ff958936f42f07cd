package orchestrator

import (
	"math"
	"sort"
	"strings"
	"time"

	"rehoboam/internal/model"
)

// Integrity classifies how closely an agent follows its established loop.
type Integrity string

const (
	IntegrityStable    Integrity = "stable"
	IntegrityDegrading Integrity = "degrading"
	IntegrityUnstable  Integrity = "unstable"
	IntegrityBreaking  Integrity = "breaking"
)

var integrityOrder = []Integrity{IntegrityStable, IntegrityDegrading, IntegrityUnstable, IntegrityBreaking}

// Level is the position of i in stable < degrading < unstable < breaking.
func (i Integrity) Level() int {
	for n, v := range integrityOrder {
		if v == i {
			return n
		}
	}
	return 0
}

// ClassifyDeviation maps a deviation score onto the integrity it implies.
func ClassifyDeviation(d float64) Integrity {
	switch {
	case d >= 0.8:
		return IntegrityBreaking
	case d >= 0.6:
		return IntegrityUnstable
	case d >= 0.3:
		return IntegrityDegrading
	default:
		return IntegrityStable
	}
}

// NextIntegrity moves current at most one level toward the level implied by deviation.
func NextIntegrity(current Integrity, deviation float64) Integrity {
	target := ClassifyDeviation(deviation).Level()
	level := current.Level()
	switch {
	case target > level:
		level++
	case target < level:
		level--
	}
	return integrityOrder[level]
}

// DeviationScore is the sample variance of the binary outcome encoding, scaled by
// four and capped at one. Fewer than three outcomes yield (0, false).
func DeviationScore(outcomes []bool) (float64, bool) {
	n := len(outcomes)
	if n < 3 {
		return 0, false
	}
	var sum float64
	for _, ok := range outcomes {
		if ok {
			sum++
		}
	}
	mean := sum / float64(n)
	var sq float64
	for _, ok := range outcomes {
		x := 0.0
		if ok {
			x = 1
		}
		sq += (x - mean) * (x - mean)
	}
	variance := sq / float64(n-1)
	return math.Min(1, variance*4), true
}

// Loop types.
const (
	LoopForming       = "forming"
	LoopRepetitive    = "repetitive"
	LoopOscillating   = "oscillating"
	LoopReinforcing   = "reinforcing"
	LoopSelfDefeating = "self_defeating"
	LoopExploratory   = "exploratory"
)

// Pattern is the compact form of one observed decision.
type Pattern struct {
	DecisionType string        `json:"decision_type"`
	RiskLevel    float64       `json:"risk_level"`
	Timing       time.Duration `json:"timing"`
	Outcome      string        `json:"outcome"`
	Timestamp    time.Time     `json:"timestamp"`
}

// PatternOf extracts the pattern from an event.
func PatternOf(ev model.BehaviorEvent) Pattern {
	return Pattern{
		DecisionType: ev.DecisionType,
		RiskLevel:    ev.RiskLevel,
		Timing:       ev.Timing,
		Outcome:      ev.Outcome,
		Timestamp:    ev.Timestamp,
	}
}

// ClassifyLoop labels a pattern window given most-recent-first.
func ClassifyLoop(patterns []Pattern) string {
	if len(patterns) < 3 {
		return LoopForming
	}
	share, _ := modeOf(patterns)
	if share >= 0.8 {
		return LoopRepetitive
	}

	switches := 0
	for i := 1; i < len(patterns); i++ {
		if patterns[i].DecisionType != patterns[i-1].DecisionType {
			switches++
		}
	}
	if float64(switches)/float64(len(patterns)-1) >= 0.7 && distinct(patterns) <= 3 {
		return LoopOscillating
	}

	success, failure := 0, 0
	for _, p := range patterns {
		switch p.Outcome {
		case model.OutcomeSuccess:
			success++
		case model.OutcomeFailure:
			failure++
		}
	}
	if resolved := success + failure; resolved >= 3 {
		switch {
		case float64(success)/float64(resolved) >= 0.6:
			return LoopReinforcing
		case float64(failure)/float64(resolved) >= 0.6:
			return LoopSelfDefeating
		}
	}
	return LoopExploratory
}

// Predictability blends habit strength with outcome steadiness.
func Predictability(patterns []Pattern, deviation float64) float64 {
	if len(patterns) == 0 {
		return 0.5
	}
	share, _ := modeOf(patterns)
	return model.Clamp01(0.6*share + 0.4*(1-deviation))
}

// PredictNext ranks the decisions that historically followed the latest one.
func PredictNext(patterns []Pattern, limit int) []string {
	if len(patterns) == 0 {
		return nil
	}
	last := patterns[0].DecisionType
	counts := map[string]int{}
	// patterns are newest first, so patterns[i-1] followed patterns[i].
	for i := len(patterns) - 1; i >= 1; i-- {
		if patterns[i].DecisionType == last {
			counts[patterns[i-1].DecisionType]++
		}
	}
	if len(counts) == 0 {
		_, mode := modeOf(patterns)
		return []string{mode}
	}
	next := make([]string, 0, len(counts))
	for k := range counts {
		next = append(next, k)
	}
	sort.Slice(next, func(i, j int) bool {
		if counts[next[i]] == counts[next[j]] {
			return next[i] < next[j]
		}
		return counts[next[i]] > counts[next[j]]
	})
	if limit > 0 && len(next) > limit {
		next = next[:limit]
	}
	return next
}

// DirectionOf reads a directional bias from decision names over the recent window.
func DirectionOf(patterns []Pattern, window int) model.Direction {
	if window <= 0 || window > len(patterns) {
		window = len(patterns)
	}
	if window == 0 {
		return model.DirectionNeutral
	}
	var score float64
	for _, p := range patterns[:window] {
		d := strings.ToLower(p.DecisionType)
		switch {
		case strings.Contains(d, "buy"), strings.Contains(d, "long"):
			score++
		case strings.Contains(d, "sell"), strings.Contains(d, "short"):
			score--
		}
	}
	return model.DirectionFromScore(score/float64(window), 0.1)
}

// DivergenceFactors break a divergence score into its weighted parts.
type DivergenceFactors struct {
	DecisionMismatch bool    `json:"decision_mismatch"`
	RiskDelta        float64 `json:"risk_delta"`
	TimingMismatch   bool    `json:"timing_mismatch"`
	ExpectedDecision string  `json:"expected_decision"`
	ExpectedRisk     float64 `json:"expected_risk"`
	ExpectedTiming   float64 `json:"expected_timing_seconds"`
}

// MinDivergenceHistory is the number of prior patterns needed to judge divergence.
const MinDivergenceHistory = 3

// Divergence scores ev against the prior window (most recent first):
// 0.4 for a decision-type mismatch, 0.3 x |risk delta| capped at one, and 0.3 when
// the timing differs from the mean by more than half.
func Divergence(prior []Pattern, ev Pattern) (float64, DivergenceFactors, bool) {
	if len(prior) < MinDivergenceHistory {
		return 0, DivergenceFactors{}, false
	}
	_, mode := modeOf(prior)
	var risk, timing float64
	for _, p := range prior {
		risk += p.RiskLevel
		timing += p.Timing.Seconds()
	}
	risk /= float64(len(prior))
	timing /= float64(len(prior))

	f := DivergenceFactors{
		DecisionMismatch: ev.DecisionType != mode,
		RiskDelta:        math.Min(1, math.Abs(ev.RiskLevel-risk)),
		ExpectedDecision: mode,
		ExpectedRisk:     risk,
		ExpectedTiming:   timing,
	}
	observed := ev.Timing.Seconds()
	if timing > 0 {
		f.TimingMismatch = math.Abs(observed-timing)/timing > 0.5
	} else {
		f.TimingMismatch = observed > 0
	}

	score := 0.3 * f.RiskDelta
	if f.DecisionMismatch {
		score += 0.4
	}
	if f.TimingMismatch {
		score += 0.3
	}
	return math.Round(score*1e9) / 1e9, f, true
}

// DivergenceSeverity grades a divergence score that already crossed the threshold.
func DivergenceSeverity(score float64) model.Severity {
	switch {
	case score >= 0.9:
		return model.SeverityCritical
	case score >= 0.8:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

func modeOf(patterns []Pattern) (float64, string) {
	if len(patterns) == 0 {
		return 0, ""
	}
	counts := map[string]int{}
	best, mode := 0, ""
	// Newest first, so ties resolve to the most recent habit.
	for _, p := range patterns {
		counts[p.DecisionType]++
	}
	for _, p := range patterns {
		if c := counts[p.DecisionType]; c > best {
			best, mode = c, p.DecisionType
		}
	}
	return float64(best) / float64(len(patterns)), mode
}

func distinct(patterns []Pattern) int {
	seen := map[string]struct{}{}
	for _, p := range patterns {
		seen[p.DecisionType] = struct{}{}
	}
	return len(seen)
}
