package profiler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"rehoboam/internal/model"
)

// Anomaly kinds.
const (
	AnomalyRiskOutlier  = "risk_outlier"
	AnomalyRiskShift    = "risk_shift"
	AnomalyLowStability = "low_stability"
)

// Anomaly is a system-wide finding about one agent.
type Anomaly struct {
	AgentID    string         `json:"agent_id"`
	Kind       string         `json:"kind"`
	Score      float64        `json:"score"`
	Severity   model.Severity `json:"severity"`
	Detail     string         `json:"detail"`
	DetectedAt time.Time      `json:"detected_at"`
}

// AnomalyRules parameterise anomaly detection.
type AnomalyRules struct {
	Thresholds
	StabilityFloor   float64
	RiskShiftTrigger float64
}

// DetectAnomalies scans every agent window. Histories are most-recent-first.
// The result is ordered by agent then kind so identical input yields identical output.
func DetectAnomalies(histories map[string][]model.BehaviorEvent, rules AnomalyRules, now time.Time) []Anomaly {
	agents := make([]string, 0, len(histories))
	for id := range histories {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	var out []Anomaly
	for _, id := range agents {
		out = append(out, agentAnomalies(id, histories[id], rules, now)...)
	}
	return out
}

func agentAnomalies(agentID string, history []model.BehaviorEvent, rules AnomalyRules, now time.Time) []Anomaly {
	if len(history) < rules.MinRiskSamples+1 {
		return nil
	}
	var out []Anomaly
	emit := func(kind string, score float64, detail string) {
		score = model.Clamp01(score)
		out = append(out, Anomaly{
			AgentID:    agentID,
			Kind:       kind,
			Score:      score,
			Severity:   model.SeverityFromConfidence(score),
			Detail:     detail,
			DetectedAt: now,
		})
	}

	latest := history[0].RiskLevel
	prior := riskSeries(history[1:])
	mean, std := meanStd(prior)
	if std > 0 && rules.AnomalyZScore > 0 {
		z := (latest - mean) / std
		if math.Abs(z) > rules.AnomalyZScore {
			emit(AnomalyRiskOutlier, math.Abs(z)/(2*rules.AnomalyZScore),
				fmt.Sprintf("latest risk %.2f is %.1f sigma from window mean %.2f", latest, z, mean))
		}
	}

	recentN := rules.MinRiskSamples
	if recentN > 0 && len(history) >= 2*recentN && rules.RiskShiftTrigger > 0 {
		recentMean, _ := meanStd(riskSeries(history[:recentN]))
		olderMean, _ := meanStd(riskSeries(history[recentN:]))
		shift := recentMean - olderMean
		if math.Abs(shift) >= rules.RiskShiftTrigger {
			emit(AnomalyRiskShift, 0.5+math.Abs(shift),
				fmt.Sprintf("risk appetite moved %+.2f (%.2f -> %.2f)", shift, olderMean, recentMean))
		}
	}

	if len(history) >= rules.MinStyleSamples {
		score := computeScore(history, rules.AnomalyZScore)
		if score.Stability < rules.StabilityFloor {
			emit(AnomalyLowStability, 1-score.Stability,
				fmt.Sprintf("stability %.2f below floor %.2f", score.Stability, rules.StabilityFloor))
		}
	}
	return out
}
