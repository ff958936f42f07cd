package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"rehoboam/internal/detector"
	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
)

// FromAlert describes a manipulation alert together with its response plan.
func FromAlert(a detector.Alert, channels []string) Notification {
	plan := detector.ResponsePlan(a.Severity)
	actions := make([]string, len(plan))
	for i, act := range plan {
		actions[i] = string(act)
	}
	details := map[string]string{"Algorithm": string(a.Algorithm), "Reason": a.Reason}
	for k, v := range a.Details {
		details[k] = fmt.Sprint(v)
	}
	return Notification{
		Kind:      KindManipulation,
		Subject:   a.Symbol + "/" + string(a.Algorithm),
		Severity:  a.Severity,
		Title:     fmt.Sprintf("%s on %s", strings.ReplaceAll(string(a.Algorithm), "_", " "), a.Symbol),
		Score:     decimal.NewFromFloat(a.Confidence),
		Timestamp: a.Timestamp,
		Details:   details,
		Actions:   actions,
		Channels:  channels,
	}
}

// FromDivergence describes an agent leaving its behavioral pattern.
func FromDivergence(d orchestrator.DivergenceAlert, channels []string) Notification {
	f := d.Factors
	details := map[string]string{
		"Expected decision": f.ExpectedDecision,
		"Observed decision": d.Observed.DecisionType,
		"Risk delta":        decimal.NewFromFloat(f.RiskDelta).StringFixed(3),
		"Timing mismatch":   fmt.Sprint(f.TimingMismatch),
	}
	note := Notification{
		Kind:      KindDivergence,
		Subject:   d.AgentID,
		Severity:  d.Severity,
		Title:     fmt.Sprintf("agent %s diverged from its loop", d.AgentID),
		Score:     decimal.NewFromFloat(d.Score),
		Timestamp: d.Timestamp,
		Details:   details,
		Channels:  channels,
	}
	if d.Explanation != nil {
		note.Additional = d.Explanation.Explanation
	}
	return note
}

// FromReport describes an intervention decision. Reports that only maintain
// surveillance map to low severity so the usual threshold filters them.
func FromReport(r orchestrator.Report, channels []string) Notification {
	sev := model.SeverityLow
	switch r.Decision {
	case orchestrator.DecisionImmediateIntervention:
		sev = model.SeverityCritical
	case orchestrator.DecisionPrepareCorrections, orchestrator.DecisionDivergenceAlert:
		sev = model.SeverityHigh
	}
	note := Notification{
		Kind:      KindIntervention,
		Subject:   string(r.Decision),
		Severity:  sev,
		Title:     "decision: " + strings.ReplaceAll(string(r.Decision), "_", " "),
		Score:     decimal.NewFromFloat(r.Omniscience),
		Timestamp: r.At,
		Details: map[string]string{
			"Intervention risk": decimal.NewFromFloat(r.InterventionRisk).StringFixed(3),
			"Forecast":          string(r.Forecast.Prediction.Direction),
			"Unstable agents":   fmt.Sprintf("%d/%d", r.UnstableAgents, r.Agents),
			"Active alerts":     fmt.Sprint(r.ActiveAlerts),
		},
		Channels: channels,
	}
	if r.Intervention != nil {
		note.Actions = r.Intervention.Actions
		note.Additional = r.Intervention.Rationale
	}
	return note
}
