package storage

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"rehoboam/internal/collector"
	"rehoboam/internal/detector"
	"rehoboam/internal/orchestrator"
)

// Snapshot statuses.
const (
	SnapshotOK       = "ok"
	SnapshotDegraded = "degraded"
)

// SnapshotFromCollector converts a collector snapshot into its stored form.
func SnapshotFromCollector(s collector.Snapshot) (SnapshotRecord, error) {
	sources, err := json.Marshal(s.Sources)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal sources: %w", err)
	}
	rec := SnapshotRecord{
		ID:        s.ID,
		Timestamp: s.Timestamp,
		Healthy:   s.Healthy(),
		Total:     len(s.Sources),
		Status:    SnapshotOK,
		Sources:   sources,
		Events:    len(s.Events),
	}
	if rec.Healthy < rec.Total {
		rec.Status = SnapshotDegraded
	}
	for _, t := range s.Tickers {
		rec.Tickers = append(rec.Tickers, TickerSample{
			SnapshotID: s.ID,
			Symbol:     t.Symbol,
			Price:      decimal.NewFromFloat(t.Price),
			Volume:     decimal.NewFromFloat(t.Volume),
			Change24h:  decimal.NewFromFloat(t.Change24h),
			Source:     t.Source,
			ObservedAt: t.ObservedAt,
		})
	}
	return rec, nil
}

// AlertFromDetector converts a detector alert into its stored form.
func AlertFromDetector(a detector.Alert) (AlertRecord, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("marshal alert details: %w", err)
	}
	actions := make([]string, 0, len(a.ActionsTaken))
	for _, act := range a.ActionsTaken {
		actions = append(actions, string(act))
	}
	return AlertRecord{
		ID:         a.ID,
		Algorithm:  string(a.Algorithm),
		Symbol:     a.Symbol,
		Severity:   string(a.Severity),
		Confidence: decimal.NewFromFloat(a.Confidence),
		Reason:     a.Reason,
		Details:    details,
		Status:     string(a.Status),
		Actions:    actions,
		RaisedAt:   a.Timestamp,
		ResolvedAt: a.ResolvedAt,
	}, nil
}

// ReportFromOrchestrator converts an analysis report; the full report is kept as JSON.
func ReportFromOrchestrator(r orchestrator.Report) (ReportRecord, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("marshal report: %w", err)
	}
	return ReportRecord{
		ID:                   r.ID,
		At:                   r.At,
		Omniscience:          decimal.NewFromFloat(r.Omniscience),
		PredictionConfidence: decimal.NewFromFloat(r.PredictionConfidence),
		MeanPredictability:   decimal.NewFromFloat(r.MeanPredictability),
		MarketDeterminism:    decimal.NewFromFloat(r.MarketDeterminism),
		InterventionRisk:     decimal.NewFromFloat(r.InterventionRisk),
		Decision:             string(r.Decision),
		Forecast:             string(r.Forecast.Prediction.Direction),
		Payload:              payload,
	}, nil
}

// DivergenceFromOrchestrator converts a divergence alert.
func DivergenceFromOrchestrator(d orchestrator.DivergenceAlert) (DivergenceRecord, error) {
	factors, err := json.Marshal(d.Factors)
	if err != nil {
		return DivergenceRecord{}, fmt.Errorf("marshal divergence factors: %w", err)
	}
	return DivergenceRecord{
		ID:       d.ID,
		AgentID:  d.AgentID,
		Score:    decimal.NewFromFloat(d.Score),
		Severity: string(d.Severity),
		Factors:  factors,
		RaisedAt: d.Timestamp,
	}, nil
}
