package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRecord is a persisted collector snapshot summary.
type SnapshotRecord struct {
	ID        string
	Timestamp time.Time
	Healthy   int
	Total     int
	Status    string
	Sources   json.RawMessage
	Tickers   []TickerSample
	Events    int
	CreatedAt time.Time
}

// TickerSample is one quote observed in a snapshot.
type TickerSample struct {
	SnapshotID string
	Symbol     string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Change24h  decimal.Decimal
	Source     string
	ObservedAt time.Time
}

// AlertRecord captures a manipulation alert for auditing.
type AlertRecord struct {
	ID         string
	Algorithm  string
	Symbol     string
	Severity   string
	Confidence decimal.Decimal
	Reason     string
	Details    json.RawMessage
	Status     string
	Actions    []string
	RaisedAt   time.Time
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

// ReportRecord is one persisted orchestrator analysis cycle.
type ReportRecord struct {
	ID                   string
	At                   time.Time
	Omniscience          decimal.Decimal
	PredictionConfidence decimal.Decimal
	MeanPredictability   decimal.Decimal
	MarketDeterminism    decimal.Decimal
	InterventionRisk     decimal.Decimal
	Decision             string
	Forecast             string
	Payload              json.RawMessage
	CreatedAt            time.Time
}

// DivergenceRecord is a persisted behavioral divergence.
type DivergenceRecord struct {
	ID        string
	AgentID   string
	Score     decimal.Decimal
	Severity  string
	Factors   json.RawMessage
	RaisedAt  time.Time
	CreatedAt time.Time
}
